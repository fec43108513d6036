package pdf

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	lpdf "github.com/ledongthuc/pdf"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/logger"
)

type ExtractorConfig struct {
	// HeadingRatio marks a line as a heading when its font size is at least
	// this multiple of the page's median size.
	HeadingRatio float64
	// HeadingMaxWords caps how long a heading line may be.
	HeadingMaxWords int
	MaxPages        int
}

// Extractor converts PDF bytes to per-page markdown, rendering lines set in
// a noticeably larger font as "## " headings.
type Extractor struct {
	config ExtractorConfig
	log    logger.Logger
}

var _ types.PDFExtractor = (*Extractor)(nil)

// Line is one visual row of text on a page.
type Line struct {
	Text     string
	FontSize float64
}

func NewWithConfig(config ExtractorConfig, log logger.Logger) *Extractor {
	if config.HeadingRatio <= 1 {
		config.HeadingRatio = 1.2
	}
	if config.HeadingMaxWords <= 0 {
		config.HeadingMaxWords = 16
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Extractor{config: config, log: log}
}

func (e *Extractor) Extract(ctx context.Context, data []byte) (pages []models.Page, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty pdf", models.ErrValidation)
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: unreadable pdf: %v", models.ErrValidation, r)
		}
	}()

	reader, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable pdf: %w", models.ErrValidation, err)
	}

	n := reader.NumPage()
	if e.config.MaxPages > 0 && n > e.config.MaxPages {
		return nil, fmt.Errorf("%w: pdf has %d pages, limit is %d", models.ErrValidation, n, e.config.MaxPages)
	}

	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pages = append(pages, models.Page{
			Number:   i,
			Markdown: e.Markdown(Lines(page.Content().Text)),
		})
	}
	e.log.Debug("pdf extracted", "pages", len(pages))
	return pages, nil
}

// Lines groups positioned glyphs into visual rows, top of the page first.
// Glyphs whose baselines sit within half a font size of each other share a
// row; a horizontal gap wider than a fifth of the font size becomes a space.
func Lines(glyphs []lpdf.Text) []Line {
	texts := make([]lpdf.Text, 0, len(glyphs))
	for _, t := range glyphs {
		if t.S != "" {
			texts = append(texts, t)
		}
	}
	sort.SliceStable(texts, func(a, b int) bool { return texts[a].Y > texts[b].Y })

	var (
		lines []Line
		row   []lpdf.Text
		rowY  float64
	)
	flush := func() {
		if line, ok := joinRow(row); ok {
			lines = append(lines, line)
		}
		row = row[:0]
	}
	for _, t := range texts {
		if len(row) > 0 && math.Abs(rowY-t.Y) > rowTolerance(t.FontSize) {
			flush()
		}
		if len(row) == 0 {
			rowY = t.Y
		}
		row = append(row, t)
	}
	flush()
	return lines
}

func rowTolerance(size float64) float64 {
	return math.Max(size*0.5, 1)
}

func joinRow(row []lpdf.Text) (Line, bool) {
	if len(row) == 0 {
		return Line{}, false
	}
	sorted := append([]lpdf.Text(nil), row...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].X < sorted[b].X })

	var sb strings.Builder
	var size, end float64
	for i, t := range sorted {
		if i > 0 && t.X-end > math.Max(t.FontSize, size)*0.2 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.S)
		end = t.X + t.W
		if t.FontSize > size {
			size = t.FontSize
		}
	}
	text := strings.Join(strings.Fields(sb.String()), " ")
	if text == "" {
		return Line{}, false
	}
	return Line{Text: text, FontSize: size}, true
}

// Markdown renders lines, promoting large short lines to headings.
func (e *Extractor) Markdown(lines []Line) string {
	body := medianSize(lines)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if e.isHeading(l, body) {
			out = append(out, "## "+l.Text)
			continue
		}
		out = append(out, l.Text)
	}
	return strings.Join(out, "\n")
}

func (e *Extractor) isHeading(l Line, body float64) bool {
	if body <= 0 || l.FontSize < body*e.config.HeadingRatio {
		return false
	}
	return len(strings.Fields(l.Text)) <= e.config.HeadingMaxWords
}

func medianSize(lines []Line) float64 {
	sizes := make([]float64, 0, len(lines))
	for _, l := range lines {
		if l.FontSize > 0 {
			sizes = append(sizes, l.FontSize)
		}
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Float64s(sizes)
	mid := len(sizes) / 2
	if len(sizes)%2 == 0 {
		return (sizes[mid-1] + sizes[mid]) / 2
	}
	return sizes[mid]
}
