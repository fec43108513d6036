package pdf_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/jung-kurt/gofpdf"
	lpdf "github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/pdf"
)

func newExtractor() *pdf.Extractor {
	return pdf.NewWithConfig(pdf.ExtractorConfig{}, logger.Discard())
}

func TestMarkdown_Headings(t *testing.T) {
	e := newExtractor()
	lines := []pdf.Line{
		{Text: "Getting Started", FontSize: 20},
		{Text: "Install the binary with go install.", FontSize: 11},
		{Text: "Then run it.", FontSize: 11},
		{Text: "Configuration", FontSize: 16},
		{Text: "Settings live in config.yaml.", FontSize: 11},
		{Text: "A footnote in small type.", FontSize: 8},
	}

	md := e.Markdown(lines)
	assert.Equal(t, "## Getting Started\n"+
		"Install the binary with go install.\n"+
		"Then run it.\n"+
		"## Configuration\n"+
		"Settings live in config.yaml.\n"+
		"A footnote in small type.", md)
}

// glyphs lays s out one rune per glyph starting at x on baseline y.
func glyphs(s string, x, y, size float64) []lpdf.Text {
	out := make([]lpdf.Text, 0, len(s))
	w := size * 0.5
	for _, r := range s {
		out = append(out, lpdf.Text{FontSize: size, X: x, Y: y, W: w, S: string(r)})
		x += w
	}
	return out
}

func TestLines(t *testing.T) {
	var page []lpdf.Text
	// Body line first in content order, then the heading above it.
	page = append(page, glyphs("Install", 30, 700, 11)...)
	page = append(page, glyphs("it", 30+7*5.5+4, 700.4, 11)...)
	page = append(page, glyphs("Overview", 30, 760, 24)...)
	page = append(page, glyphs("Next line", 30, 686, 11)...)

	lines := pdf.Lines(page)
	require.Len(t, lines, 3)
	assert.Equal(t, pdf.Line{Text: "Overview", FontSize: 24}, lines[0])
	assert.Equal(t, pdf.Line{Text: "Install it", FontSize: 11}, lines[1])
	assert.Equal(t, pdf.Line{Text: "Next line", FontSize: 11}, lines[2])

	assert.Equal(t, "## Overview\nInstall it\nNext line", newExtractor().Markdown(lines))
	assert.Empty(t, pdf.Lines(nil))
}

func TestMarkdown_LongLargeLineIsNotHeading(t *testing.T) {
	e := pdf.NewWithConfig(pdf.ExtractorConfig{HeadingMaxWords: 3}, logger.Discard())
	md := e.Markdown([]pdf.Line{
		{Text: "this big line has far too many words", FontSize: 30},
		{Text: "body", FontSize: 10},
		{Text: "body again", FontSize: 10},
	})
	assert.NotContains(t, md, "## ")
}

func TestMarkdown_UniformSize(t *testing.T) {
	e := newExtractor()
	md := e.Markdown([]pdf.Line{{Text: "a", FontSize: 12}, {Text: "b", FontSize: 12}})
	assert.Equal(t, "a\nb", md)
	assert.Equal(t, "", e.Markdown(nil))
}

func TestExtract_RejectsGarbage(t *testing.T) {
	e := newExtractor()

	_, err := e.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.Extract(context.Background(), []byte("definitely not a pdf"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func buildPDF(t *testing.T) []byte {
	t.Helper()
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetCompression(false)

	doc.AddPage()
	doc.SetFont("Helvetica", "B", 24)
	doc.Cell(0, 12, "Getting Started")
	doc.Ln(16)
	doc.SetFont("Helvetica", "", 11)
	doc.Cell(0, 6, "Install the tool with go install.")
	doc.Ln(8)
	doc.Cell(0, 6, "Run docsqa serve to start the API.")
	doc.Ln(8)

	doc.AddPage()
	doc.SetFont("Helvetica", "", 11)
	doc.Cell(0, 6, "Second page body text.")
	doc.Ln(8)

	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestExtract_GeneratedPDF(t *testing.T) {
	e := newExtractor()

	pages, err := e.Extract(context.Background(), buildPDF(t))
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "## Getting Started\n"+
		"Install the tool with go install.\n"+
		"Run docsqa serve to start the API.", pages[0].Markdown)
	assert.Equal(t, 2, pages[1].Number)
	assert.Contains(t, pages[1].Markdown, "Second page body text.")
}

func TestExtract_MaxPages(t *testing.T) {
	e := pdf.NewWithConfig(pdf.ExtractorConfig{MaxPages: 1}, logger.Discard())
	_, err := e.Extract(context.Background(), buildPDF(t))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newExtractor().Extract(ctx, buildPDF(t))
	assert.ErrorIs(t, err, context.Canceled)
}
