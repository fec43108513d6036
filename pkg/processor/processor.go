package processor

import (
	"regexp"
	"strings"
)

type ProcessorConfig struct {
	// Plain text windows, in words.
	ChunkSize    int
	ChunkOverlap int
	// Windows for heading-aware sources (PDF pages, web pages).
	SectionChunkSize    int
	SectionChunkOverlap int
}

type Processor struct {
	config ProcessorConfig
}

// Section is a run of markdown under one heading. The text before the
// first heading forms a section with an empty Title.
type Section struct {
	Title string
	Body  string
}

// SectionChunk is one window of a section. Text already carries the
// title prefix when the section has one.
type SectionChunk struct {
	Title string
	Text  string
}

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.*)$`)

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 256
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	} else if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 32
	}
	if config.SectionChunkSize <= 0 {
		config.SectionChunkSize = 800
	}
	if config.SectionChunkOverlap < 0 {
		config.SectionChunkOverlap = 0
	} else if config.SectionChunkOverlap == 0 {
		config.SectionChunkOverlap = 120
	}

	return Processor{
		config: config,
	}
}

func (p Processor) Config() ProcessorConfig {
	return p.config
}

// Chunks segments plain text with the configured window.
func (p Processor) Chunks(text string) []string {
	return Segment(text, p.config.ChunkSize, p.config.ChunkOverlap)
}

// SectionChunks segments markdown heading by heading.
func (p Processor) SectionChunks(md string) []SectionChunk {
	return SegmentSections(md, p.config.SectionChunkSize, p.config.SectionChunkOverlap)
}

// Segment splits text into windows of up to size whitespace-delimited words.
// Consecutive windows start stride = max(size-overlap, 1) words apart, so
// they share overlap words when overlap < size. Empty windows are dropped.
func Segment(text string, size, overlap int) []string {
	if size < 1 {
		size = 1
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	stride := size - overlap
	if stride < 1 {
		stride = 1
	}

	var chunks []string
	for start := 0; start < len(words); start += stride {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.TrimSpace(strings.Join(words[start:end], " "))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// SplitSections breaks markdown on ATX headings. Sections with an empty body
// are kept.
func SplitSections(md string) []Section {
	var sections []Section
	current := Section{}
	var body []string
	started := false

	flush := func() {
		current.Body = strings.Join(body, "\n")
		sections = append(sections, current)
	}

	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if started || len(body) > 0 {
				flush()
			}
			current = Section{Title: strings.TrimSpace(m[1])}
			body = body[:0]
			started = true
			continue
		}
		body = append(body, line)
	}
	if started || strings.TrimSpace(strings.Join(body, "")) != "" {
		flush()
	}
	return sections
}

// SegmentSections segments each section and prefixes every window with its
// section title and a blank line.
func SegmentSections(md string, size, overlap int) []SectionChunk {
	var out []SectionChunk
	for _, sec := range SplitSections(md) {
		for _, chunk := range Segment(sec.Body, size, overlap) {
			text := chunk
			if sec.Title != "" {
				text = sec.Title + "\n\n" + chunk
			}
			out = append(out, SectionChunk{Title: sec.Title, Text: text})
		}
	}
	return out
}
