package models

// Page is one page of an extracted PDF, rendered as markdown-like text
// where detected headings are ATX lines.
type Page struct {
	Number   int
	Markdown string
}

// WebPage is a fetched HTML page converted to markdown-like text.
type WebPage struct {
	URL      string
	Title    string
	Markdown string
}
