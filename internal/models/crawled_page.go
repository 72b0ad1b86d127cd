package models

import "time"

// CrawledPage is the rendered result of visiting one URL
type CrawledPage struct {
	URL       string        `json:"url"`
	Title     string        `json:"title,omitempty"`
	HTML      string        `json:"html,omitempty"`
	Error     string        `json:"error,omitempty"`
	CrawledAt time.Time     `json:"crawled_at"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether the page rendered without error
func (p CrawledPage) OK() bool {
	return p.Error == ""
}

// StyleSource holds the raw style material found on one page.
// Token analyzers consume these; no interpretation happens here.
type StyleSource struct {
	URL          string   `json:"url"`
	StyleBlocks  []string `json:"style_blocks"`
	InlineStyles []string `json:"inline_styles"`
	Stylesheets  []string `json:"stylesheets"`
}
