package types

import (
	"net/http"
	"net/url"
	"time"
)

// Page represents a fetched response.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	ResponseLatency time.Duration
}

// Report maps a page URL to the ordered issue tags raised for it.
type Report map[string][]string

// ScanResult is the outcome of one crawl.
type ScanResult struct {
	StartURL        string    `json:"start_url"`
	PagesScanned    int       `json:"pages_scanned"`
	Vulnerabilities Report    `json:"vulnerabilities"`
	Visited         []string  `json:"visited,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}
