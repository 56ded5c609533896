package api

import (
	"time"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/crawler"
	"github.com/Dachhu7/DevScan/internal/sessionstate"
	"github.com/Dachhu7/DevScan/pkg/types"
)

// ScanRequest is the body of POST /api/scan.
type ScanRequest struct {
	URL string `json:"url"`
}

// ScanResponse is the report shape shared by the synchronous endpoint, the
// CLI, and finished asynchronous scans.
type ScanResponse struct {
	StartURL        string       `json:"start_url"`
	PagesScanned    int          `json:"pages_scanned"`
	Vulnerabilities types.Report `json:"vulnerabilities"`
}

// NewScanResponse converts an engine result, echoing startURL as given.
func NewScanResponse(startURL string, res *types.ScanResult) ScanResponse {
	out := ScanResponse{StartURL: startURL, Vulnerabilities: types.Report{}}
	if res == nil {
		return out
	}
	if out.StartURL == "" {
		out.StartURL = res.StartURL
	}
	out.PagesScanned = res.PagesScanned
	if res.Vulnerabilities != nil {
		out.Vulnerabilities = res.Vulnerabilities
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateScanRequest launches an asynchronous scan. Unset fields keep the
// server defaults.
type CreateScanRequest struct {
	URL              string `json:"url"`
	MaxPages         *int   `json:"max_pages,omitempty"`
	Concurrency      *int   `json:"concurrency,omitempty"`
	FollowSubdomains *bool  `json:"follow_subdomains,omitempty"`
	RespectRobots    *bool  `json:"respect_robots,omitempty"`
	Discovery        *bool  `json:"discovery,omitempty"`
}

// ScanStatus captures the lifecycle stage of a scan.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "pending"
	ScanStatusRunning    ScanStatus = "running"
	ScanStatusCancelling ScanStatus = "cancelling"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusCancelled  ScanStatus = "cancelled"
	ScanStatusFailed     ScanStatus = "failed"
)

func (s ScanStatus) terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusCancelled || s == ScanStatusFailed
}

// ScanSummary surfaces the high-level state of an asynchronous scan.
type ScanSummary struct {
	ScanID      string     `json:"scan_id"`
	StartURL    string     `json:"start_url"`
	Status      ScanStatus `json:"status"`
	Processed   int64      `json:"processed_pages"`
	Visited     int        `json:"visited_pages"`
	Pending     int        `json:"pending_pages"`
	Issues      int        `json:"issues"`
	LastURL     string     `json:"last_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s ScanSummary) stateSnapshot() sessionstate.Snapshot {
	return sessionstate.Snapshot{
		ScanID:      s.ScanID,
		StartURL:    s.StartURL,
		Status:      string(s.Status),
		Processed:   s.Processed,
		Visited:     s.Visited,
		Pending:     s.Pending,
		Issues:      s.Issues,
		LastURL:     s.LastURL,
		Message:     s.Message,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

func summaryFromState(snap sessionstate.Snapshot) ScanSummary {
	return ScanSummary{
		ScanID:      snap.ScanID,
		StartURL:    snap.StartURL,
		Status:      ScanStatus(snap.Status),
		Processed:   snap.Processed,
		Visited:     snap.Visited,
		Pending:     snap.Pending,
		Issues:      snap.Issues,
		LastURL:     snap.LastURL,
		CreatedAt:   snap.CreatedAt,
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.CompletedAt,
		Message:     snap.Message,
		Error:       snap.Error,
	}
}

// ScanDetail extends the summary with the effective configuration and, once
// the scan finished, its report.
type ScanDetail struct {
	Scan   ScanSummary    `json:"scan"`
	Config *config.Config `json:"config,omitempty"`
	Report *ScanResponse  `json:"report,omitempty"`
}

// SSEEvent envelopes scan state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Scan      ScanSummary            `json:"scan"`
	Progress  *crawler.ProgressEvent `json:"progress,omitempty"`
}
