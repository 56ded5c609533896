package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Dachhu7/DevScan/internal/crawler"
	"github.com/Dachhu7/DevScan/internal/storage"
)

const (
	maxRequestBody     = 1 << 20
	maxDownloadBody    = 32 << 20
	downloadFilename   = "DevScan_Report.json"
	sseHeartbeatPeriod = 15 * time.Second
)

// FindingStore reads persisted scans.
type FindingStore interface {
	ListFindings(ctx context.Context, scanID string, params storage.ListParams) (storage.FindingListResult, error)
	GetScan(ctx context.Context, scanID string) (storage.ScanRecord, error)
}

// Server exposes the HTTP API for running scans.
type Server struct {
	manager  *ScanManager
	findings FindingStore
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. findings may be nil.
func NewServer(manager *ScanManager, findings FindingStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:  manager,
		findings: findings,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/scan", s.handleScan)
	s.mux.HandleFunc("/api/download", s.handleDownload)
	s.mux.HandleFunc("/api/scans", s.handleScans)
	s.mux.HandleFunc("/api/scans/", s.handleScanByID)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ScanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}

	result, err := s.manager.RunScan(r.Context(), req.URL)
	if err != nil {
		var inputErr *crawler.InputError
		if errors.As(err, &inputErr) {
			writeError(w, http.StatusBadRequest, inputErr.Reason)
			return
		}
		s.logger.Error("scan failed", "start_url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Scan failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, NewScanResponse(req.URL, result))
}

// handleDownload re-indents any JSON document as an attachment. Key order is
// preserved.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDownloadBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(body), "", "  "); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", downloadFilename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.ListScans(r.Context()))
	case http.MethodPost:
		s.createScan(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/scans/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	scanID, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getScan(w, r, scanID)
		return
	}
	if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.streamScanEvents(w, r, scanID)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelScan(w, r, scanID)
	case "findings":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.listFindings(w, r, scanID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	scan, err := s.manager.StartScan(req)
	if err != nil {
		var inputErr *crawler.InputError
		switch {
		case errors.As(err, &inputErr):
			writeError(w, http.StatusBadRequest, inputErr.Reason)
		case errors.Is(err, ErrMaxConcurrency):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.Header().Set("Location", "/api/scans/"+scan.ID())
	writeJSON(w, http.StatusAccepted, scan.Snapshot())
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request, id string) {
	if detail, ok := s.manager.GetScanDetail(r.Context(), id); ok {
		if detail.Report == nil && detail.Scan.Status.terminal() {
			if rec, err := s.loadStored(r.Context(), id); err == nil {
				report := NewScanResponse(detail.Scan.StartURL, rec.Result)
				detail.Report = &report
			}
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	rec, err := s.loadStored(r.Context(), id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, errNoFindingStore) {
			s.logger.Error("load stored scan failed", "scan_id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	report := NewScanResponse(rec.Result.StartURL, rec.Result)
	completed := rec.Result.FinishedAt
	writeJSON(w, http.StatusOK, ScanDetail{
		Scan: ScanSummary{
			ScanID:      rec.ID,
			StartURL:    rec.Result.StartURL,
			Status:      ScanStatus(rec.Status),
			Processed:   int64(rec.Result.PagesScanned),
			CreatedAt:   rec.Result.StartedAt,
			CompletedAt: &completed,
		},
		Report: &report,
	})
}

var errNoFindingStore = errors.New("no finding store configured")

func (s *Server) loadStored(ctx context.Context, id string) (storage.ScanRecord, error) {
	if s.findings == nil {
		return storage.ScanRecord{}, errNoFindingStore
	}
	return s.findings.GetScan(ctx, id)
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request, id string) {
	if s.findings == nil {
		writeError(w, http.StatusServiceUnavailable, "scan persistence is not configured")
		return
	}
	q := r.URL.Query()
	params := storage.ListParams{Search: q.Get("search")}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page must be an integer")
			return
		}
		params.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page_size must be an integer")
			return
		}
		params.PageSize = n
	}
	result, err := s.findings.ListFindings(r.Context(), id, params)
	if err != nil {
		s.logger.Error("list findings failed", "scan_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "list findings failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.manager.CancelScan(id); err != nil {
		switch {
		case errors.Is(err, ErrScanNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrScanNotRunning):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) streamScanEvents(w http.ResponseWriter, r *http.Request, id string) {
	scan, ok := s.manager.GetScan(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	eventCh, cancel := scan.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	heartbeat := time.NewTicker(sseHeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
