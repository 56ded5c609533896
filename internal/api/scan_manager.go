package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/crawler"
	"github.com/Dachhu7/DevScan/internal/sessionstate"
	"github.com/Dachhu7/DevScan/internal/storage"
	"github.com/Dachhu7/DevScan/pkg/types"
)

var (
	// ErrMaxConcurrency signals that the global concurrency limit has been reached.
	ErrMaxConcurrency = errors.New("maximum concurrent scans reached")
	// ErrScanNotFound is returned for unknown scan ids.
	ErrScanNotFound = errors.New("scan not found")
	// ErrScanNotRunning is returned when cancelling a scan that already stopped.
	ErrScanNotRunning = errors.New("scan not running")
)

const (
	persistTimeout = 10 * time.Second
	// defaultRetention is how long a finished scan stays in memory.
	defaultRetention = time.Hour
)

// ManagerOption customises a ScanManager.
type ManagerOption func(*ScanManager)

// WithStateStore mirrors scan snapshots into store.
func WithStateStore(store sessionstate.Store) ManagerOption {
	return func(m *ScanManager) { m.state = store }
}

// WithResultStore persists finished scans.
func WithResultStore(store storage.ResultStore) ManagerOption {
	return func(m *ScanManager) { m.results = store }
}

// WithEngineOptions appends options to every engine the manager builds.
func WithEngineOptions(opts ...crawler.Option) ManagerOption {
	return func(m *ScanManager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// WithRetention sets how long finished scans stay in memory before only the
// state and result stores can serve them. Non-positive values keep the default.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *ScanManager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// ScanManager runs synchronous scans and tracks asynchronous ones by id.
type ScanManager struct {
	mu             sync.RWMutex
	scans          map[string]*Scan
	baseConfig     config.Config
	maxConcurrency int
	running        int
	rootCtx        context.Context
	logger         *slog.Logger
	state          sessionstate.Store
	results        storage.ResultStore
	engineOpts     []crawler.Option
	retention      time.Duration
	runs           sync.WaitGroup
}

// NewScanManager constructs a manager with the provided defaults.
func NewScanManager(base config.Config, maxConcurrency int, rootCtx context.Context, logger *slog.Logger, opts ...ManagerOption) *ScanManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &ScanManager{
		scans:          make(map[string]*Scan),
		baseConfig:     base.Clone(),
		maxConcurrency: maxConcurrency,
		rootCtx:        rootCtx,
		logger:         logger,
		retention:      defaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ScanManager) newEngine(cfg config.Config, extra ...crawler.Option) (*crawler.Engine, error) {
	opts := make([]crawler.Option, 0, len(m.engineOpts)+len(extra)+1)
	opts = append(opts, crawler.WithLogger(m.logger))
	opts = append(opts, m.engineOpts...)
	opts = append(opts, extra...)
	return crawler.NewEngine(cfg, opts...)
}

// RunScan performs a blocking scan with the base configuration.
func (m *ScanManager) RunScan(ctx context.Context, startURL string) (*types.ScanResult, error) {
	if _, err := crawler.ValidateStartURL(startURL); err != nil {
		return nil, err
	}
	engine, err := m.newEngine(m.baseConfig)
	if err != nil {
		return nil, err
	}
	return engine.Scan(ctx, startURL)
}

// StartScan validates the request, materialises a config, and launches a scan.
func (m *ScanManager) StartScan(req CreateScanRequest) (*Scan, error) {
	start, err := crawler.ValidateStartURL(req.URL)
	if err != nil {
		return nil, err
	}
	cfg, err := m.buildConfig(req)
	if err != nil {
		return nil, err
	}

	scan := newScan(uuid.NewString(), start.String(), m)
	m.mu.Lock()
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	m.running++
	m.scans[scan.id] = scan
	m.mu.Unlock()

	if err := scan.startRun(m.rootCtx, cfg); err != nil {
		m.mu.Lock()
		delete(m.scans, scan.id)
		if m.running > 0 {
			m.running--
		}
		m.mu.Unlock()
		return nil, err
	}
	return scan, nil
}

// ListScans returns in-memory scans plus any mirrored snapshots this process
// does not know about, newest first.
func (m *ScanManager) ListScans(ctx context.Context) []ScanSummary {
	m.mu.RLock()
	summaries := make([]ScanSummary, 0, len(m.scans))
	known := make(map[string]struct{}, len(m.scans))
	for id, scan := range m.scans {
		summaries = append(summaries, scan.Snapshot())
		known[id] = struct{}{}
	}
	m.mu.RUnlock()

	if m.state != nil {
		snaps, err := m.state.List(ctx)
		if err != nil {
			m.logger.Warn("list scan snapshots failed", "error", err)
		}
		for _, snap := range snaps {
			if _, ok := known[snap.ScanID]; ok {
				continue
			}
			summaries = append(summaries, summaryFromState(snap))
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// GetScan returns the in-memory scan by id.
func (m *ScanManager) GetScan(id string) (*Scan, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	m.mu.RLock()
	defer m.mu.RUnlock()
	scan, ok := m.scans[id]
	return scan, ok
}

// GetScanDetail captures the latest summary, config, and report for a scan.
// Scans from a previous process are served from the state mirror without
// config or report.
func (m *ScanManager) GetScanDetail(ctx context.Context, id string) (ScanDetail, bool) {
	if scan, ok := m.GetScan(id); ok {
		return scan.Detail(), true
	}
	if m.state == nil {
		return ScanDetail{}, false
	}
	snap, err := m.state.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, sessionstate.ErrNotFound) {
			m.logger.Warn("load scan snapshot failed", "scan_id", id, "error", err)
		}
		return ScanDetail{}, false
	}
	return ScanDetail{Scan: summaryFromState(snap)}, true
}

// CancelScan requests cancellation of a running scan.
func (m *ScanManager) CancelScan(id string) error {
	scan, ok := m.GetScan(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrScanNotFound, id)
	}
	if !scan.Cancel("cancel requested via API") {
		return fmt.Errorf("%w: %q", ErrScanNotRunning, id)
	}
	return nil
}

// Shutdown cancels every active scan and waits for them to finish persisting.
func (m *ScanManager) Shutdown() {
	m.mu.RLock()
	snapshot := make([]*Scan, 0, len(m.scans))
	for _, s := range m.scans {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, scan := range snapshot {
		scan.Cancel("manager shutdown")
	}
	m.runs.Wait()
}

func (m *ScanManager) buildConfig(req CreateScanRequest) (config.Config, error) {
	cfg := m.baseConfig.Clone()
	if req.MaxPages != nil {
		if *req.MaxPages <= 0 {
			return config.Config{}, errors.New("max_pages must be > 0")
		}
		cfg.Crawl.MaxPages = *req.MaxPages
	}
	if req.Concurrency != nil {
		if *req.Concurrency <= 0 {
			return config.Config{}, errors.New("concurrency must be > 0")
		}
		cfg.Worker.Concurrency = *req.Concurrency
	}
	if req.FollowSubdomains != nil {
		cfg.Crawl.FollowSubdomains = *req.FollowSubdomains
	}
	if req.RespectRobots != nil {
		cfg.Robots.Respect = *req.RespectRobots
		if cfg.Robots.Respect && cfg.Robots.UserAgent == "" {
			cfg.Robots.UserAgent = cfg.Crawl.UserAgent
		}
	}
	if req.Discovery != nil {
		cfg.Discovery.Enabled = *req.Discovery
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (m *ScanManager) saveState(scan *Scan) {
	if m.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.state.Save(ctx, scan.Snapshot().stateSnapshot()); err != nil {
		m.logger.Warn("save scan snapshot failed", "scan_id", scan.id, "error", err)
	}
}

func (m *ScanManager) saveResult(scan *Scan, status ScanStatus, result *types.ScanResult) {
	if m.results == nil || result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.results.SaveScan(ctx, storage.ScanRecord{ID: scan.id, Status: string(status), Result: result})
	if err != nil {
		m.logger.Error("persist scan failed", "scan_id", scan.id, "error", err)
	}
}

// scheduleEviction drops a finished scan from memory once the retention
// period has passed.
func (m *ScanManager) scheduleEviction(id string) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if scan, ok := m.scans[id]; ok && scan.Snapshot().Status.terminal() {
			delete(m.scans, id)
			m.logger.Debug("evicted finished scan", "scan_id", id)
		}
	})
}

func (m *ScanManager) notifyCompletion() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

// Scan tracks the lifecycle and state of one asynchronous scan.
type Scan struct {
	id string

	mu          sync.Mutex
	startURL    string
	status      ScanStatus
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	processed   int64
	visited     int
	pending     int
	issues      int
	lastURL     string
	message     string
	lastError   string
	config      config.Config
	result      *types.ScanResult

	cancel context.CancelFunc

	subscribers map[chan SSEEvent]struct{}
	subMu       sync.RWMutex

	manager *ScanManager
}

func newScan(id, startURL string, manager *ScanManager) *Scan {
	return &Scan{
		id:          id,
		startURL:    startURL,
		status:      ScanStatusPending,
		createdAt:   time.Now().UTC(),
		subscribers: make(map[chan SSEEvent]struct{}),
		manager:     manager,
	}
}

// ID returns the scan identifier.
func (s *Scan) ID() string {
	return s.id
}

func (s *Scan) startRun(parentCtx context.Context, cfg config.Config) error {
	engine, err := s.manager.newEngine(cfg, crawler.WithScanID(s.id), crawler.WithProgressSink(s))
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(parentCtx)
	started := time.Now().UTC()

	s.mu.Lock()
	s.status = ScanStatusRunning
	s.startedAt = &started
	s.message = "running"
	s.config = cfg
	s.cancel = cancel
	s.mu.Unlock()

	s.manager.logger.Info("scan queued", "scan_id", s.id, "start_url", s.startURL)
	s.manager.saveState(s)
	s.broadcast("scan_started", nil)

	s.manager.runs.Add(1)
	go func() {
		defer s.manager.runs.Done()
		result, err := engine.Scan(runCtx, s.startURL)
		cancel()
		s.handleCompletion(result, err)
	}()
	return nil
}

// Report satisfies crawler.ProgressSink.
func (s *Scan) Report(evt crawler.ProgressEvent) {
	s.mu.Lock()
	s.processed = evt.ProcessedPages
	s.visited = evt.VisitedPages
	s.pending = evt.PendingPages
	s.issues += evt.Issues
	if evt.URL != "" {
		s.lastURL = evt.URL
	}
	s.mu.Unlock()

	copyEvt := evt
	s.broadcast("progress", &copyEvt)
}

func (s *Scan) handleCompletion(result *types.ScanResult, err error) {
	// free the slot before the terminal status becomes visible
	s.manager.notifyCompletion()

	now := time.Now().UTC()
	status := ScanStatusCompleted
	message := "completed"
	errorText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = ScanStatusCancelled
		message = "cancelled"
	case err != nil:
		status = ScanStatusFailed
		message = "failed"
		errorText = err.Error()
	}

	s.mu.Lock()
	s.status = status
	s.completedAt = &now
	s.message = message
	s.lastError = errorText
	s.result = result
	if result != nil {
		s.visited = len(result.Visited)
		s.pending = 0
	}
	s.cancel = nil
	s.mu.Unlock()

	logger := s.manager.logger.With("scan_id", s.id, "status", string(status))
	if err != nil && status == ScanStatusFailed {
		logger.Error("scan failed", "error", err)
	} else {
		logger.Info("scan finished")
	}

	s.manager.saveResult(s, status, result)
	s.manager.saveState(s)

	eventType := "scan_completed"
	switch status {
	case ScanStatusCancelled:
		eventType = "scan_cancelled"
	case ScanStatusFailed:
		eventType = "scan_failed"
	}
	s.broadcast(eventType, nil)
	s.closeSubscribers()
	s.manager.scheduleEviction(s.id)
}

// Cancel attempts to stop the running scan.
func (s *Scan) Cancel(reason string) bool {
	s.mu.Lock()
	if s.status != ScanStatusRunning || s.cancel == nil {
		s.mu.Unlock()
		return false
	}
	s.status = ScanStatusCancelling
	s.message = reason
	cancel := s.cancel
	s.mu.Unlock()
	s.broadcast("scan_cancelling", nil)
	cancel()
	return true
}

// Snapshot returns a copy of the public scan state.
func (s *Scan) Snapshot() ScanSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Detail returns the summary, effective config and, when finished, the report.
func (s *Scan) Detail() ScanDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := ScanDetail{Scan: s.snapshotLocked()}
	if s.status != ScanStatusPending {
		cfg := s.config.Clone()
		detail.Config = &cfg
	}
	if s.status.terminal() && s.result != nil {
		report := NewScanResponse(s.startURL, s.result)
		detail.Report = &report
	}
	return detail
}

func (s *Scan) snapshotLocked() ScanSummary {
	summary := ScanSummary{
		ScanID:    s.id,
		StartURL:  s.startURL,
		Status:    s.status,
		Processed: s.processed,
		Visited:   s.visited,
		Pending:   s.pending,
		Issues:    s.issues,
		LastURL:   s.lastURL,
		CreatedAt: s.createdAt,
		Message:   s.message,
		Error:     s.lastError,
	}
	if s.startedAt != nil {
		started := *s.startedAt
		summary.StartedAt = &started
	}
	if s.completedAt != nil {
		completed := *s.completedAt
		summary.CompletedAt = &completed
	}
	return summary
}

// Subscribe registers an SSE subscriber. The channel is closed once the scan
// reaches a terminal state.
func (s *Scan) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)
	initial := SSEEvent{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Scan:      s.Snapshot(),
	}
	ch <- initial

	s.subMu.Lock()
	// closeSubscribers runs after the terminal status is set
	if s.Snapshot().Status.terminal() {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Scan) broadcast(eventType string, progress *crawler.ProgressEvent) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Scan:      s.Snapshot(),
	}
	if progress != nil {
		copyProgress := *progress
		envelope.Progress = &copyProgress
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}

func (s *Scan) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}
