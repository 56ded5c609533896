package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/Dachhu7/DevScan/pkg/types"
)

// ListParams controls pagination and filtering.
type ListParams struct {
	Page     int
	PageSize int
	Search   string
}

// maxListPage keeps the computed OFFSET well inside int range.
const maxListPage = 100000

func (p ListParams) normalised() ListParams {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Page > maxListPage {
		p.Page = maxListPage
	}
	if p.PageSize <= 0 || p.PageSize > 200 {
		p.PageSize = 20
	}
	p.Search = strings.TrimSpace(p.Search)
	return p
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Finding is one flagged URL of a stored scan.
type Finding struct {
	URL  string   `json:"url"`
	Tags []string `json:"tags"`
}

// FindingListResult wraps findings with pagination metadata.
type FindingListResult struct {
	ScanID   string    `json:"scan_id"`
	Total    int64     `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Items    []Finding `json:"items"`
}

// ListFindings pages through the findings of a scan. Search matches the URL
// or any tag, case-insensitively.
func (s *SQLWriter) ListFindings(ctx context.Context, scanID string, params ListParams) (FindingListResult, error) {
	if s == nil || s.db == nil {
		return FindingListResult{}, fmt.Errorf("sql store not initialised")
	}
	params = params.normalised()
	result := FindingListResult{
		ScanID:   scanID,
		Page:     params.Page,
		PageSize: params.PageSize,
	}

	var (
		totalQuery string
		totalArgs  []any
		listQuery  string
		listArgs   []any
	)
	offset := (params.Page - 1) * params.PageSize
	if params.Search != "" {
		pattern := "%" + escapeLike(params.Search) + "%"
		where := `WHERE scan_id = $1
              AND (url ILIKE $2 OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE $2))`
		totalQuery = `SELECT COUNT(*) FROM findings ` + where
		totalArgs = []any{scanID, pattern}
		listQuery = `SELECT url, tags FROM findings ` + where + `
            ORDER BY url
            LIMIT $3 OFFSET $4`
		listArgs = []any{scanID, pattern, params.PageSize, offset}
	} else {
		totalQuery = `SELECT COUNT(*) FROM findings WHERE scan_id = $1`
		totalArgs = []any{scanID}
		listQuery = `
            SELECT url, tags FROM findings
            WHERE scan_id = $1
            ORDER BY url
            LIMIT $2 OFFSET $3`
		listArgs = []any{scanID, params.PageSize, offset}
	}

	if err := s.db.QueryRowContext(ctx, totalQuery, totalArgs...).Scan(&result.Total); err != nil {
		return FindingListResult{}, fmt.Errorf("count findings: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return FindingListResult{}, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	items := make([]Finding, 0, params.PageSize)
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.URL, pq.Array(&f.Tags)); err != nil {
			return FindingListResult{}, fmt.Errorf("scan finding: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return FindingListResult{}, err
	}
	result.Items = items
	return result, nil
}

// GetScan loads a stored scan with all of its findings. It returns
// sql.ErrNoRows when the id is unknown.
func (s *SQLWriter) GetScan(ctx context.Context, scanID string) (ScanRecord, error) {
	if s == nil || s.db == nil {
		return ScanRecord{}, fmt.Errorf("sql store not initialised")
	}
	var (
		rec      = ScanRecord{ID: scanID, Result: &types.ScanResult{Vulnerabilities: types.Report{}}}
		started  sql.NullTime
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT start_url, status, pages_scanned, started_at, finished_at
        FROM scans WHERE id = $1`, scanID).
		Scan(&rec.Result.StartURL, &rec.Status, &rec.Result.PagesScanned, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScanRecord{}, err
		}
		return ScanRecord{}, fmt.Errorf("fetch scan: %w", err)
	}
	rec.Result.StartedAt = nullTime(started)
	rec.Result.FinishedAt = nullTime(finished)

	rows, err := s.db.QueryContext(ctx, `SELECT url, tags FROM findings WHERE scan_id = $1`, scanID)
	if err != nil {
		return ScanRecord{}, fmt.Errorf("fetch findings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u    string
			tags []string
		)
		if err := rows.Scan(&u, pq.Array(&tags)); err != nil {
			return ScanRecord{}, fmt.Errorf("scan finding: %w", err)
		}
		rec.Result.Vulnerabilities[u] = tags
	}
	if err := rows.Err(); err != nil {
		return ScanRecord{}, err
	}
	return rec, nil
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
