// Package storage persists finished scans and their findings to PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/pkg/types"
)

// ScanRecord is one stored scan.
type ScanRecord struct {
	ID     string
	Status string
	Result *types.ScanResult
}

// ResultStore persists completed scans.
type ResultStore interface {
	SaveScan(ctx context.Context, rec ScanRecord) error
}

// SQLWriter stores scans in a scans table and one row per flagged URL in a
// findings table.
type SQLWriter struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLWriter initialises a SQLWriter from configuration.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	writer := &SQLWriter{
		db:          db,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// SaveScan writes the scan row and replaces its findings in one transaction.
func (s *SQLWriter) SaveScan(ctx context.Context, rec ScanRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.ID == "" || rec.Result == nil {
		return errors.New("scan record missing id or result")
	}
	if err := s.insertScan(ctx, rec); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.insertScan(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert scan: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

func (s *SQLWriter) insertScan(ctx context.Context, rec ScanRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res := rec.Result
	_, err = tx.ExecContext(ctx, `
        INSERT INTO scans (id, start_url, status, pages_scanned, urls_flagged, started_at, finished_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO UPDATE SET
            start_url = EXCLUDED.start_url,
            status = EXCLUDED.status,
            pages_scanned = EXCLUDED.pages_scanned,
            urls_flagged = EXCLUDED.urls_flagged,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at
    `,
		rec.ID,
		res.StartURL,
		rec.Status,
		res.PagesScanned,
		len(res.Vulnerabilities),
		res.StartedAt,
		res.FinishedAt,
	)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM findings WHERE scan_id = $1`, rec.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO findings (scan_id, url, tags) VALUES ($1,$2,$3)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	urls := make([]string, 0, len(res.Vulnerabilities))
	for u := range res.Vulnerabilities {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		if _, err = stmt.ExecContext(ctx, rec.ID, u, pq.Array(res.Vulnerabilities[u])); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
		    id TEXT PRIMARY KEY,
		    start_url TEXT NOT NULL,
		    status TEXT NOT NULL,
		    pages_scanned INT NOT NULL DEFAULT 0,
		    urls_flagged INT NOT NULL DEFAULT 0,
		    started_at TIMESTAMPTZ,
		    finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
		    scan_id TEXT NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
		    url TEXT NOT NULL,
		    tags TEXT[] NOT NULL,
		    PRIMARY KEY (scan_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_finished_at ON scans (finished_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
