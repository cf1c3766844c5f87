package catalog

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is an optional Postgres catalog of committed segments and job audit
// events. It exists for operators and the status API; the coordination
// protocol itself never reads it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		// Simple protocol so a migration file may hold several statements.
		if _, err := s.pool.Exec(ctx, sql, pgx.QueryExecModeSimpleProtocol); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// SegmentRow is one committed segment as recorded for operators.
type SegmentRow struct {
	JobKey      string    `json:"job_key"`
	Symbol      string    `json:"symbol"`
	Date        string    `json:"date"`
	StartTS     int64     `json:"start_ts"`
	EndTS       int64     `json:"end_ts"`
	InstanceID  string    `json:"instance_id"`
	Rows        int       `json:"rows"`
	Path        string    `json:"path"`
	CommittedAt time.Time `json:"committed_at"`
}

// RecordSegment upserts a segment row. Re-commits of the same (job, start)
// replace the previous record, mirroring overwrite semantics on disk.
func (s *Store) RecordSegment(ctx context.Context, row SegmentRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO segments (job_key, symbol, date, start_ts, end_ts, instance_id, rows, path, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (job_key, start_ts) DO UPDATE
		SET end_ts = EXCLUDED.end_ts, instance_id = EXCLUDED.instance_id,
		    rows = EXCLUDED.rows, path = EXCLUDED.path, committed_at = NOW()
	`, row.JobKey, row.Symbol, row.Date, row.StartTS, row.EndTS, row.InstanceID, row.Rows, row.Path)
	if err != nil {
		return fmt.Errorf("record segment: %w", err)
	}
	return nil
}

// SegmentsForJob lists the catalog rows of one job ordered by start_ts.
func (s *Store) SegmentsForJob(ctx context.Context, jobKey string) ([]SegmentRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_key, symbol, date, start_ts, end_ts, instance_id, rows, path, committed_at
		FROM segments WHERE job_key = $1 ORDER BY start_ts
	`, jobKey)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var r SegmentRow
		if err := rows.Scan(&r.JobKey, &r.Symbol, &r.Date, &r.StartTS, &r.EndTS,
			&r.InstanceID, &r.Rows, &r.Path, &r.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds a job audit event.
func (s *Store) AppendAudit(ctx context.Context, jobKey, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_key, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobKey, event, detail)
	return err
}
