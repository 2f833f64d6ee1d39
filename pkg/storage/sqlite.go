package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tickwise/quotagate/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements the Store interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveUsage(ctx context.Context, snap model.UsageSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	day := snap.Timestamp.UTC().Format("2006-01-02")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_snapshots (provider, day, second_used, minute_used, daily_used, daily_limit,
		                              total_calls, successes, failures, rate_limited, avg_latency_ms, cost_usd, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, day) DO UPDATE SET
		   second_used    = excluded.second_used,
		   minute_used    = excluded.minute_used,
		   daily_used     = excluded.daily_used,
		   daily_limit    = excluded.daily_limit,
		   total_calls    = excluded.total_calls,
		   successes      = excluded.successes,
		   failures       = excluded.failures,
		   rate_limited   = excluded.rate_limited,
		   avg_latency_ms = excluded.avg_latency_ms,
		   cost_usd       = excluded.cost_usd,
		   updated_at     = excluded.updated_at`,
		snap.Provider, day, snap.SecondUsed, snap.MinuteUsed, snap.DailyUsed, snap.DailyLimit,
		snap.TotalCalls, snap.Successes, snap.Failures, snap.RateLimited, snap.AvgLatencyMS,
		snap.CostUSD, snap.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save usage snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) LoadUsage(ctx context.Context, day string) ([]model.UsageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, second_used, minute_used, daily_used, daily_limit,
		        total_calls, successes, failures, rate_limited, avg_latency_ms, cost_usd, updated_at
		 FROM usage_snapshots WHERE day = ? ORDER BY provider`, day)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	defer rows.Close()

	var snaps []model.UsageSnapshot
	for rows.Next() {
		var snap model.UsageSnapshot
		if err := rows.Scan(&snap.Provider, &snap.SecondUsed, &snap.MinuteUsed, &snap.DailyUsed,
			&snap.DailyLimit, &snap.TotalCalls, &snap.Successes, &snap.Failures,
			&snap.RateLimited, &snap.AvgLatencyMS, &snap.CostUSD, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		if snap.DailyLimit > 0 {
			snap.DailyPct = float64(snap.DailyUsed) / float64(snap.DailyLimit)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLite) SaveAlert(ctx context.Context, alert model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, provider, type, message, threshold, current_value, created_at, resolved)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET resolved = excluded.resolved`,
		alert.ID, alert.Provider, alert.Type, alert.Message,
		alert.Threshold, alert.Current, alert.CreatedAt, boolToInt(alert.Resolved),
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

func (s *SQLite) ListAlerts(ctx context.Context, provider string, resolved bool) ([]model.Alert, error) {
	query := `SELECT id, provider, type, message, threshold, current_value, created_at, resolved
	          FROM alerts WHERE resolved = ?`
	args := []any{boolToInt(resolved)}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var a model.Alert
		var res int
		if err := rows.Scan(&a.ID, &a.Provider, &a.Type, &a.Message,
			&a.Threshold, &a.Current, &a.CreatedAt, &res); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Resolved = res != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLite) ResolveAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE alerts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %q not found", id)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
