package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Config holds the details for opening the backing database.
type Config struct {
	DBType    string // Driver name: "sqlite", "genji", "duckdb" or "pgx" (PostgreSQL)
	DBPath    string // File path for embedded drivers
	DBConn    string // Raw DSN for pgx; overrides the host/port fields
	DBHost    string // PostgreSQL host
	DBPort    int    // PostgreSQL port
	DBUser    string // PostgreSQL user
	DBPass    string // PostgreSQL password
	DBName    string // PostgreSQL database
	PGSSLMode string // PostgreSQL sslmode
	Port      int    // Server port, used to derive a default file name
}

// SQLStore keeps items in a two-column table behind database/sql.
type SQLStore struct {
	DB     *sql.DB
	Driver string
	logf   func(string, ...any)
}

func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// Open opens the database, applies per-engine tuning and creates the item
// table. Embedded engines are limited to a single connection.
func Open(cfg Config, logf func(string, ...any)) (*SQLStore, error) {
	if logf == nil {
		logf = log.Printf
	}
	driverName := normalizeDBType(cfg.DBType)

	var dsn string
	switch driverName {
	case "sqlite", "genji":
		dsn = cfg.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("modem-monitor-%d.%s", cfg.Port, driverName)
		}
	case "duckdb":
		dsn = cfg.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("modem-monitor-%d.duckdb", cfg.Port)
		}
	case "pgx":
		if strings.TrimSpace(cfg.DBConn) != "" {
			dsn = cfg.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite", "genji", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "pgx":
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if driverName == "sqlite" {
		if err := tuneSQLiteConnection(ctx, db, logf); err != nil {
			logf("sqlite tuning skipped: %v", err)
		}
	}

	s := &SQLStore{DB: db, Driver: driverName, logf: logf}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logf("kv store ready: driver=%s dsn=%s", driverName, redactDSN(dsn))
	return s, nil
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas. The steps run
// in a worker goroutine fed over a channel so a stuck pragma only costs the
// caller its context timeout.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}
			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}
			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS kv_items (
  item_key   TEXT PRIMARY KEY,
  item_value TEXT NOT NULL,
  updated_at BIGINT
)`
	if s.Driver == "genji" {
		stmt = `CREATE TABLE IF NOT EXISTS kv_items (
  item_key   TEXT PRIMARY KEY,
  item_value TEXT NOT NULL,
  updated_at INTEGER
)`
	}
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create kv_items: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.Driver == "pgx" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// GetItem implements Store.
func (s *SQLStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	q := fmt.Sprintf(`SELECT item_value FROM kv_items WHERE item_key = %s`, s.placeholder(1))
	var v string
	if err := s.DB.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

// SetItem implements Store.
func (s *SQLStore) SetItem(ctx context.Context, key, value string) error {
	now := time.Now().Unix()
	var q string
	switch s.Driver {
	case "genji":
		q = `INSERT INTO kv_items (item_key, item_value, updated_at) VALUES (?, ?, ?) ON CONFLICT DO REPLACE`
	default:
		q = fmt.Sprintf(`INSERT INTO kv_items (item_key, item_value, updated_at) VALUES (%s, %s, %s)
ON CONFLICT (item_key) DO UPDATE SET item_value = excluded.item_value, updated_at = excluded.updated_at`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3))
	}
	if _, err := s.DB.ExecContext(ctx, q, key, value, now); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// RemoveItem implements Store.
func (s *SQLStore) RemoveItem(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM kv_items WHERE item_key = %s`, s.placeholder(1))
	if _, err := s.DB.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// redactDSN hides the password of URL-style DSNs before they reach the log.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
	}
	return dsn
}
