// Package metricsdb is the ambient observability sink: a Postgres-backed
// table of completed-chat telemetry (response latency, token count,
// whether thinking was involved, how the chat ended). It holds no part of
// the session/transcript domain model — that lives entirely in memory
// (internal/catalog, internal/transcript) per spec.md §1's "no persistent
// session store" — this package exists purely so operators can query
// completion trends after the fact.
//
// Grounded on internal/database/database.go's DB wrapper (sqlx.Connect,
// pool sizing, Ping, golang-migrate), trimmed to the one table this domain
// needs instead of the teacher's full multi-table schema.
package metricsdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"egobackend/internal/models"
)

// DB wraps a Postgres connection dedicated to RequestMetrics.
type DB struct {
	*sqlx.DB
}

// New connects to Postgres at dbURL, sizes the pool, and pings it.
func New(dbURL string) (*DB, error) {
	if dbURL == "" {
		return nil, errors.New("metricsdb: METRICS_DB_URL is not set")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("metricsdb: connect: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metricsdb: ping: %w", err)
	}

	log.Println("[metricsdb] connected to Postgres.")
	return &DB{DB: db}, nil
}

// Migrate applies every migration under migrationsPath. A database already
// at the latest version is not an error.
func (db *DB) Migrate(databaseURL, migrationsPath string) error {
	sourceURL := fmt.Sprintf("file://%s", migrationsPath)
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("metricsdb: create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("metricsdb: apply migrations: %w", err)
	}
	return nil
}

// RecordCompletion inserts one RequestMetrics row for a finished chat. The
// insert itself runs detached from ctx in its own goroutine: a failure here
// logs and is swallowed rather than surfaced to the client, and the caller
// (the Streaming Coordinator's finalize path) must never block its own
// completion on telemetry latency.
func (db *DB) RecordCompletion(ctx context.Context, m models.RequestMetrics) {
	const q = `
		INSERT INTO request_metrics
			(user_id, session_id, chat_id, response_time_ms, token_count, had_thinking, stop_reason, created_at)
		VALUES
			(:user_id, :session_id, :chat_id, :response_time_ms, :token_count, :had_thinking, :stop_reason, :created_at)`

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	go func() {
		insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.NamedExecContext(insertCtx, q, m); err != nil {
			log.Printf("[metricsdb] failed to record completion metrics: %v", err)
		}
	}()
}
