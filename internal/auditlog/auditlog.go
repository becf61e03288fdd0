package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"fleetgate/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_calls (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	status      INT NOT NULL,
	error_code  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
)`

// Record is one proxied call's telemetry row.
type Record struct {
	ID        string
	Action    string
	Username  string
	Duration  time.Duration
	Status    int
	ErrorCode string
	CreatedAt time.Time
}

// Writer persists call telemetry off the request path. Records flow through
// a buffered channel; when the buffer is full new records are dropped
// rather than blocking a proxy request.
type Writer struct {
	db     *sql.DB
	ch     chan Record
	logger *slog.Logger
}

func New(dsn string, logger *slog.Logger) (*Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit db ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring api_calls table: %w", err)
	}
	return &Writer{
		db:     db,
		ch:     make(chan Record, 256),
		logger: logger.With("component", "auditlog"),
	}, nil
}

func (w *Writer) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Writer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.db.Close()
			return
		case rec := <-w.ch:
			w.insert(ctx, rec)
		}
	}
}

func (w *Writer) insert(ctx context.Context, rec Record) {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO api_calls (id, action, username, duration_ms, status, error_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Action, rec.Username, rec.Duration.Milliseconds(),
		rec.Status, rec.ErrorCode, rec.CreatedAt)
	if err != nil {
		w.logger.Warn("audit insert failed", "action", rec.Action, "err", err)
	}
}

// Record queues a telemetry row, dropping it if the buffer is full.
func (w *Writer) Record(rec Record) {
	if w == nil {
		return
	}
	select {
	case w.ch <- rec:
	default:
		observability.AuditDropped.Inc()
	}
}
