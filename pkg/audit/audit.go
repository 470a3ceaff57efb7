// Package audit implements the hub's non-blocking, batched audit
// trail, backed by its own sqlite store on the same store/migration
// substrate pkg/eventbus uses.
package audit

import (
	"context"
	"embed"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-hub/nexus-core/pkg/db"
	"github.com/nexus-hub/nexus-core/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Severity is the entry's severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Result is the outcome of the audited action.
type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
	ResultError Result = "error"
)

// Entry is a single audit record.7's field list.
type Entry struct {
	Actor     string    `json:"actor" db:"actor"`
	SourceID  string    `json:"source_id,omitempty" db:"source_id"`
	Severity  Severity  `json:"severity" db:"severity"`
	Action    string    `json:"action" db:"action"`
	Subject   string    `json:"subject,omitempty" db:"subject"`
	Result    Result    `json:"result" db:"result"`
	Details   string    `json:"details,omitempty" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	queueSize      = 1024
	flushBatchSize = 50
	flushInterval  = 500 * time.Millisecond
	// TTL is how long entries survive the hourly sweep.
	TTL = 30 * 24 * time.Hour
)

// Writer batches Entry pushes into a sqlite-backed store without ever
// blocking a caller's hot path.
type Writer struct {
	db    *sqlx.DB
	queue chan Entry
}

// Open opens (creating/migrating) the audit store at dbFile. It does
// not start the flush loop; queued entries are written once Run runs.
func Open(dbFile string) (*Writer, error) {
	conn, err := db.Open(
		db.WithDatabaseFile(dbFile),
		db.WithMigrations(migrations, "migrations"),
	)
	if err != nil {
		return nil, err
	}
	return &Writer{db: conn, queue: make(chan Entry, queueSize)}, nil
}

// Close releases the underlying connection. Callers must stop Run
// (via context cancellation) before calling Close.
func (w *Writer) Close() error { return w.db.Close() }

// Push enqueues entry without blocking: if the queue is full, the
// entry is dropped and a warning logged — audit
// itself must never become a bottleneck for the request it's
// recording.
func (w *Writer) Push(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case w.queue <- entry:
	default:
		log.Warn("audit: queue full, dropping entry for actor", entry.Actor, "action", entry.Action)
	}
}

// PushDetails is a convenience wrapper that JSON-marshals details
// before calling Push.
func (w *Writer) PushDetails(actor, sourceID string, severity Severity, action, subject string, result Result, details any) {
	var detailsJSON string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	w.Push(Entry{
		Actor:    actor,
		SourceID: sourceID,
		Severity: severity,
		Action:   action,
		Subject:  subject,
		Result:   result,
		Details:  detailsJSON,
	})
}

// Run drains the queue until ctx is canceled, flushing every
// flushBatchSize entries or flushInterval, whichever comes first, and
// sweeping entries older than TTL once an hour.
func (w *Writer) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()

	batch := make([]Entry, 0, flushBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.insertBatch(ctx, batch); err != nil {
			log.Warn("audit: flush failed, dropping batch of", len(batch), "entries:", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case entry := <-w.queue:
			batch = append(batch, entry)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-sweepTicker.C:
			if _, err := w.sweep(ctx); err != nil {
				log.Warn("audit: TTL sweep failed:", err)
			}
		}
	}
}

func (w *Writer) insertBatch(ctx context.Context, entries []Entry) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer db.TxClose(tx, &err)

	const query = `
		INSERT INTO audit_entries (actor, source_id, severity, action, subject, result, details, created_at)
		VALUES (:actor, :source_id, :severity, :action, :subject, :result, :details, :created_at)`
	for _, e := range entries {
		if _, err = tx.NamedExecContext(ctx, query, e); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (w *Writer) sweep(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE created_at < ?`, time.Now().Add(-TTL))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recent returns the most recent entries, newest first, bounded by
// limit — used by operator-facing status surfaces.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := w.db.SelectContext(ctx, &entries, `
		SELECT actor, source_id, severity, action, subject, result, details, created_at
		FROM audit_entries ORDER BY created_at DESC LIMIT ?`, limit)
	return entries, err
}
