package eventbus

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-hub/nexus-core/pkg/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the durable half of the bus: events and deliveries
// persisted to sqlite, claimed and mutated under the worker protocol
// below.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating/migrating as needed) the event store at
// dbFile.
func OpenStore(dbFile string) (*Store, error) {
	conn, err := db.Open(
		db.WithDatabaseFile(dbFile),
		db.WithMigrations(migrations, "migrations"),
	)
	if err != nil {
		return nil, err
	}
	return &Store{db: conn}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// InsertEvent idempotently stores ce: a duplicate id is silently
// ignored.
func (s *Store) InsertEvent(ctx context.Context, ce CloudEvent) error {
	extJSON, err := json.Marshal(ce.Extensions)
	if err != nil {
		return fmt.Errorf("marshaling extensions: %w", err)
	}
	const query = `
		INSERT INTO events (id, source, type, time, subject, datacontenttype, data, extensions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		ce.ID, ce.Source, ce.Type, ce.Time, ce.Subject, ce.DataContentType, []byte(ce.Data), string(extJSON))
	return err
}

// InsertDeliveries inserts one pending delivery row per action,
// next_retry=now.
func (s *Store) InsertDeliveries(ctx context.Context, eventID string, actions []RouteAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer db.TxClose(tx, &err)

	const query = `
		INSERT INTO deliveries (event_id, action, status, attempts, max_attempts, next_retry)
		VALUES (?, ?, 'pending', 0, ?, ?)`
	now := time.Now()
	for _, a := range actions {
		actionJSON, merr := json.Marshal(a)
		if merr != nil {
			err = merr
			return err
		}
		if _, err = tx.ExecContext(ctx, query, eventID, string(actionJSON), DefaultMaxAttempts, now); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ClaimReady implements the claim protocol: select
// up to batchSize pending-and-due deliveries, mark them in_flight with
// claimed_at stamped, and return them joined against their CloudEvent.
// Atomic via a single transaction; sqlite's single-writer connection
// (see pkg/db) makes this safe across goroutines in one process.
func (s *Store) ClaimReady(ctx context.Context, batchSize int) ([]Delivery, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer db.TxClose(tx, &err)

	const selectQuery = `
		SELECT id, event_id, action, status, attempts, max_attempts, next_retry, claimed_at, last_error
		FROM deliveries
		WHERE status = 'pending' AND next_retry <= ?
		ORDER BY next_retry ASC
		LIMIT ?`
	var rows []Delivery
	if err = tx.SelectContext(ctx, &rows, selectQuery, time.Now(), batchSize); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		err = tx.Commit()
		return nil, err
	}

	now := time.Now()
	const updateQuery = `UPDATE deliveries SET status = 'in_flight', claimed_at = ? WHERE id = ?`
	for i := range rows {
		if _, err = tx.ExecContext(ctx, updateQuery, now, rows[i].ID); err != nil {
			return nil, err
		}
		rows[i].Status = StatusInFlight
		rows[i].ClaimedAt = &now

		var ce eventRow
		if err = tx.GetContext(ctx, &ce, `SELECT id, source, type, time, subject, datacontenttype, data, extensions FROM events WHERE id = ?`, rows[i].EventID); err != nil {
			return nil, err
		}
		rows[i].Event, err = ce.toCloudEvent()
		if err != nil {
			return nil, err
		}
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type eventRow struct {
	ID              string    `db:"id"`
	Source          string    `db:"source"`
	Type            string    `db:"type"`
	Time            time.Time `db:"time"`
	Subject         string    `db:"subject"`
	DataContentType string    `db:"datacontenttype"`
	Data            []byte    `db:"data"`
	Extensions      string    `db:"extensions"`
}

func (r eventRow) toCloudEvent() (CloudEvent, error) {
	var ext map[string]string
	if r.Extensions != "" && r.Extensions != "null" {
		if err := json.Unmarshal([]byte(r.Extensions), &ext); err != nil {
			return CloudEvent{}, err
		}
	}
	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              r.ID,
		Source:          r.Source,
		Type:            r.Type,
		Time:            r.Time,
		Subject:         r.Subject,
		DataContentType: r.DataContentType,
		Data:            r.Data,
		Extensions:      ext,
	}, nil
}

// MarkCompleted transitions a delivery to completed.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deliveries SET status = 'completed', claimed_at = NULL WHERE id = ?`, id)
	return err
}

// MarkFailed applies the retry/dead-letter rule:
// attempts+1 < max_attempts reschedules with exponential backoff plus
// jitter; otherwise the row dead-letters permanently.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer db.TxClose(tx, &err)

	var d Delivery
	if err = tx.GetContext(ctx, &d, `SELECT id, attempts, max_attempts FROM deliveries WHERE id = ?`, id); err != nil {
		return err
	}

	attempts := d.Attempts + 1
	errMsg := cause.Error()

	if attempts >= d.MaxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE deliveries SET status = 'dead_letter', attempts = ?, last_error = ?, claimed_at = NULL WHERE id = ?`,
			attempts, errMsg, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	}

	delay := backoffDelay(attempts)
	_, err = tx.ExecContext(ctx, `
		UPDATE deliveries SET status = 'pending', attempts = ?, next_retry = ?, last_error = ?, claimed_at = NULL WHERE id = ?`,
		attempts, time.Now().Add(delay), errMsg, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// backoffDelay is the retry schedule:
// min(2^attempts, 300)s plus uniform jitter in [0, min(2^attempts, 30)]s.
func backoffDelay(attempts int) time.Duration {
	base := float64(int64(1) << uint(min(attempts, 30)))
	capped := minFloat(base, 300)
	jitterCeil := minFloat(base, 30)
	jitter := rand.Float64() * jitterCeil
	return time.Duration((capped + jitter) * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// SweepRetention deletes events (and their deliveries, via FK cascade)
// older than RetentionPeriod.
func (s *Store) SweepRetention(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, time.Now().Add(-RetentionPeriod))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepStranded handles crashed claimants: any row still in_flight with claimed_at older than
// olderThan is assumed abandoned by a dead worker and reset to pending
// so it becomes claimable again, without discarding its attempt count.
func (s *Store) SweepStranded(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_flight' AND claimed_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeadLetterCount reports how many deliveries have been set aside
// after exhausting their attempts.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM deliveries WHERE status = 'dead_letter'`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return count, nil
}

// DeadLetters returns the dead-lettered rows, newest first, for
// operator inspection. They are never retried automatically.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]Delivery, error) {
	var rows []Delivery
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, action, status, attempts, max_attempts, next_retry, claimed_at, last_error
		FROM deliveries WHERE status = 'dead_letter' ORDER BY id DESC LIMIT ?`, limit)
	return rows, err
}

// StrandedCount reports how many deliveries are currently in_flight
// with a claimed_at older than olderThan — the operator-visibility
// diagnostic.
func (s *Store) StrandedCount(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM deliveries WHERE status = 'in_flight' AND claimed_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return count, nil
}
