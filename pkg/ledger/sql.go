package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLEventLog implements EventLog over database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); the CAS is enforced
// inside a transaction plus a unique (tenant, subject, seq) constraint so
// concurrent writers cannot both commit the same position.
type SQLEventLog struct {
	db    *sql.DB
	clock Clock
}

// NewSQLEventLog wraps an opened database handle.
func NewSQLEventLog(db *sql.DB) *SQLEventLog {
	return &SQLEventLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (l *SQLEventLog) WithClock(clock Clock) *SQLEventLog {
	l.clock = clock
	return l
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS subject_events (
	tenant_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_chain_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	ts TEXT NOT NULL,
	PRIMARY KEY (tenant_id, subject, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS subject_events_event_id
	ON subject_events (tenant_id, subject, event_id);
`

// Init creates the backing tables.
func (l *SQLEventLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, eventSchema)
	return err
}

// Append implements EventLog.
func (l *SQLEventLog) Append(ctx context.Context, tenantID string, subject SubjectKey, expectedPrev string, eventType string, payload map[string]any) (*AppendResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var tail string
	row := tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM subject_events
		 WHERE tenant_id = $1 AND subject = $2
		 ORDER BY seq DESC LIMIT 1`,
		tenantID, subject.String())
	switch err := row.Scan(&seq, &tail); {
	case errors.Is(err, sql.ErrNoRows):
		seq, tail = -1, GenesisHash
	case err != nil:
		return nil, fmt.Errorf("ledger: read tail: %w", err)
	}

	if expectedPrev != tail {
		return nil, casMismatch(expectedPrev, tail)
	}

	ev, err := buildEvent(eventType, payload, tail, l.clock())
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subject_events
		 (tenant_id, subject, seq, event_id, event_type, payload, prev_chain_hash, chain_hash, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tenantID, subject.String(), seq+1, ev.EventID, ev.Type, string(payloadJSON), ev.PrevChainHash, ev.ChainHash, ev.TS)
	if err != nil {
		// A concurrent writer claimed the position between our read and write.
		return nil, casMismatch(expectedPrev, tail)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit append: %w", err)
	}
	return &AppendResult{Event: ev, LastChainHash: ev.ChainHash}, nil
}

// List implements EventLog.
func (l *SQLEventLog) List(ctx context.Context, tenantID string, subject SubjectKey) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, event_type, payload, prev_chain_hash, chain_hash, ts
		 FROM subject_events
		 WHERE tenant_id = $1 AND subject = $2
		 ORDER BY seq ASC`,
		tenantID, subject.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrSubjectNotFound
	}
	return out, nil
}

// Get implements EventLog.
func (l *SQLEventLog) Get(ctx context.Context, tenantID string, subject SubjectKey, eventID string) (*Event, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, payload, prev_chain_hash, chain_hash, ts
		 FROM subject_events
		 WHERE tenant_id = $1 AND subject = $2 AND event_id = $3`,
		tenantID, subject.String(), eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// LastChainHash implements EventLog. Recovery after restart reads only the
// tail row; no chain scan.
func (l *SQLEventLog) LastChainHash(ctx context.Context, tenantID string, subject SubjectKey) (string, error) {
	var tail string
	row := l.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM subject_events
		 WHERE tenant_id = $1 AND subject = $2
		 ORDER BY seq DESC LIMIT 1`,
		tenantID, subject.String())
	switch err := row.Scan(&tail); {
	case errors.Is(err, sql.ErrNoRows):
		return GenesisHash, nil
	case err != nil:
		return "", err
	}
	return tail, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payloadJSON string
	if err := row.Scan(&ev.EventID, &ev.Type, &payloadJSON, &ev.PrevChainHash, &ev.ChainHash, &ev.TS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return nil, fmt.Errorf("ledger: corrupt payload: %w", err)
	}
	return &ev, nil
}
