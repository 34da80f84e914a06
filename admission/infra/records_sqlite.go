package infra

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"callgate/admission/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const callEventsSchema = `
CREATE TABLE IF NOT EXISTS call_events (
	id          TEXT PRIMARY KEY,
	call_id     TEXT NOT NULL,
	store_id    TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	plan_id     TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_events_store ON call_events (store_id, created_at);
CREATE INDEX IF NOT EXISTS idx_call_events_created ON call_events (created_at);
`

// SQLiteRecorder persiste o histórico de ciclo de vida das chamadas.
type SQLiteRecorder struct {
	db *sql.DB
}

// OpenSQLiteRecorder abre (ou cria) o banco e aplica o schema.
func OpenSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("records path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(callEventsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

func (s *SQLiteRecorder) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRecorder) Record(ctx context.Context, r domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.CallID == "" || r.StoreID == "" || r.Kind == "" {
		return fmt.Errorf("call id, store id and kind are required")
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO call_events (id, call_id, store_id, external_id, kind, reason, plan_id, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		uuid.NewString(),
		string(r.CallID),
		string(r.StoreID),
		r.ExternalID,
		string(r.Kind),
		r.Reason,
		r.PlanID,
		r.Duration.Milliseconds(),
		r.At.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record call event: %w", err)
	}
	return nil
}

// History lista os registros mais recentes de uma loja (mais novo primeiro).
func (s *SQLiteRecorder) History(ctx context.Context, storeID domain.StoreID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT call_id, store_id, external_id, kind, reason, plan_id, duration_ms, created_at
FROM call_events
WHERE store_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, string(storeID), limit)
	if err != nil {
		return nil, fmt.Errorf("query call events: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			r          domain.CallRecord
			callID     string
			store      string
			kind       string
			durationMS int64
			createdAt  int64
		)
		if err := rows.Scan(&callID, &store, &r.ExternalID, &kind, &r.Reason, &r.PlanID, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan call event: %w", err)
		}
		r.CallID = domain.CallID(callID)
		r.StoreID = domain.StoreID(store)
		r.Kind = domain.RecordKind(kind)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.At = time.UnixMilli(createdAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call events: %w", err)
	}
	return out, nil
}

// Prune apaga registros anteriores a before e devolve quantos saíram.
func (s *SQLiteRecorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_events WHERE created_at < ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune call events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune call events: %w", err)
	}
	return n, nil
}
