// Package sqlite is a SQLite-backed journal using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/journal"
)

// Store is a SQLite implementation of journal.Journal
type Store struct {
	db *sqlx.DB
}

var _ journal.Journal = (*Store)(nil)

// New opens (or creates) the journal database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			agent_id TEXT,
			payload TEXT,
			from_status TEXT,
			to_status TEXT,
			message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_session ON journal(session_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// row is the column layout of the journal table.
type row struct {
	ID         string         `db:"id"`
	SessionID  string         `db:"session_id"`
	Kind       string         `db:"kind"`
	AgentID    sql.NullString `db:"agent_id"`
	Payload    sql.NullString `db:"payload"`
	FromStatus sql.NullString `db:"from_status"`
	ToStatus   sql.NullString `db:"to_status"`
	Message    sql.NullString `db:"message"`
	CreatedAt  time.Time      `db:"created_at"`
}

const insertQuery = `INSERT INTO journal (id, session_id, kind, agent_id, payload, from_status, to_status, message, created_at)
	VALUES (:id, :session_id, :kind, :agent_id, :payload, :from_status, :to_status, :message, :created_at)`

func (s *Store) insert(ctx context.Context, r row) error {
	r.ID = uuid.New().String()
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, insertQuery, r)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, sessionID, agentID string, payload []byte) error {
	err := s.insert(ctx, row{
		SessionID: sessionID,
		Kind:      string(journal.KindEvent),
		AgentID:   nullString(agentID),
		Payload:   nullString(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) AppendTransition(ctx context.Context, sessionID string, from, to domain.SessionStatus, message string) error {
	err := s.insert(ctx, row{
		SessionID:  sessionID,
		Kind:       string(journal.KindTransition),
		FromStatus: nullString(string(from)),
		ToStatus:   nullString(string(to)),
		Message:    nullString(message),
	})
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, sessionID string) ([]journal.Record, error) {
	query := `SELECT id, session_id, kind, agent_id, payload, from_status, to_status, message, created_at
		FROM journal WHERE session_id = ? ORDER BY seq ASC`

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}

	records := make([]journal.Record, 0, len(rows))
	for _, r := range rows {
		rec := journal.Record{
			ID:        r.ID,
			SessionID: r.SessionID,
			Kind:      journal.RecordKind(r.Kind),
			AgentID:   r.AgentID.String,
			From:      domain.SessionStatus(r.FromStatus.String),
			To:        domain.SessionStatus(r.ToStatus.String),
			Message:   r.Message.String,
			CreatedAt: r.CreatedAt,
		}
		if r.Payload.String != "" {
			rec.Payload = []byte(r.Payload.String)
		}
		records = append(records, rec)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) Close() error {
	return s.db.Close()
}
