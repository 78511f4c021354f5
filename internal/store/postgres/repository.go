package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/store"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) CreateSession(ctx context.Context, in store.Session) (store.Session, error) {
	if err := store.ValidateSession(in); err != nil {
		return store.Session{}, err
	}
	query := `
INSERT INTO agent_session (session_id, user_id)
VALUES ($1, $2)
ON CONFLICT (session_id) DO NOTHING
RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, in.ID, in.UserID).Scan(&in.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Session{}, fmt.Errorf("create session %s: %w", in.ID, store.ErrAlreadyExists)
		}
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}
	return in, nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	query := `
SELECT session_id, user_id, created_at
FROM agent_session
WHERE session_id = $1`

	var session store.Session
	if err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&session.ID, &session.UserID, &session.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (r *Repository) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, user_id, created_at
FROM agent_session
WHERE user_id = $1
ORDER BY created_at DESC, session_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]store.Session, 0)
	for rows.Next() {
		var session store.Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

// DeleteSession relies on the foreign key cascade to drop the checkpoint.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agent_session WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *Repository) LoadCheckpoint(ctx context.Context, sessionID string) (store.Checkpoint, error) {
	query := `
SELECT messages, updated_at
FROM conversation_checkpoint
WHERE session_id = $1`

	var (
		raw       []byte
		updatedAt time.Time
	)
	if err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&raw, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Checkpoint{}, store.ErrNotFound
		}
		return store.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var messages []llm.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return store.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", sessionID, err)
	}
	return store.Checkpoint{SessionID: sessionID, Messages: messages, UpdatedAt: updatedAt}, nil
}

func (r *Repository) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	messages := cp.Messages
	if messages == nil {
		messages = []llm.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	query := `
INSERT INTO conversation_checkpoint (session_id, messages, message_count, updated_at)
SELECT session_id, $2::jsonb, $3, NOW()
FROM agent_session
WHERE session_id = $1
ON CONFLICT (session_id)
DO UPDATE SET messages = EXCLUDED.messages, message_count = EXCLUDED.message_count, updated_at = EXCLUDED.updated_at`
	result, err := r.db.ExecContext(ctx, query, cp.SessionID, string(raw), len(messages))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, store.ErrNotFound)
	}
	return nil
}

func (r *Repository) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversation_checkpoint WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
