package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sqlagent/sqlagent/internal/store"
)

// SaveConnection inserts a saved connection. An id or a (user, name) clash
// reports store.ErrAlreadyExists.
func (r *Repository) SaveConnection(ctx context.Context, in store.Connection) (store.Connection, error) {
	if err := store.ValidateConnection(in); err != nil {
		return store.Connection{}, err
	}
	raw, err := json.Marshal(in.Descriptor)
	if err != nil {
		return store.Connection{}, fmt.Errorf("encode descriptor: %w", err)
	}
	query := `
INSERT INTO saved_connection (connection_id, user_id, name, descriptor)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT DO NOTHING
RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, in.ID, in.UserID, in.Name, string(raw)).Scan(&in.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Connection{}, fmt.Errorf("save connection %q: %w", in.Name, store.ErrAlreadyExists)
		}
		return store.Connection{}, fmt.Errorf("save connection: %w", err)
	}
	return in, nil
}

func (r *Repository) GetConnection(ctx context.Context, connectionID string) (store.Connection, error) {
	query := `
SELECT connection_id, user_id, name, descriptor, created_at
FROM saved_connection
WHERE connection_id = $1`
	connection, err := scanConnection(r.db.QueryRowContext(ctx, query, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Connection{}, store.ErrNotFound
	}
	if err != nil {
		return store.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return connection, nil
}

func (r *Repository) ListConnections(ctx context.Context, userID string) ([]store.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT connection_id, user_id, name, descriptor, created_at
FROM saved_connection
WHERE user_id = $1
ORDER BY name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	connections := make([]store.Connection, 0)
	for rows.Next() {
		connection, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		connections = append(connections, connection)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}
	return connections, nil
}

func (r *Repository) DeleteConnection(ctx context.Context, connectionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM saved_connection WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (store.Connection, error) {
	var (
		connection store.Connection
		raw        []byte
	)
	if err := row.Scan(&connection.ID, &connection.UserID, &connection.Name, &raw, &connection.CreatedAt); err != nil {
		return store.Connection{}, err
	}
	if err := json.Unmarshal(raw, &connection.Descriptor); err != nil {
		return store.Connection{}, fmt.Errorf("decode descriptor for %s: %w", connection.ID, err)
	}
	return connection, nil
}
