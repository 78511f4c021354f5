package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/store"
)

// SaveConnection stores a named descriptor for userID. Reads never return
// the password.
func (o *Orchestrator) SaveConnection(ctx context.Context, userID, name string, d connector.Descriptor) (store.Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return store.Connection{}, fmt.Errorf("user id is required")
	}
	saved, err := o.deps.Repository.SaveConnection(ctx, store.Connection{
		ID:         o.newID(),
		UserID:     userID,
		Name:       strings.TrimSpace(name),
		Descriptor: d.WithDefaults(o.cfg.DefaultDriver),
	})
	if err != nil {
		return store.Connection{}, err
	}
	o.logger.InfoContext(ctx, "connection saved",
		slog.String("connection_id", saved.ID),
		slog.String("user_id", userID),
		slog.String("target", saved.Descriptor.String()))
	return saved.Redacted(), nil
}

func (o *Orchestrator) ListConnections(ctx context.Context, userID string) ([]store.Connection, error) {
	connections, err := o.deps.Repository.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range connections {
		connections[i] = connections[i].Redacted()
	}
	return connections, nil
}

func (o *Orchestrator) GetConnection(ctx context.Context, userID, connectionID string) (store.Connection, error) {
	connection, err := o.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return store.Connection{}, err
	}
	return connection.Redacted(), nil
}

// DeleteConnection removes a saved connection. Sessions already bound to it
// keep their binding.
func (o *Orchestrator) DeleteConnection(ctx context.Context, userID, connectionID string) error {
	if _, err := o.ownedConnection(ctx, userID, connectionID); err != nil {
		return err
	}
	if err := o.deps.Repository.DeleteConnection(ctx, connectionID); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "connection deleted", slog.String("connection_id", connectionID), slog.String("user_id", userID))
	return nil
}

// BindSaved binds the session to one of the caller's saved connections.
func (o *Orchestrator) BindSaved(ctx context.Context, userID, sessionID, connectionID string) error {
	connection, err := o.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	return o.BindSession(ctx, userID, sessionID, connection.Descriptor)
}

func (o *Orchestrator) ownedConnection(ctx context.Context, userID, connectionID string) (store.Connection, error) {
	connection, err := o.deps.Repository.GetConnection(ctx, connectionID)
	if err != nil {
		return store.Connection{}, err
	}
	if connection.UserID != userID {
		return store.Connection{}, fmt.Errorf("connection %s: %w", connectionID, errs.ErrForbidden)
	}
	return connection, nil
}
