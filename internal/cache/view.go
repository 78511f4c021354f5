package cache

import (
	"context"

	"github.com/sqlagent/sqlagent/internal/connector"
)

// View is the cache pinned to a single session. Tools hold a View so they
// can only ever reach their own session's connector.
type View struct {
	cache     *Cache
	sessionID string
}

func (c *Cache) View(sessionID string) View {
	return View{cache: c, sessionID: sessionID}
}

func (v View) SessionID() string {
	return v.sessionID
}

func (v View) Schema(ctx context.Context) (connector.Schema, error) {
	return v.cache.Schema(ctx, v.sessionID)
}

func (v View) Execute(ctx context.Context, statement string) (connector.Result, error) {
	conn, _, err := v.cache.Get(ctx, v.sessionID)
	if err != nil {
		return connector.Result{}, err
	}
	return conn.Execute(ctx, statement)
}

func (v View) InvalidateSchema(ctx context.Context) error {
	return v.cache.InvalidateSchema(ctx, v.sessionID)
}
