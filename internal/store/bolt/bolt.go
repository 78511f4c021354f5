// Package bolt is the single-node store backend on top of bbolt.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sqlagent/sqlagent/internal/store"
)

// Bucket names.
var (
	bucketSessions    = []byte("sessions")      // session id -> Session
	bucketUserIndex   = []byte("user_sessions") // user id + 0x00 + session id -> nil
	bucketCheckpoints = []byte("checkpoints")   // session id -> Checkpoint

	bucketConnections     = []byte("connections")      // connection id -> Connection
	bucketUserConnections = []byte("user_connections") // user id + 0x00 + name -> connection id
)

type Config struct {
	Path    string
	Timeout time.Duration
}

type Repository struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(cfg Config) (*Repository, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketUserIndex, bucketCheckpoints, bucketConnections, bucketUserConnections} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, now: time.Now}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions) == nil {
			return fmt.Errorf("sessions bucket missing")
		}
		return nil
	})
}

func userIndexKey(userID, sessionID string) []byte {
	key := make([]byte, 0, len(userID)+1+len(sessionID))
	key = append(key, userID...)
	key = append(key, 0)
	return append(key, sessionID...)
}

func (r *Repository) CreateSession(ctx context.Context, in store.Session) (store.Session, error) {
	if err := store.ValidateSession(in); err != nil {
		return store.Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now().UTC()
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		if sessions.Get([]byte(in.ID)) != nil {
			return fmt.Errorf("create session %s: %w", in.ID, store.ErrAlreadyExists)
		}
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		if err := sessions.Put([]byte(in.ID), data); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		if err := tx.Bucket(bucketUserIndex).Put(userIndexKey(in.UserID, in.ID), nil); err != nil {
			return fmt.Errorf("store user index: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	return in, nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	var session store.Session
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = getSession(tx, sessionID)
		return err
	})
	return session, err
}

func getSession(tx *bolt.Tx, sessionID string) (store.Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if data == nil {
		return store.Session{}, store.ErrNotFound
	}
	var session store.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return session, nil
}

func (r *Repository) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Session, 0)
	prefix := userIndexKey(userID, "")
	err := r.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketUserIndex).Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			session, err := getSession(tx, string(key[len(prefix):]))
			if err != nil {
				return err
			}
			out = append(out, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		session, err := getSession(tx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return tx.Bucket(bucketCheckpoints).Delete([]byte(sessionID))
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUserIndex).Delete(userIndexKey(session.UserID, sessionID)); err != nil {
			return fmt.Errorf("delete user index: %w", err)
		}
		if err := tx.Bucket(bucketSessions).Delete([]byte(sessionID)); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := tx.Bucket(bucketCheckpoints).Delete([]byte(sessionID)); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	})
}

func (r *Repository) LoadCheckpoint(ctx context.Context, sessionID string) (store.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return store.Checkpoint{}, err
	}
	var cp store.Checkpoint
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(sessionID))
		if data == nil {
			return store.ErrNotFound
		}
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
		}
		return nil
	})
	return cp, err
}

func (r *Repository) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = r.now().UTC()
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(cp.SessionID)) == nil {
			return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, store.ErrNotFound)
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return tx.Bucket(bucketCheckpoints).Put([]byte(cp.SessionID), data)
	})
}

func (r *Repository) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(sessionID))
	})
}

func (r *Repository) SaveConnection(ctx context.Context, in store.Connection) (store.Connection, error) {
	if err := store.ValidateConnection(in); err != nil {
		return store.Connection{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Connection{}, err
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now().UTC()
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		connections := tx.Bucket(bucketConnections)
		if connections.Get([]byte(in.ID)) != nil {
			return fmt.Errorf("save connection %s: %w", in.ID, store.ErrAlreadyExists)
		}
		names := tx.Bucket(bucketUserConnections)
		nameKey := userIndexKey(in.UserID, in.Name)
		if names.Get(nameKey) != nil {
			return fmt.Errorf("save connection %q: %w", in.Name, store.ErrAlreadyExists)
		}
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		if err := connections.Put([]byte(in.ID), data); err != nil {
			return fmt.Errorf("store connection: %w", err)
		}
		if err := names.Put(nameKey, []byte(in.ID)); err != nil {
			return fmt.Errorf("store connection index: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Connection{}, err
	}
	return in, nil
}

func (r *Repository) GetConnection(ctx context.Context, connectionID string) (store.Connection, error) {
	if err := ctx.Err(); err != nil {
		return store.Connection{}, err
	}
	var connection store.Connection
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		connection, err = getConnection(tx, connectionID)
		return err
	})
	return connection, err
}

func getConnection(tx *bolt.Tx, connectionID string) (store.Connection, error) {
	data := tx.Bucket(bucketConnections).Get([]byte(connectionID))
	if data == nil {
		return store.Connection{}, store.ErrNotFound
	}
	var connection store.Connection
	if err := json.Unmarshal(data, &connection); err != nil {
		return store.Connection{}, fmt.Errorf("unmarshal connection %s: %w", connectionID, err)
	}
	return connection, nil
}

// ListConnections walks the name index, so results come back in name order.
func (r *Repository) ListConnections(ctx context.Context, userID string) ([]store.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Connection, 0)
	prefix := userIndexKey(userID, "")
	err := r.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketUserConnections).Cursor()
		for key, id := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, id = cursor.Next() {
			connection, err := getConnection(tx, string(id))
			if err != nil {
				return err
			}
			out = append(out, connection)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		connection, err := getConnection(tx, connectionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUserConnections).Delete(userIndexKey(connection.UserID, connection.Name)); err != nil {
			return fmt.Errorf("delete connection index: %w", err)
		}
		return tx.Bucket(bucketConnections).Delete([]byte(connectionID))
	})
}
