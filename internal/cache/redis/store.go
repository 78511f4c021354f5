// Package redis is the durable session store backed by one Redis hash per
// session.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sqlagent/sqlagent/internal/cache"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
)

const (
	fieldDescriptor = "connection_descriptor"
	fieldCreatedAt  = "created_at"
	fieldStatus     = "status"
	fieldSchema     = "schema_cache"
	fieldUserID     = "user_id"

	defaultPrefix  = "sqlagent:session:"
	defaultTimeout = 5 * time.Second
)

// setSchemaScript writes the schema only while the record still exists so a
// late write-back cannot resurrect an unbound session.
var setSchemaScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type Config struct {
	URL       string
	KeyPrefix string
	OpTimeout time.Duration
}

type Store struct {
	client  goredis.Cmdable
	prefix  string
	timeout time.Duration
}

func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.MaxRetries = 0
	return NewWithClient(goredis.NewClient(opts), cfg.KeyPrefix, timeout), nil
}

func NewWithClient(client goredis.Cmdable, prefix string, timeout time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{client: client, prefix: prefix, timeout: timeout}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *Store) Put(ctx context.Context, rec cache.Record, ttl time.Duration) error {
	descriptor, err := json.Marshal(rec.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	fields := map[string]any{
		fieldDescriptor: string(descriptor),
		fieldCreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldStatus:     rec.Status,
		fieldUserID:     rec.UserID,
	}
	if rec.Schema != nil {
		schema, err := json.Marshal(rec.Schema)
		if err != nil {
			return fmt.Errorf("encode schema: %w", err)
		}
		fields[fieldSchema] = string(schema)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := s.key(rec.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, ttl time.Duration) (cache.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := s.key(sessionID)

	var hget *goredis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		hget = pipe.HGetAll(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return cache.Record{}, unavailable("touch", err)
	}
	return decodeRecord(sessionID, hget.Val())
}

func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *Store) SetSchema(ctx context.Context, sessionID string, schema connector.Schema, ttl time.Duration) error {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	written, err := setSchemaScript.Run(ctx, s.client, []string{s.key(sessionID)}, fieldSchema, string(encoded), ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable("set schema", err)
	}
	if written == 0 {
		return cache.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ClearSchema(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HDel(ctx, s.key(sessionID), fieldSchema).Err(); err != nil {
		return unavailable("clear schema", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying client when it owns one.
func (s *Store) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func decodeRecord(sessionID string, fields map[string]string) (cache.Record, error) {
	rawDescriptor, ok := fields[fieldDescriptor]
	if !ok || rawDescriptor == "" {
		return cache.Record{}, cache.ErrRecordNotFound
	}
	rec := cache.Record{
		SessionID: sessionID,
		UserID:    fields[fieldUserID],
		Status:    fields[fieldStatus],
	}
	if err := json.Unmarshal([]byte(rawDescriptor), &rec.Descriptor); err != nil {
		return cache.Record{}, fmt.Errorf("decode descriptor for session %s: %w", sessionID, err)
	}
	if raw := fields[fieldCreatedAt]; raw != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return cache.Record{}, fmt.Errorf("decode created_at for session %s: %w", sessionID, err)
		}
		rec.CreatedAt = createdAt
	}
	if raw := fields[fieldSchema]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Schema); err != nil {
			// A corrupt schema is only a cache miss.
			rec.Schema = nil
		}
	}
	return rec, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, errs.ErrCacheUnavailable, err)
}
