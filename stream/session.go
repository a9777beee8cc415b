package stream

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/helix-tools/dataroom/apperr"
)

// Stored is a persisted filtered view.
type Stored struct {
	Owner     string
	DatasetID string
	// Data is the Parquet encoding of the filtered rows.
	Data []byte
}

// Store keeps sessions for a bounded time.
type Store interface {
	Put(ctx context.Context, id string, s *Stored, ttl time.Duration) error
	// Get returns NotFound for unknown or expired sessions.
	Get(ctx context.Context, id string) (*Stored, error)
	Delete(ctx context.Context, id string) error
}

// NewSessionID returns an unguessable token.
func NewSessionID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base58.Encode(b), nil
}

func sessionNotFound(id string) error {
	return apperr.Newf(apperr.NotFound, "Session '%s' not found", id)
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore returns an in-process store. Expired sessions are dropped
// lazily on access and on every Put.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryStore) Put(_ context.Context, id string, s *Stored, ttl time.Duration) error {
	m.c.DeleteExpired()
	m.c.Set(id, s, ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Stored, error) {
	v, ok := m.c.Get(id)
	if !ok {
		return nil, sessionNotFound(id)
	}
	return v.(*Stored), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.c.Delete(id)
	return nil
}

// TTL returns the remaining lifetime of a session.
func (m *MemoryStore) TTL(_ context.Context, id string) (time.Duration, error) {
	_, exp, ok := m.c.GetWithExpiration(id)
	if !ok {
		return 0, sessionNotFound(id)
	}
	if exp.IsZero() {
		return -1, nil
	}
	return time.Until(exp), nil
}

// RedisStore keeps sessions as Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "dataroom:session:"}
}

// DialRedis parses a redis:// URL and returns a store over a new client.
func DialRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Put(ctx context.Context, id string, s *Stored, ttl time.Duration) error {
	key := r.key(id)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "owner", s.Owner, "dataset_id", s.DatasetID, "data", s.Data)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "session store unavailable")
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Stored, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "session store unavailable")
	}
	if len(fields) == 0 {
		return nil, sessionNotFound(id)
	}
	return &Stored{Owner: fields["owner"], DatasetID: fields["dataset_id"], Data: []byte(fields["data"])}, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "session store unavailable")
	}
	return nil
}

// TTL returns the remaining lifetime of a session.
func (r *RedisStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.key(id)).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, err, "session store unavailable")
	}
	if d == -2 {
		return 0, sessionNotFound(id)
	}
	return d, nil
}

// Close releases the client.
func (r *RedisStore) Close() error { return r.client.Close() }
