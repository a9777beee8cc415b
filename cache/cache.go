// Package cache keeps live query contexts keyed by dataset and caller
// credential. Loads are coalesced per key; eviction closes the context once
// no lease holds it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/engine"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/types"
)

// DefaultSize is the default entry bound.
const DefaultSize = 100

// ErrNoFingerprint is returned for an absent or malformed credential.
var ErrNoFingerprint = errors.New("no credential fingerprint")

// Fingerprint returns the hex SHA-256 of a bearer credential.
func Fingerprint(credential string) (string, error) {
	c := strings.TrimSpace(credential)
	if c == "" || strings.IndexFunc(c, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", apperr.Wrap(apperr.Unauthenticated, ErrNoFingerprint, "Missing or malformed credential")
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:]), nil
}

// Key identifies an entry.
type Key struct {
	DatasetID   string
	Fingerprint string
}

// Datasets resolves dataset metadata.
type Datasets interface {
	Get(ctx context.Context, id string) (*types.Dataset, error)
}

// Authorizer decides read access.
type Authorizer interface {
	Authorize(ctx context.Context, identity, datasetID string) error
}

// Source returns the decrypted columnar blob of a dataset.
type Source interface {
	Fetch(ctx context.Context, d *types.Dataset) ([]byte, error)
}

// Config sizes the cache.
type Config struct {
	Size   int // total entries across shards
	Shards int
}

type entry struct {
	key        Key
	ctx        *engine.Context
	dataset    *types.Dataset
	normalized bool

	refs    int
	retired bool
}

type shard struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[Key, *entry]
	cap   int
	gen   map[Key]uint64
	dsGen map[string]uint64
}

// Cache is a sharded LRU of query contexts.
type Cache struct {
	shards   []*shard
	datasets Datasets
	auth     Authorizer
	source   Source
	group    singleflight.Group
	entries  atomic.Int64
	metrics  *Metrics
	log      *zap.Logger
}

// New builds a cache. Capacity is split across shards, so the total never
// exceeds cfg.Size.
func New(cfg Config, datasets Datasets, auth Authorizer, source Source, metrics *Metrics, log *zap.Logger) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Shards > cfg.Size {
		return nil, fmt.Errorf("cache shards (%d) exceed size (%d)", cfg.Shards, cfg.Size)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	c := &Cache{
		shards:   make([]*shard, cfg.Shards),
		datasets: datasets,
		auth:     auth,
		source:   source,
		metrics:  metrics,
		log:      logging.OrNop(log),
	}
	for i := range c.shards {
		capacity := cfg.Size / cfg.Shards
		if i < cfg.Size%cfg.Shards {
			capacity++
		}
		// Eviction is driven explicitly so the close hook runs under the
		// shard lock, before the replacement is inserted.
		lru, err := simplelru.NewLRU[Key, *entry](capacity+1, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create LRU: %w", err)
		}
		c.shards[i] = &shard{
			lru:   lru,
			cap:   capacity,
			gen:   make(map[Key]uint64),
			dsGen: make(map[string]uint64),
		}
	}
	return c, nil
}

func (c *Cache) shardFor(k Key) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(k.DatasetID))
	h.Write([]byte{0})
	h.Write([]byte(k.Fingerprint))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (s *shard) generation(k Key) uint64 {
	return s.gen[k] + s.dsGen[k.DatasetID]
}

// retire drops e from service. Its context closes now if idle, otherwise
// when the last lease is released. Callers hold s.mu.
func (s *shard) retire(e *entry) {
	if e.retired {
		return
	}
	e.retired = true
	if e.refs == 0 {
		_ = e.ctx.Close()
	}
}

// Lease is a reference to a cached context. The context stays open until
// Release even if the entry is evicted meanwhile.
type Lease struct {
	e    *entry
	s    *shard
	once sync.Once
}

// Context returns the query context.
func (l *Lease) Context() *engine.Context { return l.e.ctx }

// Dataset returns the metadata the entry was loaded with.
func (l *Lease) Dataset() *types.Dataset { return l.e.dataset }

// Normalized reports whether duplicates and incomplete rows were dropped.
func (l *Lease) Normalized() bool { return l.e.normalized }

// Release returns the lease.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.s.mu.Lock()
		defer l.s.mu.Unlock()
		l.e.refs--
		if l.e.retired && l.e.refs == 0 {
			_ = l.e.ctx.Close()
		}
	})
}

var errStale = errors.New("cache load raced with invalidation")

// Ensure returns a lease on the context for (datasetID, credential),
// loading it on a miss. identity is the caller checked against the access
// authority before any load.
func (c *Cache) Ensure(ctx context.Context, datasetID, identity, credential string, normalize bool) (*Lease, error) {
	fp, err := Fingerprint(credential)
	if err != nil {
		return nil, err
	}
	key := Key{DatasetID: datasetID, Fingerprint: fp}
	s := c.shardFor(key)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if e, ok := s.lru.Get(key); ok {
			if e.normalized == normalize {
				e.refs++
				s.mu.Unlock()
				c.metrics.Hits.Inc()
				return &Lease{e: e, s: s}, nil
			}
			s.lru.Remove(key)
			s.retire(e)
			c.metrics.Evictions.Inc()
			c.track(-1)
		}
		gen := s.generation(key)
		s.mu.Unlock()

		c.metrics.Misses.Inc()
		flight := fmt.Sprintf("%s\x00%s\x00%d\x00%t", key.DatasetID, key.Fingerprint, gen, normalize)
		ch := c.group.DoChan(flight, func() (any, error) {
			return c.load(ctx, s, key, gen, identity, normalize)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if res.Err != nil {
			if errors.Is(res.Err, errStale) {
				continue
			}
			if isContextErr(res.Err) && ctx.Err() == nil {
				// The leader was cancelled; this caller is still live.
				continue
			}
			return nil, res.Err
		}

		e := res.Val.(*entry)
		s.mu.Lock()
		if e.retired {
			s.mu.Unlock()
			continue
		}
		e.refs++
		s.mu.Unlock()
		return &Lease{e: e, s: s}, nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) load(ctx context.Context, s *shard, key Key, gen uint64, identity string, normalize bool) (*entry, error) {
	start := time.Now()
	log := c.log.With(zap.String("dataset_id", key.DatasetID), logging.Fingerprint(key.Fingerprint))

	// A previous flight for the same generation may have finished between
	// the caller's miss and this flight starting.
	s.mu.Lock()
	if old, ok := s.lru.Peek(key); ok && old.normalized == normalize && s.generation(key) == gen {
		s.mu.Unlock()
		return old, nil
	}
	s.mu.Unlock()

	e, err := c.build(ctx, key, identity, normalize)
	if err != nil {
		c.metrics.Failures.Inc()
		log.Debug("cache load failed", zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation(key) != gen {
		_ = e.ctx.Close()
		return nil, errStale
	}
	if old, ok := s.lru.Peek(key); ok {
		if old.normalized == normalize {
			_ = e.ctx.Close()
			return old, nil
		}
		s.lru.Remove(key)
		s.retire(old)
		c.metrics.Evictions.Inc()
		c.track(-1)
	}
	for s.lru.Len() >= s.cap {
		victim, old, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.retire(old)
		c.metrics.Evictions.Inc()
		c.track(-1)
		log.Debug("cache entry evicted", zap.String("victim_dataset_id", victim.DatasetID))
	}
	s.lru.Add(key, e)

	c.metrics.Loads.Inc()
	c.metrics.LoadTime.Observe(time.Since(start).Seconds())
	c.track(1)
	log.Info("dataset loaded into cache",
		zap.Int("rows", e.ctx.Rows()),
		zap.Bool("normalized", normalize),
		zap.Duration("took", time.Since(start)))
	return e, nil
}

// build runs the miss path: authorize, fetch, decrypt, decode, normalize, register.
func (c *Cache) build(ctx context.Context, key Key, identity string, normalize bool) (*entry, error) {
	if err := c.auth.Authorize(ctx, identity, key.DatasetID); err != nil {
		return nil, err
	}
	d, err := c.datasets.Get(ctx, key.DatasetID)
	if err != nil {
		return nil, err
	}
	plain, err := c.source.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	frame, err := columnar.DecodeParquet(ctx, plain)
	if err != nil {
		return nil, err
	}
	if normalize {
		frame = frame.DropDuplicates().DropNA()
	}
	qc, err := engine.Open(ctx, frame)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "failed to load dataset")
	}
	return &entry{key: key, ctx: qc, dataset: d, normalized: normalize}, nil
}

// Invalidate removes the entry for (datasetID, credential) and reports
// whether one was present. Loads already in flight for the key are discarded.
func (c *Cache) Invalidate(datasetID, credential string) (bool, error) {
	fp, err := Fingerprint(credential)
	if err != nil {
		return false, err
	}
	key := Key{DatasetID: datasetID, Fingerprint: fp}
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[key]++
	e, ok := s.lru.Peek(key)
	if !ok {
		return false, nil
	}
	s.lru.Remove(key)
	s.retire(e)
	c.metrics.Evictions.Inc()
	c.track(-1)
	return true, nil
}

// InvalidateDataset removes every entry of a dataset and returns how many
// were dropped.
func (c *Cache) InvalidateDataset(datasetID string) int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		s.dsGen[datasetID]++
		for _, k := range s.lru.Keys() {
			if k.DatasetID != datasetID {
				continue
			}
			if e, ok := s.lru.Peek(k); ok {
				s.lru.Remove(k)
				s.retire(e)
				n++
			}
		}
		s.mu.Unlock()
	}
	if n > 0 {
		c.metrics.Evictions.Add(float64(n))
		c.track(-n)
		c.log.Info("dataset evicted from cache", zap.String("dataset_id", datasetID), zap.Int("entries", n))
	}
	return n
}

// Status reports whether an entry is cached without touching its recency.
func (c *Cache) Status(datasetID, credential string) (loaded, normalized bool) {
	fp, err := Fingerprint(credential)
	if err != nil {
		return false, false
	}
	key := Key{DatasetID: datasetID, Fingerprint: fp}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Peek(key)
	if !ok {
		return false, false
	}
	return true, e.normalized
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// track adjusts the entry gauge. It never takes a shard lock, so callers
// may hold their own.
func (c *Cache) track(delta int) {
	c.metrics.Entries.Set(float64(c.entries.Add(int64(delta))))
}

// Close retires every entry.
func (c *Cache) Close() {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok {
				s.retire(e)
			}
		}
		c.entries.Add(-int64(s.lru.Len()))
		s.lru.Purge()
		s.mu.Unlock()
	}
	c.metrics.Entries.Set(float64(c.entries.Load()))
}
