package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/envelope"
	"github.com/helix-tools/dataroom/objectstore"
	"github.com/helix-tools/dataroom/types"
)

type fakeDatasets map[string]*types.Dataset

func (f fakeDatasets) Get(_ context.Context, id string) (*types.Dataset, error) {
	d, ok := f[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "Dataset '%s' not found", id)
	}
	return d, nil
}

type fakeAuth struct{ denied map[string]bool }

func (f fakeAuth) Authorize(_ context.Context, identity, _ string) error {
	if f.denied[identity] {
		return apperr.New(apperr.NotAuthorized, "You do not have access to this dataset")
	}
	return nil
}

// slowSource delays fetches so concurrent callers overlap.
type slowSource struct {
	*envelope.Vault
	delay time.Duration
	calls atomic.Int32
}

func (s *slowSource) Fetch(ctx context.Context, d *types.Dataset) ([]byte, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.Vault.Fetch(ctx, d)
}

type fixture struct {
	cache  *Cache
	source *slowSource
}

// fetches counts blob reads across all datasets of the fixture.
func (fx *fixture) fetches() int { return int(fx.source.calls.Load()) }

func newFixture(t *testing.T, size int, ids ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := objectstore.NewMemory()
	vault := envelope.NewVault(mem, envelope.Plain{}, "encrypted/")

	datasets := fakeDatasets{}
	for _, id := range ids {
		f := columnar.NewFrame(types.Schema{
			{Name: "age", Type: types.TypeInteger},
			{Name: "score", Type: types.TypeReal},
		})
		f.AppendRow([]any{int64(1), 10.0})
		f.AppendRow([]any{int64(1), 10.0})
		f.AppendRow([]any{int64(2), nil})
		f.AppendRow([]any{int64(3), 30.0})
		blob, err := columnar.EncodeParquet(f)
		require.NoError(t, err)
		sealed, err := vault.Put(ctx, id+".csv", blob)
		require.NoError(t, err)
		datasets[id] = &types.Dataset{ID: id, Location: sealed.URL, Key: sealed.StoredKey, Schema: f.Schema()}
	}

	src := &slowSource{Vault: vault}
	c, err := New(Config{Size: size}, datasets, fakeAuth{denied: map[string]bool{"mallory": true}}, src, nil, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &fixture{cache: c, source: src}
}

func TestFingerprint(t *testing.T) {
	fp, err := Fingerprint("token-a")
	require.NoError(t, err)
	require.Len(t, fp, 64)

	again, _ := Fingerprint("  token-a ")
	require.Equal(t, fp, again)

	other, _ := Fingerprint("token-b")
	require.NotEqual(t, fp, other)

	for _, bad := range []string{"", "   ", "two words", "ctl\x01char"} {
		_, err := Fingerprint(bad)
		require.ErrorIs(t, err, ErrNoFingerprint, "credential %q", bad)
		require.True(t, apperr.Is(err, apperr.Unauthenticated))
	}
}

func TestEnsureReusesContext(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4, "ds1")

	l1, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
	require.NoError(t, err)
	l2, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
	require.NoError(t, err)
	defer l1.Release()
	defer l2.Release()

	require.Same(t, l1.Context(), l2.Context())
	require.Equal(t, 1, fx.fetches())
	require.Equal(t, 4, l1.Context().Rows())
	require.False(t, l1.Normalized())
	require.Equal(t, "ds1", l1.Dataset().ID)

	// A different credential gets its own context.
	l3, err := fx.cache.Ensure(ctx, "ds1", "alice", "other-tok", false)
	require.NoError(t, err)
	defer l3.Release()
	require.NotSame(t, l1.Context(), l3.Context())
	require.Equal(t, 2, fx.fetches())
}

func TestInvalidateRefetchesOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4, "ds1")

	l, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
	require.NoError(t, err)
	first := l.Context()
	l.Release()

	ok, err := fx.cache.Invalidate("ds1", "tok")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, first.Closed())

	ok, err = fx.cache.Invalidate("ds1", "tok")
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		l, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
		require.NoError(t, err)
		l.Release()
	}
	require.Equal(t, 2, fx.fetches())
}

func TestEvictionClosesLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2, "ds1", "ds2", "ds3")

	ensure := func(id string) *Lease {
		l, err := fx.cache.Ensure(ctx, id, "alice", "tok", false)
		require.NoError(t, err)
		l.Release()
		return l
	}
	l1 := ensure("ds1")
	l2 := ensure("ds2")
	ensure("ds1") // ds2 is now least recently used
	ensure("ds3")

	require.Equal(t, 2, fx.cache.Len())
	require.True(t, l2.Context().Closed())
	require.False(t, l1.Context().Closed())

	loaded, _ := fx.cache.Status("ds2", "tok")
	require.False(t, loaded)
	loaded, _ = fx.cache.Status("ds1", "tok")
	require.True(t, loaded)
}

func TestEvictedContextStaysOpenWhileLeased(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1, "ds1", "ds2")

	held, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
	require.NoError(t, err)

	l2, err := fx.cache.Ensure(ctx, "ds2", "alice", "tok", false)
	require.NoError(t, err)
	l2.Release()

	require.False(t, held.Context().Closed())
	var n int
	require.NoError(t, held.Context().QueryRow(ctx, "SELECT COUNT(*) FROM dataset").Scan(&n))
	require.Equal(t, 4, n)

	held.Release()
	held.Release()
	require.True(t, held.Context().Closed())
}

func TestConcurrentEnsureLoadsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4, "ds1")
	fx.source.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	leases := make([]*Lease, 8)
	errs := make([]error, 8)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
		}(i)
	}
	wg.Wait()

	for i := range leases {
		require.NoError(t, errs[i])
		require.Same(t, leases[0].Context(), leases[i].Context())
		leases[i].Release()
	}
	require.EqualValues(t, 1, fx.source.calls.Load())
}

func TestEnsureChecksAccessBeforeLoading(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4, "ds1")

	_, err := fx.cache.Ensure(ctx, "ds1", "mallory", "tok", false)
	require.True(t, apperr.Is(err, apperr.NotAuthorized), "err = %v", err)
	require.Equal(t, 0, fx.fetches())
	require.Zero(t, fx.cache.Len())

	_, err = fx.cache.Ensure(ctx, "missing", "alice", "tok", false)
	require.True(t, apperr.Is(err, apperr.NotFound))

	_, err = fx.cache.Ensure(ctx, "ds1", "alice", "", false)
	require.True(t, apperr.Is(err, apperr.Unauthenticated))
}

func TestNormalizeMismatchRebuilds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4, "ds1")

	raw, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", false)
	require.NoError(t, err)
	raw.Release()

	norm, err := fx.cache.Ensure(ctx, "ds1", "alice", "tok", true)
	require.NoError(t, err)
	defer norm.Release()

	require.True(t, raw.Context().Closed())
	require.True(t, norm.Normalized())
	// One duplicate and one row with a null are dropped.
	require.Equal(t, 2, norm.Context().Rows())
	require.Equal(t, 2, fx.fetches())

	_, normalized := fx.cache.Status("ds1", "tok")
	require.True(t, normalized)
}

func TestInvalidateDataset(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 8, "ds1", "ds2")

	for i := 0; i < 3; i++ {
		l, err := fx.cache.Ensure(ctx, "ds1", "alice", fmt.Sprintf("tok-%d", i), false)
		require.NoError(t, err)
		l.Release()
	}
	l, err := fx.cache.Ensure(ctx, "ds2", "alice", "tok-0", false)
	require.NoError(t, err)
	l.Release()

	require.Equal(t, 3, fx.cache.InvalidateDataset("ds1"))
	require.Equal(t, 1, fx.cache.Len())
	require.Zero(t, fx.cache.InvalidateDataset("ds1"))
}

func TestShardedCapacity(t *testing.T) {
	_, err := New(Config{Size: 2, Shards: 3}, fakeDatasets{}, fakeAuth{}, nil, nil, nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "exceed"))

	ctx := context.Background()
	fx := newFixture(t, 4, "a", "b", "c", "d", "e", "f")
	c, err := New(Config{Size: 4, Shards: 2}, fx.cache.datasets, fakeAuth{}, fx.source, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		l, err := c.Ensure(ctx, id, "alice", "tok", false)
		require.NoError(t, err)
		l.Release()
	}
	require.LessOrEqual(t, c.Len(), 4)
}

func TestShardedConcurrentChurn(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	fx := newFixture(t, 4, ids...)
	metrics := NewMetrics(nil)
	c, err := New(Config{Size: 4, Shards: 4}, fx.cache.datasets, fakeAuth{}, fx.source, metrics, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := ids[(w+i)%len(ids)]
				tok := fmt.Sprintf("tok-%d", (w+i)%3)
				l, err := c.Ensure(ctx, id, "alice", tok, i%4 == 0)
				if err != nil {
					errs <- err
					return
				}
				l.Release()
				switch i % 5 {
				case 1:
					if _, err := c.Invalidate(id, tok); err != nil {
						errs <- err
						return
					}
				case 3:
					c.InvalidateDataset(id)
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("sharded cache did not settle; shards are blocking each other")
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.LessOrEqual(t, c.Len(), 4)
	require.Equal(t, float64(c.Len()), testutil.ToFloat64(metrics.Entries))
}
