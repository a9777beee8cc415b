package api

import (
	"context"
	"net/url"
	"testing"
	"time"
)

// cleanupTimeout bounds each teardown request.
const cleanupTimeout = 30 * time.Second

// CleanupRegistry removes what an integration test created on the server.
// Teardowns run through t.Cleanup, last registered first, so a cache entry
// is dropped before the dataset behind it is deleted.
type CleanupRegistry struct {
	t *testing.T
}

// NewCleanupRegistry creates a registry bound to t.
func NewCleanupRegistry(t *testing.T) *CleanupRegistry {
	t.Helper()
	return &CleanupRegistry{t: t}
}

// Register schedules fn for teardown. Failures are logged, never fatal.
func (r *CleanupRegistry) Register(name string, fn func(ctx context.Context) error) {
	r.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := fn(ctx); err != nil && !IsNotFoundError(err) {
			r.t.Logf("cleanup %s: %v", name, err)
		}
	})
}

// RegisterDatasetCleanup deletes a dataset at teardown.
func (r *CleanupRegistry) RegisterDatasetCleanup(client *Client, datasetID string) {
	r.Register("dataset "+datasetID, func(ctx context.Context) error {
		return client.Delete(ctx, "/datasets/"+url.PathEscape(datasetID))
	})
}

// RegisterCacheCleanup drops the client's cached context of a dataset at teardown.
func (r *CleanupRegistry) RegisterCacheCleanup(client *Client, datasetID string) {
	r.Register("cache "+datasetID, func(ctx context.Context) error {
		return client.Post(ctx, "/datasets/"+url.PathEscape(datasetID)+"/cache/clear", nil, nil)
	})
}
