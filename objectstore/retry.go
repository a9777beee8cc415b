package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/logging"
)

// DefaultMaxRetries bounds transparent retries of Unavailable failures.
const DefaultMaxRetries = 3

// Retrying retries Unavailable failures with exponential backoff. Reads are
// buffered so a retry never hands the caller a half-consumed stream.
type Retrying struct {
	Store
	maxRetries uint64
	initial    time.Duration
	log        *zap.Logger
}

// NewRetrying wraps s.
func NewRetrying(s Store, maxRetries uint64, log *zap.Logger) *Retrying {
	return &Retrying{
		Store:      s,
		maxRetries: maxRetries,
		initial:    100 * time.Millisecond,
		log:        logging.OrNop(log),
	}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

func permanentUnlessUnavailable(err error) error {
	if apperr.KindOf(err) == apperr.Unavailable {
		return err
	}
	return backoff.Permanent(err)
}

func (r *Retrying) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	op := func() error {
		rc, err := r.Store.Get(ctx, key)
		if err != nil {
			return permanentUnlessUnavailable(err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, err, "object store unavailable")
		}
		data = b
		return nil
	}
	notify := func(err error, d time.Duration) {
		r.log.Warn("retrying object read", zap.String("key", key), zap.Duration("after", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, r.policy(ctx), notify); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put retries only when the body can be replayed.
func (r *Retrying) Put(ctx context.Context, key string, body io.Reader, length int64, contentType string) (string, error) {
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		return r.Store.Put(ctx, key, body, length, contentType)
	}

	var url string
	op := func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to rewind object body: %w", err))
		}
		u, err := r.Store.Put(ctx, key, seeker, length, contentType)
		if err != nil {
			return permanentUnlessUnavailable(err)
		}
		url = u
		return nil
	}
	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return "", err
	}
	return url, nil
}
