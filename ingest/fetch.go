package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/logging"
)

var driveFileID = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)

// NormalizeURL rewrites share links of known providers into direct download
// links. Other URLs are returned unchanged.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.Newf(apperr.BadRequest, "Invalid file URL '%s'", raw)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "drive.google.com":
		id := ""
		if m := driveFileID.FindStringSubmatch(u.Path); m != nil {
			id = m[1]
		} else {
			id = u.Query().Get("id")
		}
		if id == "" {
			return u.String(), nil
		}
		return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(id), nil
	case host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com"):
		q := u.Query()
		q.Set("dl", "1")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return u.String(), nil
}

// Fetcher downloads remote source files with bounded retries.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher returns a fetcher retrying transient failures up to retries times.
func NewFetcher(retries int, timeout time.Duration, log *zap.Logger) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = leveled{logging.OrNop(log).Sugar()}
	return &Fetcher{client: c}
}

// Fetch downloads raw after normalizing it, reading at most limit bytes.
func (f *Fetcher) Fetch(ctx context.Context, raw string, limit int64) ([]byte, error) {
	target, err := NormalizeURL(raw)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperr.Newf(apperr.BadRequest, "Invalid file URL '%s'", raw)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.BadRequest, err, "Could not download the file from the given URL")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.BadRequest, "Remote file returned status %d", resp.StatusCode)
	}
	return readLimited(resp.Body, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, apperr.Newf(apperr.BadRequest, "File exceeds the %d byte upload limit", limit)
	}
	return data, nil
}

// leveled adapts zap to retryablehttp's logger.
type leveled struct{ s *zap.SugaredLogger }

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
