// Package objectstore stores opaque blobs by key.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store puts and gets blobs. Get returns an apperr NotFound error when the
// key is absent and Unavailable when the backend could not be reached.
type Store interface {
	// Put stores length bytes from r under key and returns the object URL.
	Put(ctx context.Context, key string, r io.Reader, length int64, contentType string) (string, error)
	// Get streams the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Locate maps an object URL returned by Put back to its key.
	Locate(url string) (string, error)
}

// NewKey builds a unique key for an uploaded file:
// <prefix><uuid>_<basename>.<ext>.enc
func NewKey(prefix, filename, ext string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "." || base == "_" {
		base = "dataset"
	}
	return fmt.Sprintf("%s%s_%s.%s.enc", prefix, uuid.NewString(), base, ext)
}
