package envelope

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/helix-tools/dataroom/objectstore"
	"github.com/helix-tools/dataroom/types"
)

// ContentType of sealed blobs.
const ContentType = "application/octet-stream"

// Vault seals blobs into the object store and opens them again.
type Vault struct {
	store  objectstore.Store
	keys   Keyring
	prefix string
}

// NewVault returns a vault writing under prefix.
func NewVault(store objectstore.Store, keys Keyring, prefix string) *Vault {
	return &Vault{store: store, keys: keys, prefix: prefix}
}

// Sealed describes a stored blob.
type Sealed struct {
	URL       string
	StoredKey string
	SizeBytes int64
}

// Put seals plain with a fresh key and stores it under a unique key derived
// from filename.
func (v *Vault) Put(ctx context.Context, filename string, plain []byte) (*Sealed, error) {
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(plain, key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal blob: %w", err)
	}
	stored, err := v.keys.Wrap(ctx, key)
	if err != nil {
		return nil, err
	}

	objKey := objectstore.NewKey(v.prefix, filename, "parquet")
	url, err := v.store.Put(ctx, objKey, bytes.NewReader(sealed), int64(len(sealed)), ContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}
	return &Sealed{URL: url, StoredKey: stored, SizeBytes: int64(len(sealed))}, nil
}

// Fetch reads and opens the blob of d.
func (v *Vault) Fetch(ctx context.Context, d *types.Dataset) ([]byte, error) {
	objKey, err := v.store.Locate(d.Location)
	if err != nil {
		return nil, err
	}
	rc, err := v.store.Get(ctx, objKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sealed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	key, err := v.keys.Unwrap(ctx, d.Key)
	if err != nil {
		return nil, err
	}
	return Open(sealed, key)
}
