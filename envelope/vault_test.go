package envelope

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/objectstore"
	"github.com/helix-tools/dataroom/types"
)

func TestVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := objectstore.NewMemory()
	v := NewVault(mem, Plain{}, "encrypted/")

	sealed, err := v.Put(ctx, "people.csv", []byte("columnar bytes"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(sealed.URL, "mem://encrypted/") || !strings.HasSuffix(sealed.URL, "_people.parquet.enc") {
		t.Errorf("URL = %q", sealed.URL)
	}

	d := &types.Dataset{Location: sealed.URL, Key: sealed.StoredKey}
	plain, err := v.Fetch(ctx, d)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(plain, []byte("columnar bytes")) {
		t.Errorf("Fetch() = %q", plain)
	}

	other, _ := v.Put(ctx, "other.csv", []byte("x"))
	d.Key = other.StoredKey
	if _, err := v.Fetch(ctx, d); !apperr.Is(err, apperr.Unavailable) {
		t.Errorf("Fetch() with wrong key error = %v", err)
	}

	d.Location = "mem://encrypted/never-stored"
	d.Key = sealed.StoredKey
	if _, err := v.Fetch(ctx, d); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Fetch() of missing blob error = %v", err)
	}
}
