package envelope

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/helix-tools/dataroom/apperr"
)

func TestSealOpen(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}

	for _, data := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte("parquet"), 10000)} {
		sealed, err := Seal(data, key)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		got, err := Open(sealed, key)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("round trip mismatch for %d bytes", len(data))
		}
	}
}

func TestSealIsRandomized(t *testing.T) {
	key, _ := NewKey()
	a, _ := Seal([]byte("same"), key)
	b, _ := Seal([]byte("same"), key)
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestOpenRejects(t *testing.T) {
	key, _ := NewKey()
	other, _ := NewKey()
	sealed, _ := Seal([]byte("secret rows"), key)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	cases := map[string]struct {
		blob []byte
		key  []byte
	}{
		"wrong key": {sealed, other},
		"tampered":  {tampered, key},
		"truncated": {sealed[:5], key},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(tc.blob, tc.key)
			if !apperr.Is(err, apperr.Unavailable) {
				t.Errorf("Open() error = %v, want Unavailable", err)
			}
		})
	}

	if _, err := Seal([]byte("x"), []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestPlainKeyring(t *testing.T) {
	ctx := context.Background()
	key, _ := NewKey()
	stored, err := Plain{}.Wrap(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Plain{}.Unwrap(ctx, stored)
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("Unwrap() = %x, %v", got, err)
	}
	if _, err := (Plain{}).Unwrap(ctx, "AAAA"); err == nil {
		t.Error("expected error for short stored key")
	}
}

// fakeKMS "encrypts" by reversing the plaintext.
type fakeKMS struct{ fail bool }

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func (f fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if f.fail {
		return nil, errors.New("kms down")
	}
	return &kms.EncryptOutput{CiphertextBlob: reverse(in.Plaintext)}, nil
}

func (f fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func TestKMSKeyring(t *testing.T) {
	ctx := context.Background()
	ring := NewKMS(fakeKMS{}, "alias/dataroom")
	key, _ := NewKey()

	stored, err := ring.Wrap(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stored, "kms:") {
		t.Errorf("stored key = %q", stored)
	}
	got, err := ring.Unwrap(ctx, stored)
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("Unwrap() = %x, %v", got, err)
	}

	legacy, _ := Plain{}.Wrap(ctx, key)
	got, err = ring.Unwrap(ctx, legacy)
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("Unwrap(legacy) = %x, %v", got, err)
	}

	if _, err := NewKMS(fakeKMS{fail: true}, "k").Wrap(ctx, key); err == nil {
		t.Error("expected KMS failure")
	}
}
