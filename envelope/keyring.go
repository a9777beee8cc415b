package envelope

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Keyring converts data keys to and from the form kept in the registry.
type Keyring interface {
	Wrap(ctx context.Context, key []byte) (string, error)
	Unwrap(ctx context.Context, stored string) ([]byte, error)
}

// Plain stores keys as standard base64.
type Plain struct{}

func (Plain) Wrap(_ context.Context, key []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(key), nil
}

func (Plain) Unwrap(_ context.Context, stored string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("stored key has length %d", len(key))
	}
	return key, nil
}

// KMSAPI is the subset of the KMS client used by the keyring.
type KMSAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

const kmsPrefix = "kms:"

// KMS wraps keys with a customer master key. Keys stored before KMS was
// enabled are plain base64 and are still readable.
type KMS struct {
	client KMSAPI
	keyID  string
}

// NewKMS returns a keyring using keyID.
func NewKMS(client KMSAPI, keyID string) *KMS {
	return &KMS{client: client, keyID: keyID}
}

func (k *KMS) Wrap(ctx context.Context, key []byte) (string, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(k.keyID),
		Plaintext: key,
	})
	if err != nil {
		return "", fmt.Errorf("KMS encryption failed: %w", err)
	}
	return kmsPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (k *KMS) Unwrap(ctx context.Context, stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, kmsPrefix) {
		return Plain{}.Unwrap(ctx, stored)
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, kmsPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(k.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decryption failed: %w", err)
	}
	if len(out.Plaintext) != KeySize {
		return nil, fmt.Errorf("unwrapped key has length %d", len(out.Plaintext))
	}
	return out.Plaintext, nil
}
