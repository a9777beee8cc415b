// Package he builds the CKKS contexts used to encrypt exported columns.
package he

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Parameters pinned for exports: ring degree 2^13, a 40/20/20-bit
// ciphertext modulus with a 40-bit special prime, and scale 2^30.
var Parameters = ckks.ParametersLiteral{
	LogN:            13,
	LogQ:            []int{40, 20, 20},
	LogP:            []int{40},
	LogDefaultScale: 30,
}

// Context holds a key set for one export. It is read-only after NewContext;
// use Encryptor for per-goroutine encryption.
type Context struct {
	params ckks.Parameters
	sk     *rlwe.SecretKey
	pk     *rlwe.PublicKey
	evk    *rlwe.MemEvaluationKeySet
	ecd    *ckks.Encoder
	enc    *rlwe.Encryptor
}

// NewContext generates fresh keys, including relinearization and the Galois
// keys needed for slot sums.
func NewContext() (*Context, error) {
	params, err := ckks.NewParametersFromLiteral(Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to build CKKS parameters: %w", err)
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(params.GaloisElementsForInnerSum(1, params.MaxSlots()), sk)

	return &Context{
		params: params,
		sk:     sk,
		pk:     pk,
		evk:    rlwe.NewMemEvaluationKeySet(rlk, gks...),
		ecd:    ckks.NewEncoder(params),
		enc:    rlwe.NewEncryptor(params, pk),
	}, nil
}

// Slots is the number of values one ciphertext holds.
func (c *Context) Slots() int { return c.params.MaxSlots() }

// EvaluationKeys returns the relinearization and Galois keys.
func (c *Context) EvaluationKeys() *rlwe.MemEvaluationKeySet { return c.evk }

// Encryptor encrypts vectors under the context's public key. It is not safe
// for concurrent use; take one per goroutine.
type Encryptor struct {
	params ckks.Parameters
	ecd    *ckks.Encoder
	enc    *rlwe.Encryptor
}

// Encryptor returns an encryptor sharing the context's keys.
func (c *Context) Encryptor() *Encryptor {
	return &Encryptor{params: c.params, ecd: c.ecd.ShallowCopy(), enc: c.enc.ShallowCopy()}
}

// Encrypt encodes values into one plaintext and returns the serialized
// ciphertext. len(values) must not exceed Slots.
func (e *Encryptor) Encrypt(values []float64) ([]byte, error) {
	if len(values) > e.params.MaxSlots() {
		return nil, fmt.Errorf("vector of %d values exceeds %d slots", len(values), e.params.MaxSlots())
	}
	pt := ckks.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.ecd.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	ct, err := e.enc.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt vector: %w", err)
	}
	b, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return b, nil
}

// Decrypt reverses Encrypt and returns the first n slots. It needs the
// secret key, which never leaves the context.
func (c *Context) Decrypt(data []byte, n int) ([]float64, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to parse ciphertext: %w", err)
	}
	pt := rlwe.NewDecryptor(c.params, c.sk).DecryptNew(ct)
	out := make([]float64, c.params.MaxSlots())
	if err := c.ecd.ShallowCopy().Decode(pt, out); err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}
	if n > len(out) {
		n = len(out)
	}
	return out[:n], nil
}

// Public is the shareable part of a context.
type Public struct {
	Scheme     string          `json:"scheme"`
	Parameters json.RawMessage `json:"parameters"`
	PublicKey  []byte          `json:"public_key"`
	// EvaluationKeys is the binary relinearization and Galois key set.
	EvaluationKeys []byte `json:"evaluation_keys"`
}

// EvaluationKeySet decodes the evaluation keys shipped with the context.
func (p *Public) EvaluationKeySet() (*rlwe.MemEvaluationKeySet, error) {
	if len(p.EvaluationKeys) == 0 {
		return nil, fmt.Errorf("context carries no evaluation keys")
	}
	evk := new(rlwe.MemEvaluationKeySet)
	if err := evk.UnmarshalBinary(p.EvaluationKeys); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation keys: %w", err)
	}
	return evk, nil
}

// Serialize encodes the parameters, public key and evaluation keys as
// base64 JSON. The secret key is never included.
func (c *Context) Serialize() (string, error) {
	params, err := c.params.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize parameters: %w", err)
	}
	pk, err := c.pk.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize public key: %w", err)
	}
	evk, err := c.evk.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize evaluation keys: %w", err)
	}
	b, err := json.Marshal(Public{Scheme: "ckks", Parameters: params, PublicKey: pk, EvaluationKeys: evk})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ParsePublic decodes a serialized context.
func ParsePublic(s string) (*Public, ckks.Parameters, error) {
	var params ckks.Parameters
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, params, fmt.Errorf("failed to decode context: %w", err)
	}
	var pub Public
	if err := json.Unmarshal(raw, &pub); err != nil {
		return nil, params, fmt.Errorf("failed to parse context: %w", err)
	}
	if err := params.UnmarshalJSON(pub.Parameters); err != nil {
		return nil, params, fmt.Errorf("failed to parse parameters: %w", err)
	}
	return &pub, params, nil
}
