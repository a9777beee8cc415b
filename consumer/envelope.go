package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/helix-tools/dataroom/he"
	"github.com/helix-tools/dataroom/types"
)

// Envelope is a decoded export with its parsed encryption parameters.
type Envelope struct {
	*types.ExportEnvelope

	// Public carries the parameters and public key only.
	Public     *he.Public
	Parameters ckks.Parameters
}

// DecodeEnvelope gunzips a download body and checks the envelope is
// internally consistent.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}

	var env types.ExportEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	pub, params, err := he.ParsePublic(env.Context)
	if err != nil {
		return nil, err
	}

	for _, name := range env.Schema.Names() {
		info, ok := env.EncodingInfo[name]
		if !ok {
			return nil, fmt.Errorf("column %q has no encoding info", name)
		}
		if got := len(env.EncryptedColumns[name]); got != info.Batches {
			return nil, fmt.Errorf("column %q has %d ciphertexts, expected %d", name, got, info.Batches)
		}
		if info.OriginalLength != env.RowCount {
			return nil, fmt.Errorf("column %q encodes %d rows, expected %d", name, info.OriginalLength, env.RowCount)
		}
	}

	return &Envelope{ExportEnvelope: &env, Public: pub, Parameters: params}, nil
}
