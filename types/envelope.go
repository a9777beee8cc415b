package types

// Encoding kinds used by the export envelope.
const (
	EncodingCategorical = "categorical"
	EncodingNumeric     = "numeric"
)

// EncodingInfo describes how one column was packed into ciphertexts.
type EncodingInfo struct {
	Type           string `json:"type"`
	BatchSize      int    `json:"batch_size"`
	OriginalLength int    `json:"original_length"`
	Batches        int    `json:"batches"`
}

// ExportEnvelope is the homomorphically encrypted download artifact.
type ExportEnvelope struct {
	EncryptedColumns map[string][]string     `json:"encrypted_columns"`
	Context          string                  `json:"context"`
	Schema           Schema                  `json:"schema"`
	EncodingInfo     map[string]EncodingInfo `json:"encoding_info"`
	RowCount         int                     `json:"row_count"`
	ColumnSizes      map[string]int64        `json:"column_sizes"`
}
