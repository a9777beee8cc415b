// Package types defines the wire types shared by the dataroom service and its clients.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EmptyPayloadHash is the SHA256 hash of an empty payload.
const EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Config contains configuration for SDK clients.
type Config struct {
	APIEndpoint string
	Token       string
	Region      string

	// Subject is the "sub" claim of Token. Calls scoped to the caller's own
	// datasets use it.
	Subject string

	// AWSAccessKeyID and AWSSecretAccessKey are only needed when the API sits
	// behind an IAM-authorized gateway and requests must be SigV4 signed.
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// SemanticType is the logical type of a dataset column.
type SemanticType string

const (
	TypeInteger     SemanticType = "integer"
	TypeReal        SemanticType = "real"
	TypeBoolean     SemanticType = "boolean"
	TypeText        SemanticType = "text"
	TypeCategorical SemanticType = "categorical"
	TypeTimestamp   SemanticType = "timestamp"
)

// Valid reports whether t is one of the known semantic types.
func (t SemanticType) Valid() bool {
	switch t {
	case TypeInteger, TypeReal, TypeBoolean, TypeText, TypeCategorical, TypeTimestamp:
		return true
	}
	return false
}

// Numeric reports whether arithmetic statistics apply to the type.
func (t SemanticType) Numeric() bool {
	return t == TypeInteger || t == TypeReal
}

// Field is one named column of a schema.
type Field struct {
	Name string       `json:"name"`
	Type SemanticType `json:"type"`
}

// Schema is an ordered mapping from column name to semantic type. It
// marshals as a JSON object whose keys keep the column order.
type Schema []Field

// Lookup returns the type of the named column.
func (s Schema) Lookup(name string) (SemanticType, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// MarshalJSON writes the schema as an ordered object.
func (s Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		typ, err := json.Marshal(string(f.Type))
		if err != nil {
			return nil, err
		}
		buf.Write(typ)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object while preserving key order.
func (s *Schema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("schema must be a JSON object")
	}

	var out Schema
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("schema key must be a string")
		}
		var typ string
		if err := dec.Decode(&typ); err != nil {
			return fmt.Errorf("failed to decode type of column %q: %w", key, err)
		}
		out = append(out, Field{Name: key, Type: SemanticType(typ)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*s = out
	return nil
}

// Counters are the usage statistics kept for a dataset.
type Counters struct {
	ViewCount     int64 `json:"view_count"`
	DownloadCount int64 `json:"download_count"`
}

// Dataset represents a dataset in the catalog.
type Dataset struct {
	ID             string    `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	Category       string    `json:"category" db:"category"`
	Description    string    `json:"description" db:"description"`
	ContributorID  string    `json:"contributor_id" db:"contributor_id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Location       string    `json:"file_url" db:"location"`
	Schema         Schema    `json:"schema" db:"-"`
	NumberOfRows   int64     `json:"number_of_rows" db:"number_of_rows"`
	SizeBytes      int64     `json:"size_bytes" db:"size_bytes"`
	Price          float64   `json:"price" db:"price"`
	Tags           []string  `json:"tags" db:"-"`
	Counters       Counters  `json:"stats" db:"-"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	IsDeleted      bool      `json:"is_deleted" db:"is_deleted"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`

	// Key is the stored form of the per-dataset symmetric key. It never
	// leaves the service.
	Key string `json:"-" db:"encryption_key"`
}

// Free reports whether the dataset can be exported without a purchase.
func (d *Dataset) Free() bool {
	return d.Price == 0
}

// DatasetUpdate carries the mutable dataset attributes. Nil fields are left untouched.
type DatasetUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Price       *float64  `json:"price,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// CreateDatasetResponse is the response for POST /datasets.
type CreateDatasetResponse struct {
	DatasetID string `json:"dataset_id"`
	FileURL   string `json:"file_url"`
}

// DatasetDetail is the response for GET /datasets/{id}.
type DatasetDetail struct {
	Dataset
	IsLoaded   bool            `json:"is_loaded"`
	Normalized bool            `json:"normalized"`
	Overview   json.RawMessage `json:"overview"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
