package producer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/helix-tools/dataroom/types"
)

// TestEmptyFileValidation tests that empty files are rejected before any request is made.
func TestEmptyFileValidation(t *testing.T) {
	p, err := NewProducer(context.Background(), types.Config{
		APIEndpoint: "http://127.0.0.1:1",
		Token:       "token",
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	tmpDir := t.TempDir()
	for name, content := range map[string]string{
		"empty.csv":      "",
		"whitespace.csv": " \n\t\n",
	} {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		_, err := p.UploadDataset(context.Background(), path, NewUploadOptions("t"))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), "file is empty") {
			t.Errorf("%s: expected 'file is empty' error, got: %v", name, err)
		}
	}
}

// TestMissingFileValidation tests that missing files return a read error.
func TestMissingFileValidation(t *testing.T) {
	p, err := NewProducer(context.Background(), types.Config{Token: "token"})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	_, err = p.UploadDataset(context.Background(), "/nonexistent/file.csv", NewUploadOptions("t"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "failed to read file") {
		t.Errorf("expected 'failed to read file' error, got: %v", err)
	}
}

func TestNewProducerRequiresToken(t *testing.T) {
	if _, err := NewProducer(context.Background(), types.Config{}); err == nil {
		t.Fatal("expected error without token")
	}
}
