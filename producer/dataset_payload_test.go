package producer

import (
	"strings"
	"testing"
)

func TestFormFieldsDefaults(t *testing.T) {
	fields, err := NewUploadOptions("  Sample Dataset ").formFields()
	if err != nil {
		t.Fatalf("formFields: %v", err)
	}

	if fields["title"] != "Sample Dataset" {
		t.Fatalf("expected trimmed title, got %q", fields["title"])
	}
	if fields["category"] != "general" {
		t.Fatalf("expected category general, got %q", fields["category"])
	}
	if fields["price"] != "0" {
		t.Fatalf("expected price 0, got %q", fields["price"])
	}
	for _, key := range []string{"description", "tags", "url"} {
		if _, ok := fields[key]; ok {
			t.Fatalf("expected %s to be omitted", key)
		}
	}
}

func TestFormFieldsOverrides(t *testing.T) {
	opts := NewUploadOptions("Outcomes")
	opts.Description = "Quarterly outcomes"
	opts.Price = 12.5
	opts.Tags = []string{"clinical", "2024"}
	opts.url = "https://example.com/outcomes.csv"

	fields, err := opts.formFields()
	if err != nil {
		t.Fatalf("formFields: %v", err)
	}

	if fields["price"] != "12.5" {
		t.Fatalf("expected price 12.5, got %q", fields["price"])
	}
	if fields["tags"] != "clinical,2024" {
		t.Fatalf("expected joined tags, got %q", fields["tags"])
	}
	if fields["description"] != "Quarterly outcomes" {
		t.Fatalf("unexpected description %q", fields["description"])
	}
	if fields["url"] != "https://example.com/outcomes.csv" {
		t.Fatalf("unexpected url %q", fields["url"])
	}
}

func TestFormFieldsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    UploadOptions
		wantErr string
	}{
		{"blank title", NewUploadOptions("   "), "title must be between"},
		{"long title", NewUploadOptions(strings.Repeat("x", maxTitleLength+1)), "title must be between"},
		{"negative price", UploadOptions{Title: "t", Price: -1}, "price must be non-negative"},
		{"comma in tag", UploadOptions{Title: "t", Tags: []string{"a,b"}}, "must not contain a comma"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.formFields()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTitleFromFile(t *testing.T) {
	tests := map[string]string{
		"clinical_outcomes-2024.csv": "clinical outcomes 2024",
		"survey.csv":                 "survey",
		".csv":                       "dataset",
		"":                           "dataset",
	}

	for in, want := range tests {
		if got := titleFromFile(in); got != want {
			t.Errorf("titleFromFile(%q) = %q, want %q", in, got, want)
		}
	}
}
