package producer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/helix-tools/dataroom/api"
	"github.com/helix-tools/dataroom/types"
)

func newTestProducer(t *testing.T, h http.HandlerFunc) *Producer {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := NewProducer(context.Background(), types.Config{
		APIEndpoint: srv.URL,
		Token:       "contributor-token",
		Subject:     "alice",
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	return p
}

func TestUploadDataset(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "clinical_outcomes.csv")
	if err := os.WriteFile(csvPath, []byte("name,age\nann,31\n"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/datasets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer contributor-token" {
			t.Errorf("unexpected Authorization %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("title"); got != "clinical outcomes" {
			t.Errorf("expected derived title, got %q", got)
		}
		if got := r.FormValue("tags"); got != "clinical,2024" {
			t.Errorf("unexpected tags %q", got)
		}

		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		if hdr.Filename != "clinical_outcomes.csv" || string(body) != "name,age\nann,31\n" {
			t.Errorf("unexpected file %q: %q", hdr.Filename, body)
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.CreateDatasetResponse{DatasetID: "ds-1", FileURL: "mem://ds-1"})
	})

	opts := NewUploadOptions("")
	opts.Tags = []string{"clinical", "2024"}
	resp, err := p.UploadDataset(context.Background(), csvPath, opts)
	if err != nil {
		t.Fatalf("UploadDataset: %v", err)
	}
	if resp.DatasetID != "ds-1" {
		t.Fatalf("expected ds-1, got %q", resp.DatasetID)
	}
}

func TestUploadFromURL(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("url"); got != "https://example.com/files/survey.csv" {
			t.Errorf("unexpected url %q", got)
		}
		if got := r.FormValue("title"); got != "survey" {
			t.Errorf("unexpected title %q", got)
		}
		if _, _, err := r.FormFile("file"); err == nil {
			t.Error("expected no file part")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"dataset_id":"ds-2","file_url":"mem://ds-2"}`))
	})

	resp, err := p.UploadFromURL(context.Background(), "https://example.com/files/survey.csv", UploadOptions{})
	if err != nil {
		t.Fatalf("UploadFromURL: %v", err)
	}
	if resp.DatasetID != "ds-2" {
		t.Fatalf("expected ds-2, got %q", resp.DatasetID)
	}
}

func TestUploadFailureReturnsAPIError(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(csvPath, []byte("a\n1\n"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"You do not have permission to perform this action"}`))
	})

	_, err := p.UploadDataset(context.Background(), csvPath, NewUploadOptions("data"))
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *api.APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "You do not have permission to perform this action" {
		t.Fatalf("unexpected API error %+v", apiErr)
	}
	if !api.IsForbiddenError(err) {
		t.Fatal("expected forbidden error")
	}
}

func TestListMyDatasets(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("contributor_id"); got != "alice" {
			t.Errorf("expected contributor_id alice, got %q", got)
		}
		_ = json.NewEncoder(w).Encode([]types.Dataset{{ID: "ds-1", Title: "one", ContributorID: "alice"}})
	})

	datasets, err := p.ListMyDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListMyDatasets: %v", err)
	}
	if len(datasets) != 1 || datasets[0].ID != "ds-1" {
		t.Fatalf("unexpected datasets %+v", datasets)
	}
}

func TestManageDataset(t *testing.T) {
	var calls []string
	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method + " " + r.URL.Path {
		case "PATCH /datasets/ds-1":
			var upd types.DatasetUpdate
			if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
				t.Fatalf("decode update: %v", err)
			}
			if upd.Title == nil || *upd.Title != "renamed" || upd.Price != nil {
				t.Errorf("unexpected update %+v", upd)
			}
			_ = json.NewEncoder(w).Encode(types.Dataset{ID: "ds-1", Title: *upd.Title})
		case "POST /datasets/ds-1/cache/clear":
			_, _ = w.Write([]byte(`{"dataset_id":"ds-1","cleared":true}`))
		case "DELETE /datasets/ds-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	title := "renamed"
	d, err := p.UpdateDataset(ctx, "ds-1", types.DatasetUpdate{Title: &title})
	if err != nil {
		t.Fatalf("UpdateDataset: %v", err)
	}
	if d.Title != "renamed" {
		t.Fatalf("unexpected title %q", d.Title)
	}

	cleared, err := p.ClearCache(ctx, "ds-1")
	if err != nil || !cleared {
		t.Fatalf("ClearCache = %v, %v", cleared, err)
	}

	if err := p.DeleteDataset(ctx, "ds-1"); err != nil {
		t.Fatalf("DeleteDataset: %v", err)
	}

	if _, err := p.GetDataset(ctx, "missing"); !api.IsNotFoundError(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if len(calls) != 4 {
		t.Fatalf("expected 4 calls, got %v", calls)
	}
}

func TestDecideAccessRequests(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/datasets/ds-1/access-requests":
			_ = json.NewEncoder(w).Encode(types.AccessGrantsResponse{
				Grants: []types.AccessGrant{{ID: "g-1", DatasetID: "ds-1", RequesterID: "bob", Status: types.GrantPending}},
				Count:  1,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/access-requests/g-1/decision":
			var payload types.DecisionPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode decision: %v", err)
			}
			_ = json.NewEncoder(w).Encode(types.AccessGrant{ID: "g-1", Status: types.GrantStatus(payload.Status)})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	grants, err := p.ListAccessRequests(ctx, "ds-1")
	if err != nil {
		t.Fatalf("ListAccessRequests: %v", err)
	}
	if len(grants) != 1 || grants[0].RequesterID != "bob" {
		t.Fatalf("unexpected grants %+v", grants)
	}

	g, err := p.ApproveAccessRequest(ctx, "g-1")
	if err != nil {
		t.Fatalf("ApproveAccessRequest: %v", err)
	}
	if g.Status != types.GrantApproved {
		t.Fatalf("expected approved, got %q", g.Status)
	}

	g, err = p.DenyAccessRequest(ctx, "g-1")
	if err != nil {
		t.Fatalf("DenyAccessRequest: %v", err)
	}
	if g.Status != types.GrantDenied {
		t.Fatalf("expected denied, got %q", g.Status)
	}
}
