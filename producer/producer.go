// Package producer is the contributor side of the dataroom SDK: uploading
// datasets, maintaining their metadata and deciding access requests.
package producer

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/helix-tools/dataroom/api"
	"github.com/helix-tools/dataroom/types"
)

// Producer uploads and manages datasets on behalf of a contributor.
type Producer struct {
	client  *api.Client
	subject string
}

// NewProducer creates a new producer client.
func NewProducer(ctx context.Context, cfg types.Config) (*Producer, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = api.DefaultAPIEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = api.DefaultRegion
	}

	client, err := api.NewClient(ctx, cfg.APIEndpoint, api.Credentials{
		Subject:            cfg.Subject,
		Token:              cfg.Token,
		AWSAccessKeyID:     cfg.AWSAccessKeyID,
		AWSSecretAccessKey: cfg.AWSSecretAccessKey,
	}, cfg.Region)
	if err != nil {
		return nil, err
	}

	return &Producer{client: client, subject: cfg.Subject}, nil
}

// UploadDataset uploads the CSV file at filePath.
//
//	opts := producer.NewUploadOptions("Clinical outcomes 2024")
//	opts.Tags = []string{"clinical"}
//	resp, err := p.UploadDataset(ctx, "/path/to/outcomes.csv", opts)
//
// When opts.Title is empty the title is derived from the file name.
func (p *Producer) UploadDataset(ctx context.Context, filePath string, opts UploadOptions) (*types.CreateDatasetResponse, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("file is empty: %s (no data to upload)", filePath)
	}

	name := filepath.Base(filePath)
	if opts.Title == "" {
		opts.Title = titleFromFile(name)
	}

	return p.upload(ctx, opts, &api.File{Field: "file", Name: name, Contents: bytes.NewReader(data)})
}

// UploadFromURL asks the service to fetch the dataset from a public URL.
// Google Drive and Dropbox share links are accepted.
func (p *Producer) UploadFromURL(ctx context.Context, fileURL string, opts UploadOptions) (*types.CreateDatasetResponse, error) {
	if fileURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if opts.Title == "" {
		u, err := url.Parse(fileURL)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		opts.Title = titleFromFile(filepath.Base(u.Path))
	}
	opts.url = fileURL

	return p.upload(ctx, opts, nil)
}

func (p *Producer) upload(ctx context.Context, opts UploadOptions, file *api.File) (*types.CreateDatasetResponse, error) {
	fields, err := opts.formFields()
	if err != nil {
		return nil, err
	}

	var resp types.CreateDatasetResponse
	if err := p.client.PostMultipart(ctx, "/datasets", fields, file, &resp); err != nil {
		return nil, fmt.Errorf("failed to upload dataset: %w", err)
	}

	return &resp, nil
}

// ListMyDatasets lists the datasets uploaded by this producer.
func (p *Producer) ListMyDatasets(ctx context.Context) ([]types.Dataset, error) {
	if p.subject == "" {
		return nil, fmt.Errorf("subject is required to list own datasets")
	}

	var datasets []types.Dataset
	path := "/datasets?contributor_id=" + url.QueryEscape(p.subject)
	if err := p.client.Get(ctx, path, &datasets); err != nil {
		return nil, err
	}

	return datasets, nil
}

// GetDataset returns a dataset with its overview.
func (p *Producer) GetDataset(ctx context.Context, datasetID string) (*types.DatasetDetail, error) {
	var detail types.DatasetDetail
	if err := p.client.Get(ctx, "/datasets/"+url.PathEscape(datasetID), &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}

// UpdateDataset changes the non-nil attributes of update.
func (p *Producer) UpdateDataset(ctx context.Context, datasetID string, update types.DatasetUpdate) (*types.Dataset, error) {
	var d types.Dataset
	if err := p.client.Patch(ctx, "/datasets/"+url.PathEscape(datasetID), update, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// DeleteDataset soft-deletes a dataset and evicts it from the service cache.
func (p *Producer) DeleteDataset(ctx context.Context, datasetID string) error {
	return p.client.Delete(ctx, "/datasets/"+url.PathEscape(datasetID))
}

// ClearCache evicts a dataset from the service cache and reports whether
// anything was loaded.
func (p *Producer) ClearCache(ctx context.Context, datasetID string) (bool, error) {
	var resp struct {
		Cleared bool `json:"cleared"`
	}
	if err := p.client.Post(ctx, "/datasets/"+url.PathEscape(datasetID)+"/cache/clear", nil, &resp); err != nil {
		return false, err
	}

	return resp.Cleared, nil
}

// ListAccessRequests lists the access requests for one of the producer's datasets.
func (p *Producer) ListAccessRequests(ctx context.Context, datasetID string) ([]types.AccessGrant, error) {
	var resp types.AccessGrantsResponse
	if err := p.client.Get(ctx, "/datasets/"+url.PathEscape(datasetID)+"/access-requests", &resp); err != nil {
		return nil, err
	}

	return resp.Grants, nil
}

// ApproveAccessRequest approves a pending access request.
func (p *Producer) ApproveAccessRequest(ctx context.Context, requestID string) (*types.AccessGrant, error) {
	return p.decide(ctx, requestID, types.GrantApproved)
}

// DenyAccessRequest denies a pending access request.
func (p *Producer) DenyAccessRequest(ctx context.Context, requestID string) (*types.AccessGrant, error) {
	return p.decide(ctx, requestID, types.GrantDenied)
}

func (p *Producer) decide(ctx context.Context, requestID string, status types.GrantStatus) (*types.AccessGrant, error) {
	var g types.AccessGrant
	payload := types.DecisionPayload{Status: string(status)}
	if err := p.client.Post(ctx, "/access-requests/"+url.PathEscape(requestID)+"/decision", payload, &g); err != nil {
		return nil, err
	}

	return &g, nil
}
