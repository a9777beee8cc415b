// Package consumer is the researcher side of the dataroom SDK: discovering
// datasets, requesting access, running analyses and downloading encrypted
// exports.
package consumer

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/helix-tools/dataroom/api"
	"github.com/helix-tools/dataroom/types"
)

type Consumer struct {
	client   *api.Client
	sqs      SQSAPI
	queueURL string
}

type Config struct {
	types.Config

	// QueueURL is the SQS queue receiving dataset.created events. Leave
	// empty to disable PollNotifications.
	QueueURL string
}

// Result is the JSON body of an analysis endpoint.
type Result map[string]any

// AnalyzeOptions select an operation of GET /datasets/{id}/analyze.
type AnalyzeOptions struct {
	Op        string
	Column    string
	Column1   string
	Column2   string
	Filter    *types.Filter
	Normalize bool
}

// DownloadOptions narrow an encrypted export.
type DownloadOptions struct {
	Columns []string
	// MaxRows of zero exports every row.
	MaxRows int
}

// Download is a gzip compressed export envelope.
type Download struct {
	Filename         string
	Body             []byte
	ProcessingTime   time.Duration
	CompressionRatio float64
}

func NewConsumer(ctx context.Context, cfg Config) (*Consumer, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = api.DefaultAPIEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = api.DefaultRegion
	}

	creds := api.Credentials{
		Subject:            cfg.Subject,
		Token:              cfg.Token,
		AWSAccessKeyID:     cfg.AWSAccessKeyID,
		AWSSecretAccessKey: cfg.AWSSecretAccessKey,
	}
	client, err := api.NewClient(ctx, cfg.APIEndpoint, creds, cfg.Region)
	if err != nil {
		return nil, err
	}

	c := &Consumer{client: client, queueURL: cfg.QueueURL}
	if cfg.QueueURL != "" {
		awsCfg, err := loadAWSConfig(ctx, creds, cfg.Region)
		if err != nil {
			return nil, err
		}
		c.sqs = sqs.NewFromConfig(awsCfg)
	}

	return c, nil
}

func loadAWSConfig(ctx context.Context, creds api.Credentials, region string) (aws.Config, error) {
	if creds.AWSAccessKeyID != "" {
		return api.NewAWSConfig(ctx, creds, region)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// ListDatasets lists active datasets, optionally narrowed to a category.
func (c *Consumer) ListDatasets(ctx context.Context, category string) ([]types.Dataset, error) {
	path := "/datasets"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}

	var datasets []types.Dataset
	if err := c.client.Get(ctx, path, &datasets); err != nil {
		return nil, err
	}

	return datasets, nil
}

// GetDataset returns a dataset. The overview is null until access is granted.
func (c *Consumer) GetDataset(ctx context.Context, datasetID string) (*types.DatasetDetail, error) {
	var detail types.DatasetDetail
	if err := c.client.Get(ctx, datasetPath(datasetID, ""), &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}

// RequestAccess asks the dataset owner for access.
func (c *Consumer) RequestAccess(ctx context.Context, datasetID, message string) (*types.AccessGrant, error) {
	var g types.AccessGrant
	payload := types.CreateAccessRequestPayload{Message: message}
	if err := c.client.Post(ctx, datasetPath(datasetID, "/access-requests"), payload, &g); err != nil {
		return nil, err
	}

	return &g, nil
}

// Analyze runs one analysis operation on the service side.
func (c *Consumer) Analyze(ctx context.Context, datasetID string, opts AnalyzeOptions) (Result, error) {
	q := url.Values{}
	q.Set("op", opts.Op)
	for key, v := range map[string]string{"column": opts.Column, "column1": opts.Column1, "column2": opts.Column2} {
		if v != "" {
			q.Set(key, v)
		}
	}
	if opts.Filter != nil {
		q.Set("filter_column", opts.Filter.Column)
		q.Set("filter_operator", opts.Filter.Operator)
		q.Set("filter_value", fmt.Sprint(opts.Filter.Value))
	}
	if opts.Normalize {
		q.Set("normalize", "true")
	}

	var res Result
	if err := c.client.Get(ctx, datasetPath(datasetID, "/analyze")+"?"+q.Encode(), &res); err != nil {
		return nil, err
	}

	return res, nil
}

// Filter runs a filter pipeline and opens a session holding its rows.
func (c *Consumer) Filter(ctx context.Context, datasetID string, req types.FilterRequest) (*types.FilterResponse, error) {
	var resp types.FilterResponse
	if err := c.client.Post(ctx, datasetPath(datasetID, "/filter"), req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// PreAnalysis summarizes the rows of a filter session, or the whole dataset
// when sessionID is empty.
func (c *Consumer) PreAnalysis(ctx context.Context, datasetID, sessionID string) (Result, error) {
	return c.summary(ctx, datasetID, "/pre-analysis", sessionID)
}

// Descriptive returns per-column statistics of a filter session, or of the
// whole dataset when sessionID is empty.
func (c *Consumer) Descriptive(ctx context.Context, datasetID, sessionID string) (Result, error) {
	return c.summary(ctx, datasetID, "/descriptive", sessionID)
}

func (c *Consumer) summary(ctx context.Context, datasetID, suffix, sessionID string) (Result, error) {
	path := datasetPath(datasetID, suffix)
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}

	var res Result
	if err := c.client.Get(ctx, path, &res); err != nil {
		return nil, err
	}

	return res, nil
}

// Download fetches the encrypted export of a dataset.
func (c *Consumer) Download(ctx context.Context, datasetID string, opts DownloadOptions) (*Download, error) {
	q := url.Values{}
	if len(opts.Columns) > 0 {
		q.Set("columns", strings.Join(opts.Columns, ","))
	}
	if opts.MaxRows > 0 {
		q.Set("max_rows", strconv.Itoa(opts.MaxRows))
	}
	path := datasetPath(datasetID, "/download")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.client.Send(ctx, "GET", path, "", nil)
	if err != nil {
		return nil, err
	}

	d := &Download{Filename: filenameOf(resp.Header.Get("Content-Disposition")), Body: resp.Body}
	if secs, err := strconv.ParseFloat(resp.Header.Get("X-Processing-Time"), 64); err == nil {
		d.ProcessingTime = time.Duration(secs * float64(time.Second))
	}
	if ratio, err := strconv.ParseFloat(resp.Header.Get("X-Compression-Ratio"), 64); err == nil {
		d.CompressionRatio = ratio
	}

	return d, nil
}

// DownloadDataset downloads the encrypted export to outputPath.
func (c *Consumer) DownloadDataset(ctx context.Context, datasetID, outputPath string, opts DownloadOptions) (*Download, error) {
	d, err := c.Download(ctx, datasetID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to download dataset: %w", err)
	}
	if err := os.WriteFile(outputPath, d.Body, 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return d, nil
}

func datasetPath(datasetID, suffix string) string {
	return "/datasets/" + url.PathEscape(datasetID) + suffix
}

// filenameOf extracts the filename parameter of a Content-Disposition header.
func filenameOf(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
