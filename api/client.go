package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/helix-tools/dataroom/types"
)

// Client calls the dataroom API with a bearer token. When AWS keys are
// configured, requests are also SigV4 signed for an IAM-authorized gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	subject    string
	awsConfig  *aws.Config
	region     string
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Response is a raw successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewClient creates a client for baseURL acting as creds.
func NewClient(ctx context.Context, baseURL string, creds Credentials, region string) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		token:      creds.Token,
		subject:    creds.Subject,
		region:     region,
	}

	if creds.AWSAccessKeyID != "" {
		awsCfg, err := NewAWSConfig(ctx, creds, region)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS config: %w", err)
		}
		c.awsConfig = &awsCfg
	}

	return c, nil
}

// NewTestClient creates a new API client for testing, using the test configuration.
func NewTestClient(t *testing.T, cfg TestConfig, creds Credentials) *Client {
	t.Helper()

	client, err := NewClient(context.Background(), cfg.BaseURL, creds, cfg.Region)
	if err != nil {
		t.Fatalf("failed to create test client: %v", err)
	}

	return client
}

// Subject returns the identity the client's token was issued to.
func (c *Client) Subject() string {
	return c.subject
}

// BaseURL returns the base URL of the API.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send performs an authenticated request and returns the raw response.
// Non-2xx responses are returned as *APIError.
func (c *Client) Send(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	apiURL, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if err := c.sign(ctx, req, body); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}

		var errResp types.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Message = errResp.Error
		}

		return nil, apiErr
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// sign adds a SigV4 signature when AWS credentials are configured.
func (c *Client) sign(ctx context.Context, req *http.Request, body []byte) error {
	if c.awsConfig == nil {
		return nil
	}

	creds, err := c.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve credentials: %w", err)
	}

	payloadHash := types.EmptyPayloadHash
	if body != nil {
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
	}

	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, "execute-api", c.region, time.Now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	return nil
}

// Request makes an authenticated JSON request.
func (c *Client) Request(ctx context.Context, method, path string, body, result any) error {
	var (
		data        []byte
		contentType string
		err         error
	)

	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		contentType = "application/json"
	}

	resp, err := c.Send(ctx, method, path, contentType, data)
	if err != nil {
		return err
	}

	if result != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// Get makes an authenticated GET request.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	return c.Request(ctx, http.MethodGet, path, nil, result)
}

// Post makes an authenticated POST request.
func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	return c.Request(ctx, http.MethodPost, path, body, result)
}

// Patch makes an authenticated PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body, result any) error {
	return c.Request(ctx, http.MethodPatch, path, body, result)
}

// Delete makes an authenticated DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Request(ctx, http.MethodDelete, path, nil, nil)
}

// File is a file part of a multipart request.
type File struct {
	Field    string
	Name     string
	Contents io.Reader
}

// PostMultipart sends fields and an optional file as multipart form data.
func (c *Client) PostMultipart(ctx context.Context, path string, fields map[string]string, file *File, result any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	if file != nil {
		fw, err := mw.CreateFormFile(file.Field, file.Name)
		if err != nil {
			return fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := io.Copy(fw, file.Contents); err != nil {
			return fmt.Errorf("failed to write file part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	resp, err := c.Send(ctx, http.MethodPost, path, mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}

	return 0
}

// IsNotFoundError checks if an error is a 404 Not Found error.
func IsNotFoundError(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsForbiddenError checks if an error is a 403 Forbidden error.
func IsForbiddenError(err error) bool {
	return statusOf(err) == http.StatusForbidden
}

// IsConflictError checks if an error is a 409 Conflict error.
func IsConflictError(err error) bool {
	return statusOf(err) == http.StatusConflict
}

// IsBadRequestError checks if an error is a 400 Bad Request error.
func IsBadRequestError(err error) bool {
	return statusOf(err) == http.StatusBadRequest
}
