// Package api provides an authenticated client and integration test
// utilities for the dataroom API.
//
// It includes the HTTP client, test configuration loading and cleanup
// utilities for resources created by integration tests.
package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// DefaultAPIEndpoint is the default API endpoint for a local server.
const DefaultAPIEndpoint = "http://localhost:8080"

// DefaultRegion is the default AWS region.
const DefaultRegion = "us-east-1"

// Credentials identify an API caller.
type Credentials struct {
	// Subject is the token's "sub" claim.
	Subject string
	Token   string

	// AWS keys are only needed behind an IAM-authorized gateway.
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	// BaseURL is the API endpoint (e.g., http://localhost:8080).
	BaseURL string

	// Region is the AWS region used for request signing.
	Region string

	// ContributorCredentials upload and manage datasets.
	ContributorCredentials Credentials

	// ResearcherCredentials request access and analyze.
	ResearcherCredentials Credentials

	// PaymentsCredentials record purchases.
	PaymentsCredentials Credentials

	// TestDatasetID is an optional known dataset ID.
	TestDatasetID string
}

// LoadTestConfig loads test configuration from environment variables:
//   - DATAROOM_TEST_BASE_URL: API endpoint; integration tests skip when unset
//   - DATAROOM_TEST_REGION: AWS region (default: us-east-1)
//   - DATAROOM_TEST_{CONTRIBUTOR,RESEARCHER,PAYMENTS}_TOKEN and _SUBJECT
//   - DATAROOM_TEST_AWS_ACCESS_KEY_ID, DATAROOM_TEST_AWS_SECRET_ACCESS_KEY: optional signing keys
//   - DATAROOM_TEST_DATASET_ID: optional dataset ID
func LoadTestConfig(t *testing.T) TestConfig {
	t.Helper()

	cfg := TestConfig{
		BaseURL: os.Getenv("DATAROOM_TEST_BASE_URL"),
		Region:  getEnvOrDefault("DATAROOM_TEST_REGION", DefaultRegion),
	}
	if cfg.BaseURL == "" {
		t.Skip("DATAROOM_TEST_BASE_URL not set")
	}

	cfg.ContributorCredentials = credentialsFromEnv("CONTRIBUTOR")
	cfg.ResearcherCredentials = credentialsFromEnv("RESEARCHER")
	cfg.PaymentsCredentials = credentialsFromEnv("PAYMENTS")
	cfg.TestDatasetID = os.Getenv("DATAROOM_TEST_DATASET_ID")

	return cfg
}

func credentialsFromEnv(role string) Credentials {
	return Credentials{
		Subject:            os.Getenv("DATAROOM_TEST_" + role + "_SUBJECT"),
		Token:              os.Getenv("DATAROOM_TEST_" + role + "_TOKEN"),
		AWSAccessKeyID:     os.Getenv("DATAROOM_TEST_AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("DATAROOM_TEST_AWS_SECRET_ACCESS_KEY"),
	}
}

func requireCredentials(t *testing.T, role string, c Credentials) {
	t.Helper()

	if c.Token == "" {
		t.Skipf("DATAROOM_TEST_%s_TOKEN not set", role)
	}

	if c.Subject == "" {
		t.Skipf("DATAROOM_TEST_%s_SUBJECT not set", role)
	}
}

// RequireContributorCredentials skips the test unless contributor credentials are set.
func (c TestConfig) RequireContributorCredentials(t *testing.T) {
	t.Helper()
	requireCredentials(t, "CONTRIBUTOR", c.ContributorCredentials)
}

// RequireResearcherCredentials skips the test unless researcher credentials are set.
func (c TestConfig) RequireResearcherCredentials(t *testing.T) {
	t.Helper()
	requireCredentials(t, "RESEARCHER", c.ResearcherCredentials)
}

// RequirePaymentsCredentials skips the test unless payments credentials are set.
func (c TestConfig) RequirePaymentsCredentials(t *testing.T) {
	t.Helper()
	requireCredentials(t, "PAYMENTS", c.PaymentsCredentials)
}

// LoadTokenFromSSM reads a bearer token stored at <prefix>/tokens/<name>
// using the given shared config profile.
func LoadTokenFromSSM(ctx context.Context, profile, prefix, name string) (string, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(DefaultRegion)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	param := fmt.Sprintf("%s/tokens/%s", strings.TrimRight(prefix, "/"), name)
	resp, err := ssm.NewFromConfig(awsCfg).GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get %s from SSM: %w", param, err)
	}

	return aws.ToString(resp.Parameter.Value), nil
}

// NewAWSConfig creates an AWS config with static credentials.
func NewAWSConfig(ctx context.Context, creds Credentials, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AWSAccessKeyID,
			creds.AWSSecretAccessKey,
			"",
		)),
	)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultValue
}
