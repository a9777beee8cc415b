package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/helix-tools/dataroom/apperr"
)

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 stores objects in a single bucket.
type S3 struct {
	client S3API
	bucket string
}

// NewS3 returns a store backed by bucket.
func NewS3(client S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, length int64, contentType string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
		Tagging:     aws.String("Component=storage&Purpose=dataset-storage"),
	}
	if length >= 0 {
		in.ContentLength = aws.Int64(length)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", classify(err, key)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, key)
	}
	return out.Body, nil
}

// Locate accepts s3://bucket/key and virtual-hosted https URLs.
func (s *S3) Locate(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid object URL: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host != s.bucket {
			return "", fmt.Errorf("object %s is outside bucket %s", raw, s.bucket)
		}
	case "https":
		if !strings.HasPrefix(u.Host, s.bucket+".") {
			return "", fmt.Errorf("object %s is outside bucket %s", raw, s.bucket)
		}
	default:
		return "", fmt.Errorf("unsupported object URL scheme %q", u.Scheme)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

// classify maps S3 failures to error kinds. Missing keys are NotFound, client
// faults are Internal and everything else is Unavailable and may be retried.
func classify(err error, key string) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return apperr.Wrap(apperr.NotFound, err, fmt.Sprintf("object %s not found", key))
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return apperr.Wrap(apperr.NotFound, err, fmt.Sprintf("object %s not found", key))
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return fmt.Errorf("object store rejected request for %s: %w", key, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.Unavailable, err, "object store unavailable")
}
