package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 100, cfg.Cache.Size)
	require.Equal(t, 1, cfg.Cache.Shards)
	require.Equal(t, time.Hour, cfg.Session.TTL)
	require.Equal(t, int64(64<<20), cfg.Session.MaxBytes)
	require.Equal(t, "encrypted/", cfg.Storage.Prefix)
	require.Equal(t, 8, cfg.Export.Workers)
	require.False(t, cfg.UsesAWS())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataroom.yaml")
	yaml := "cache:\n  size: 10\n  shards: 2\nsession:\n  ttl: 30m\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("DATAROOM_LOG_LEVEL", "warn")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Cache.Size)
	require.Equal(t, 2, cfg.Cache.Shards)
	require.Equal(t, 30*time.Minute, cfg.Session.TTL)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	base, err := Load(New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }},
		{"redis without url", func(c *Config) { c.Session.Backend = "redis" }},
		{"zero cache", func(c *Config) { c.Cache.Size = 0 }},
		{"too many shards", func(c *Config) { c.Cache.Shards = 200 }},
		{"bad driver", func(c *Config) { c.DB.Driver = "oracle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

type fakeSSM map[string]string

func (f fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestApplySSM(t *testing.T) {
	cfg := Config{
		SSM:     SSMConfig{Prefix: "/dataroom/prod/"},
		Storage: StorageConfig{Bucket: "from-file"},
		Auth:    AuthConfig{JWTSecret: "local"},
	}
	client := fakeSSM{
		"/dataroom/prod/s3_bucket":  "prod-bucket",
		"/dataroom/prod/kms_key_id": "alias/dataroom",
	}

	require.NoError(t, cfg.ApplySSM(context.Background(), client))
	require.Equal(t, "prod-bucket", cfg.Storage.Bucket)
	require.Equal(t, "alias/dataroom", cfg.KMS.KeyID)
	require.Equal(t, "local", cfg.Auth.JWTSecret)
}

type fakeSTS struct{ err error }

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Arn: aws.String("arn:aws:iam::123456789012:user/dataroom")}, nil
}

func TestValidateCredentials(t *testing.T) {
	arn, err := ValidateCredentials(context.Background(), fakeSTS{})
	require.NoError(t, err)
	require.Contains(t, arn, "user/dataroom")

	_, err = ValidateCredentials(context.Background(), fakeSTS{err: errors.New("expired token")})
	require.Error(t, err)
}
