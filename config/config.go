// Package config loads service configuration from defaults, an optional
// YAML file, DATAROOM_ environment variables and, optionally, AWS SSM.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DATAROOM"

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	AWS     AWSConfig     `mapstructure:"aws"`
	KMS     KMSConfig     `mapstructure:"kms"`
	SQS     SQSConfig     `mapstructure:"sqs"`
	SSM     SSMConfig     `mapstructure:"ssm"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Session SessionConfig `mapstructure:"session"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Export  ExportConfig  `mapstructure:"export"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // memory or s3
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

type KMSConfig struct {
	KeyID string `mapstructure:"key_id"`
}

type SQSConfig struct {
	QueueURL string `mapstructure:"queue_url"`
}

type SSMConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type CacheConfig struct {
	Size   int `mapstructure:"size"`
	Shards int `mapstructure:"shards"`
}

type SessionConfig struct {
	Backend  string        `mapstructure:"backend"` // memory or redis
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type IngestConfig struct {
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

type ExportConfig struct {
	Workers int `mapstructure:"workers"`
}

// SetDefaults registers every key with its default so env overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "file:dataroom.db?_foreign_keys=on")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "encrypted/")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("kms.key_id", "")
	v.SetDefault("sqs.queue_url", "")
	v.SetDefault("ssm.prefix", "")
	v.SetDefault("cache.size", 100)
	v.SetDefault("cache.shards", 1)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.redis_url", "")
	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.max_bytes", int64(64<<20))
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("ingest.max_upload_bytes", int64(512<<20))
	v.SetDefault("export.workers", 8)
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if c.Storage.Bucket == "" && c.SSM.Prefix == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return fmt.Errorf("session.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported session backend %q", c.Session.Backend)
	}
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.Cache.Size < 1 {
		return fmt.Errorf("cache.size must be positive")
	}
	if c.Cache.Shards < 1 || c.Cache.Shards > c.Cache.Size {
		return fmt.Errorf("cache.shards must be between 1 and cache.size")
	}
	if c.Export.Workers < 1 {
		return fmt.Errorf("export.workers must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	return nil
}

// UsesAWS reports whether any configured backend needs AWS credentials.
func (c Config) UsesAWS() bool {
	return c.Storage.Backend == "s3" || c.KMS.KeyID != "" || c.SQS.QueueURL != "" || c.SSM.Prefix != ""
}

// LoadAWS builds the AWS SDK config for the configured region and profile.
func (c Config) LoadAWS(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.AWS.Region)}
	if c.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// ParameterGetter is the subset of the SSM client used for overrides.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ApplySSM overrides the bucket, KMS key and JWT secret with values stored
// under c.SSM.Prefix. Missing parameters leave the current value in place.
func (c *Config) ApplySSM(ctx context.Context, client ParameterGetter) error {
	if c.SSM.Prefix == "" {
		return nil
	}
	prefix := strings.TrimRight(c.SSM.Prefix, "/")

	targets := []struct {
		name string
		dst  *string
	}{
		{"s3_bucket", &c.Storage.Bucket},
		{"kms_key_id", &c.KMS.KeyID},
		{"jwt_secret", &c.Auth.JWTSecret},
	}
	for _, t := range targets {
		param := fmt.Sprintf("%s/%s", prefix, t.name)
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(param),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			var nf *ssmtypes.ParameterNotFound
			if errors.As(err, &nf) {
				continue
			}
			return fmt.Errorf("failed to get %s from SSM: %w", param, err)
		}
		if out.Parameter != nil && out.Parameter.Value != nil {
			*t.dst = *out.Parameter.Value
		}
	}
	return nil
}

// CallerIdentifier is the subset of the STS client used to validate credentials.
type CallerIdentifier interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ValidateCredentials fails when the ambient AWS credentials are rejected.
// It returns the caller ARN.
func ValidateCredentials(ctx context.Context, client CallerIdentifier) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("invalid AWS credentials: %w", err)
	}
	return aws.ToString(out.Arn), nil
}
