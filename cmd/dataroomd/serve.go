package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/access"
	"github.com/helix-tools/dataroom/analysis"
	"github.com/helix-tools/dataroom/cache"
	"github.com/helix-tools/dataroom/config"
	"github.com/helix-tools/dataroom/envelope"
	"github.com/helix-tools/dataroom/export"
	"github.com/helix-tools/dataroom/ingest"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/objectstore"
	"github.com/helix-tools/dataroom/registry"
	"github.com/helix-tools/dataroom/server"
	"github.com/helix-tools/dataroom/stream"
)

const (
	fetchRetries = 3
	fetchTimeout = 10 * time.Minute
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on.")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log, _, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		if awsCfg, err = cfg.LoadAWS(ctx); err != nil {
			return err
		}
		arn, err := config.ValidateCredentials(ctx, sts.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		log.Info("aws credentials validated", zap.String("arn", arn))
		if err := cfg.ApplySSM(ctx, ssm.NewFromConfig(awsCfg)); err != nil {
			return err
		}
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	db, err := registry.OpenDB(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := registry.Migrate(ctx, db); err != nil {
		return err
	}
	if err := access.Migrate(ctx, db); err != nil {
		return err
	}

	store, err := newStore(cfg, awsCfg, log)
	if err != nil {
		return err
	}
	var keys envelope.Keyring = envelope.Plain{}
	if cfg.KMS.KeyID != "" {
		keys = envelope.NewKMS(kms.NewFromConfig(awsCfg), cfg.KMS.KeyID)
	}
	vault := envelope.NewVault(store, keys, cfg.Storage.Prefix)

	sessions, closeSessions, err := newSessions(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	var publisher ingest.Publisher
	if cfg.SQS.QueueURL != "" {
		publisher = ingest.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg := registry.New(db, log.Named("registry"))
	grants := access.NewStore(db, log.Named("access"))
	authority := access.NewAuthority(grants, grants)

	c, err := cache.New(cache.Config{Size: cfg.Cache.Size, Shards: cfg.Cache.Shards},
		reg, authority, vault, cache.NewMetrics(promReg), log.Named("cache"))
	if err != nil {
		return err
	}
	defer c.Close()
	reg.OnDelete(func(id string) { c.InvalidateDataset(id) })

	srv := server.New(server.Config{JWTSecret: cfg.Auth.JWTSecret, MaxUploadBytes: cfg.Ingest.MaxUploadBytes}, server.Deps{
		Datasets: reg,
		Ingester: ingest.New(ingest.Config{MaxBytes: cfg.Ingest.MaxUploadBytes}, vault, reg,
			ingest.NewFetcher(fetchRetries, fetchTimeout, log.Named("fetch")), publisher, promReg, log.Named("ingest")),
		Cache:    c,
		Analyzer: analysis.NewDispatcher(authority, c, log.Named("analysis")),
		Filterer: stream.New(stream.Config{TTL: cfg.Session.TTL, MaxBytes: cfg.Session.MaxBytes},
			reg, authority, vault, sessions, log.Named("stream")),
		Exporter: export.New(reg, authority, vault, reg, cfg.Export.Workers, promReg, log.Named("export")),
		Access:   grants,
	}, promReg, log.Named("http"))

	hs := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("version", version))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func newStore(cfg config.Config, awsCfg aws.Config, log *zap.Logger) (objectstore.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
				o.UsePathStyle = true
			}
		})
		return objectstore.NewRetrying(objectstore.NewS3(client, cfg.Storage.Bucket), objectstore.DefaultMaxRetries, log.Named("objectstore")), nil
	case "memory":
		log.Warn("using in-memory object store; datasets are lost on restart")
		return objectstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

func newSessions(ctx context.Context, cfg config.Config) (stream.Store, func(), error) {
	if cfg.Session.Backend == "redis" {
		rs, err := stream.DialRedis(ctx, cfg.Session.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
	return stream.NewMemoryStore(), func() {}, nil
}
