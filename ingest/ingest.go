// Package ingest turns uploaded or remote CSV files into registered,
// encrypted datasets.
package ingest

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/envelope"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/registry"
	"github.com/helix-tools/dataroom/types"
)

// DefaultMaxBytes bounds a single upload.
const DefaultMaxBytes int64 = 512 << 20

// Input is one ingestion request. Exactly one of Body and URL is set.
type Input struct {
	Filename       string
	Body           io.Reader
	URL            string
	Title          string
	Category       string
	Description    string
	Price          float64
	Tags           []string
	ContributorID  string
	OrganizationID string
}

// Sealer encrypts and stores blobs.
type Sealer interface {
	Put(ctx context.Context, filename string, plain []byte) (*envelope.Sealed, error)
}

// Registrar records new datasets.
type Registrar interface {
	Create(ctx context.Context, d *types.Dataset) error
}

// Remote downloads files referenced by URL.
type Remote interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Config holds ingestor settings.
type Config struct {
	MaxBytes int64
}

// Ingestor runs the ingestion pipeline.
type Ingestor struct {
	sealer    Sealer
	registrar Registrar
	remote    Remote
	publisher Publisher
	maxBytes  int64
	duration  prometheus.Histogram
	log       *zap.Logger
}

// New returns an ingestor. remote and publisher may be nil.
func New(cfg Config, sealer Sealer, registrar Registrar, remote Remote, publisher Publisher, reg prometheus.Registerer, log *zap.Logger) *Ingestor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dataroom", Subsystem: "ingest", Name: "duration_seconds",
		Help:    "Time to ingest a dataset.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	if reg != nil {
		reg.MustRegister(h)
	}
	return &Ingestor{
		sealer:    sealer,
		registrar: registrar,
		remote:    remote,
		publisher: publisher,
		maxBytes:  cfg.MaxBytes,
		duration:  h,
		log:       logging.OrNop(log),
	}
}

// Ingest stores in and registers it. The dataset row is written last, so a
// failure at any step leaves no dataset behind.
func (i *Ingestor) Ingest(ctx context.Context, in Input) (*types.CreateDatasetResponse, error) {
	start := time.Now()
	d := &types.Dataset{
		Title:          strings.TrimSpace(in.Title),
		Category:       strings.TrimSpace(in.Category),
		Description:    strings.TrimSpace(in.Description),
		Price:          in.Price,
		Tags:           in.Tags,
		ContributorID:  in.ContributorID,
		OrganizationID: in.OrganizationID,
	}
	if err := registry.Validate(d); err != nil {
		return nil, err
	}

	raw, name, err := i.source(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.New(apperr.BadRequest, "uploaded file is empty")
	}

	frame, err := columnar.DecodeCSV(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	blob, err := columnar.EncodeParquet(frame)
	if err != nil {
		return nil, err
	}
	sealed, err := i.sealer.Put(ctx, name, blob)
	if err != nil {
		return nil, err
	}

	d.Location = sealed.URL
	d.Key = sealed.StoredKey
	d.SizeBytes = sealed.SizeBytes
	d.NumberOfRows = int64(frame.Rows())
	d.Schema = frame.Schema()
	if err := i.registrar.Create(ctx, d); err != nil {
		return nil, err
	}

	ev := Event{
		Type:           EventDatasetCreated,
		DatasetID:      d.ID,
		Title:          d.Title,
		ContributorID:  d.ContributorID,
		OrganizationID: d.OrganizationID,
		Rows:           d.NumberOfRows,
		SizeBytes:      d.SizeBytes,
		CreatedAt:      d.CreatedAt,
	}
	if err := i.publisher.Publish(ctx, ev); err != nil {
		i.log.Warn("failed to publish ingestion event", zap.String("dataset_id", d.ID), zap.Error(err))
	}

	took := time.Since(start)
	i.duration.Observe(took.Seconds())
	i.log.Info("dataset ingested",
		zap.String("dataset_id", d.ID),
		zap.Int64("rows", d.NumberOfRows),
		zap.Int("columns", len(d.Schema)),
		zap.Int64("size_bytes", d.SizeBytes),
		zap.Duration("took", took))
	return &types.CreateDatasetResponse{DatasetID: d.ID, FileURL: d.Location}, nil
}

func (i *Ingestor) source(ctx context.Context, in Input) ([]byte, string, error) {
	switch {
	case in.Body != nil:
		raw, err := readLimited(in.Body, i.maxBytes)
		return raw, fileName(in.Filename, ""), err
	case strings.TrimSpace(in.URL) != "":
		if i.remote == nil {
			return nil, "", apperr.New(apperr.BadRequest, "Remote uploads are not enabled")
		}
		raw, err := i.remote.Fetch(ctx, in.URL, i.maxBytes)
		return raw, fileName(in.Filename, in.URL), err
	}
	return nil, "", apperr.New(apperr.BadRequest, "Either a file or a url is required")
}

func fileName(name, url string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if url != "" {
		if base := path.Base(strings.SplitN(url, "?", 2)[0]); base != "." && base != "/" {
			return base
		}
	}
	return "dataset.csv"
}
