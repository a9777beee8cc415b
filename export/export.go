// Package export builds homomorphically encrypted dataset downloads.
package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/he"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/types"
)

const (
	// DefaultWorkers bounds the column encryption pool.
	DefaultWorkers = 8
	// MaxCategoricalBatch and MaxNumericBatch bound the values per
	// ciphertext before the slot cap applies.
	MaxCategoricalBatch = 8192
	MaxNumericBatch     = 4096
)

// Datasets resolves dataset metadata.
type Datasets interface {
	Get(ctx context.Context, id string) (*types.Dataset, error)
}

// Authorizer decides export permission.
type Authorizer interface {
	AuthorizeExport(ctx context.Context, identity string, d *types.Dataset) error
}

// Source returns the decrypted columnar blob of a dataset.
type Source interface {
	Fetch(ctx context.Context, d *types.Dataset) ([]byte, error)
}

// DownloadCounter records completed exports.
type DownloadCounter interface {
	IncrementDownloads(ctx context.Context, id string) error
}

// Request selects what to export.
type Request struct {
	Columns []string
	MaxRows int
}

// Result is a finished export.
type Result struct {
	Body             []byte
	Filename         string
	RawBytes         int
	ProcessingTime   time.Duration
	CompressionRatio float64
}

// Exporter runs the export pipeline.
type Exporter struct {
	datasets Datasets
	auth     Authorizer
	source   Source
	counter  DownloadCounter
	workers  int
	duration prometheus.Histogram
	log      *zap.Logger
}

// New returns an exporter. counter may be nil.
func New(datasets Datasets, auth Authorizer, source Source, counter DownloadCounter, workers int, reg prometheus.Registerer, log *zap.Logger) *Exporter {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dataroom", Subsystem: "export", Name: "duration_seconds",
		Help:    "Time to build an encrypted export.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	if reg != nil {
		reg.MustRegister(h)
	}
	return &Exporter{datasets: datasets, auth: auth, source: source, counter: counter, workers: workers, duration: h, log: logging.OrNop(log)}
}

// Export authorizes the caller, decodes the dataset and returns the gzipped
// envelope. No partial envelope is ever returned.
func (e *Exporter) Export(ctx context.Context, datasetID, identity string, req Request) (*Result, error) {
	start := time.Now()
	d, err := e.datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.AuthorizeExport(ctx, identity, d); err != nil {
		return nil, err
	}
	blob, err := e.source.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	frame, err := columnar.DecodeParquet(ctx, blob)
	if err != nil {
		return nil, err
	}
	frame = Select(frame, req)

	env, err := Build(ctx, frame, e.workers)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	body, err := Compress(raw)
	if err != nil {
		return nil, err
	}

	if e.counter != nil {
		if err := e.counter.IncrementDownloads(ctx, d.ID); err != nil {
			e.log.Warn("failed to count download", zap.String("dataset_id", d.ID), zap.Error(err))
		}
	}

	took := time.Since(start)
	e.duration.Observe(took.Seconds())
	res := &Result{
		Body:           body,
		Filename:       Filename(d.Title),
		RawBytes:       len(raw),
		ProcessingTime: took,
	}
	if len(body) > 0 {
		res.CompressionRatio = float64(len(raw)) / float64(len(body))
	}
	e.log.Info("export built",
		zap.String("dataset_id", d.ID),
		zap.Int("rows", env.RowCount),
		zap.Int("columns", len(env.Schema)),
		zap.Int("bytes", len(body)),
		zap.Duration("took", took))
	return res, nil
}

// Select keeps the first MaxRows rows and the requested columns that exist,
// in request order. Unknown columns are ignored; an empty selection keeps
// every column.
func Select(f *columnar.Frame, req Request) *columnar.Frame {
	if req.MaxRows > 0 {
		f = f.Head(req.MaxRows)
	}
	if len(req.Columns) == 0 {
		return f
	}
	var keep []string
	seen := map[string]bool{}
	for _, c := range req.Columns {
		c = strings.TrimSpace(c)
		if _, ok := f.Column(c); ok && !seen[c] {
			seen[c] = true
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		return f
	}
	out, _ := f.Project(keep)
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename derives the download name from a dataset title.
func Filename(title string) string {
	base := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(title), "_"), "_")
	if base == "" {
		base = "dataset"
	}
	return base + "_encrypted.json.gz"
}

// Compress gzips b at the best compression level.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Encoded is one column mapped to reals.
type Encoded struct {
	Kind   string
	Values []float64
	// Categories lists the labels in index order for categorical columns.
	Categories []string
}

// Encode maps a column to the vector that gets encrypted. Text and
// categorical columns become indexes into their sorted distinct values;
// everything else becomes its numeric value. Nulls encode as 0.
func Encode(c *columnar.Column) Encoded {
	if c.Type == types.TypeText || c.Type == types.TypeCategorical || hasStrings(c) {
		set := map[string]struct{}{}
		for _, v := range c.Values {
			if !columnar.IsNull(v) {
				set[fmt.Sprint(columnar.JSONValue(v))] = struct{}{}
			}
		}
		cats := make([]string, 0, len(set))
		for k := range set {
			cats = append(cats, k)
		}
		sort.Strings(cats)
		index := make(map[string]float64, len(cats))
		for i, k := range cats {
			index[k] = float64(i)
		}
		out := make([]float64, len(c.Values))
		for i, v := range c.Values {
			if !columnar.IsNull(v) {
				out[i] = index[fmt.Sprint(columnar.JSONValue(v))]
			}
		}
		return Encoded{Kind: types.EncodingCategorical, Values: out, Categories: cats}
	}

	out := make([]float64, len(c.Values))
	for i, v := range c.Values {
		if x, ok := columnar.ToFloat(v); ok {
			out[i] = x
		}
	}
	return Encoded{Kind: types.EncodingNumeric, Values: out}
}

// hasStrings checks a prefix of the column for string values.
func hasStrings(c *columnar.Column) bool {
	n := len(c.Values)
	if n > 100 {
		n = 100
	}
	for _, v := range c.Values[:n] {
		if _, ok := v.(string); ok {
			return true
		}
	}
	return false
}

// BatchSize returns the values per ciphertext for a column of length n.
func BatchSize(kind string, n, slots int) int {
	limit := MaxNumericBatch
	if kind == types.EncodingCategorical {
		limit = MaxCategoricalBatch
	}
	return min(limit, n, slots)
}

type columnResult struct {
	batches []string
	info    types.EncodingInfo
	size    int64
}

// Build encrypts every column of f under a fresh CKKS context. Columns are
// encrypted by at most min(workers, columns) goroutines.
func Build(ctx context.Context, f *columnar.Frame, workers int) (*types.ExportEnvelope, error) {
	hc, err := he.NewContext()
	if err != nil {
		return nil, err
	}
	return build(ctx, hc, f, workers)
}

func build(ctx context.Context, hc *he.Context, f *columnar.Frame, workers int) (*types.ExportEnvelope, error) {
	serialized, err := hc.Serialize()
	if err != nil {
		return nil, err
	}

	results := make([]columnResult, len(f.Columns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(workers, len(f.Columns))))
	for i, c := range f.Columns {
		g.Go(func() error {
			r, err := encryptColumn(gctx, hc.Encryptor(), c, hc.Slots())
			if err != nil {
				return fmt.Errorf("failed to encrypt column %s: %w", c.Name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	env := &types.ExportEnvelope{
		EncryptedColumns: make(map[string][]string, len(f.Columns)),
		Context:          serialized,
		Schema:           f.Schema(),
		EncodingInfo:     make(map[string]types.EncodingInfo, len(f.Columns)),
		RowCount:         f.Rows(),
		ColumnSizes:      make(map[string]int64, len(f.Columns)),
	}
	for i, c := range f.Columns {
		env.EncryptedColumns[c.Name] = results[i].batches
		env.EncodingInfo[c.Name] = results[i].info
		env.ColumnSizes[c.Name] = results[i].size
	}
	return env, nil
}

func encryptColumn(ctx context.Context, enc *he.Encryptor, c *columnar.Column, slots int) (columnResult, error) {
	e := Encode(c)
	n := len(e.Values)
	size := BatchSize(e.Kind, n, slots)
	res := columnResult{
		batches: []string{},
		info:    types.EncodingInfo{Type: e.Kind, BatchSize: size, OriginalLength: n},
	}
	if size == 0 {
		return res, nil
	}
	for off := 0; off < n; off += size {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch := make([]float64, size)
		copy(batch, e.Values[off:min(off+size, n)])
		ct, err := enc.Encrypt(batch)
		if err != nil {
			return res, err
		}
		res.batches = append(res.batches, base64.StdEncoding.EncodeToString(ct))
		res.size += int64(len(ct))
	}
	res.info.Batches = len(res.batches)
	return res, nil
}
