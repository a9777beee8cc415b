// Package stream filters and cleans datasets chunk by chunk and keeps the
// result as a short-lived session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/stats"
	"github.com/helix-tools/dataroom/types"
)

const (
	DefaultTTL         = time.Hour
	DefaultMaxBytes    = 64 << 20
	DefaultPreviewRows = 100
)

// Normalization methods.
const (
	MinMax = "min_max"
	ZScore = "z_score"
)

// Datasets resolves dataset metadata.
type Datasets interface {
	Get(ctx context.Context, id string) (*types.Dataset, error)
}

// Authorizer decides read access.
type Authorizer interface {
	Authorize(ctx context.Context, identity, datasetID string) error
}

// Source returns the decrypted columnar blob of a dataset.
type Source interface {
	Fetch(ctx context.Context, d *types.Dataset) ([]byte, error)
}

// Config tunes the pipeline.
type Config struct {
	TTL         time.Duration
	MaxBytes    int64
	ChunkRows   int
	PreviewRows int
}

// Pipeline runs streaming filters.
type Pipeline struct {
	datasets Datasets
	auth     Authorizer
	source   Source
	sessions Store
	cfg      Config
	log      *zap.Logger
}

// New returns a pipeline. Zero config fields take their defaults.
func New(cfg Config, datasets Datasets, auth Authorizer, source Source, sessions Store, log *zap.Logger) *Pipeline {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = columnar.DefaultChunkRows
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	return &Pipeline{datasets: datasets, auth: auth, source: source, sessions: sessions, cfg: cfg, log: logging.OrNop(log)}
}

// NormalizeName lower-cases a column name and joins its words with "_".
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "_"))
}

// plan is a request validated against a dataset schema.
type plan struct {
	schema   types.Schema
	filters  []*columnar.Filter
	columns  []string
	auto     types.AutomatedFilters
	fill     any
	hasFill  bool
	normMode string
}

func normalizeSchema(s types.Schema) (types.Schema, error) {
	out := make(types.Schema, len(s))
	seen := make(map[string]string, len(s))
	for i, f := range s {
		n := NormalizeName(f.Name)
		if prev, ok := seen[n]; ok {
			return nil, apperr.Newf(apperr.BadRequest, "Columns '%s' and '%s' collide after normalization", prev, f.Name)
		}
		seen[n] = f.Name
		out[i] = types.Field{Name: n, Type: f.Type}
	}
	return out, nil
}

func compile(schema types.Schema, req types.FilterRequest) (*plan, error) {
	p := &plan{schema: schema, auto: req.AutomatedFilters}
	for _, f := range req.Filters {
		f.Column = NormalizeName(f.Column)
		cf, err := columnar.CompileFilter(schema, f)
		if err != nil {
			return nil, err
		}
		p.filters = append(p.filters, cf)
	}

	if len(req.Columns) == 0 {
		p.columns = schema.Names()
	} else {
		seen := map[string]bool{}
		for _, c := range req.Columns {
			n := NormalizeName(c)
			if _, ok := schema.Lookup(n); !ok {
				return nil, apperr.Newf(apperr.BadRequest, "Column '%s' not found", c)
			}
			if !seen[n] {
				seen[n] = true
				p.columns = append(p.columns, n)
			}
		}
	}

	switch m := strings.TrimSpace(req.Cleaning.Normalize); m {
	case "", MinMax, ZScore:
		p.normMode = m
	default:
		return nil, apperr.Newf(apperr.BadRequest, "Invalid normalization '%s'", req.Cleaning.Normalize)
	}
	if req.Cleaning.HandleMissingValues != nil {
		p.fill, p.hasFill = req.Cleaning.HandleMissingValues, true
	}
	return p, nil
}

// Filter streams the dataset through req and stores the surviving rows as
// a session owned by identity. Nothing is stored when any step fails.
func (p *Pipeline) Filter(ctx context.Context, datasetID, identity string, req types.FilterRequest) (*types.FilterResponse, error) {
	start := time.Now()
	frame, err := p.run(ctx, datasetID, identity, req)
	if err != nil {
		return nil, err
	}

	data, err := columnar.EncodeParquet(frame)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.cfg.MaxBytes {
		return nil, apperr.Newf(apperr.BadRequest, "Filtered result is %d bytes, over the %d byte session limit", len(data), p.cfg.MaxBytes)
	}
	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	if err := p.sessions.Put(ctx, id, &Stored{Owner: identity, DatasetID: datasetID, Data: data}, p.cfg.TTL); err != nil {
		return nil, err
	}

	p.log.Info("filter session created",
		zap.String("dataset_id", datasetID),
		zap.Int("rows", frame.Rows()),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))

	return &types.FilterResponse{
		FilteredData: frame.Head(p.cfg.PreviewRows).Records(),
		RowCount:     frame.Rows(),
		Columns:      frame.Schema(),
		SessionID:    id,
		ExpiresIn:    int64(p.cfg.TTL / time.Second),
	}, nil
}

// Session materializes a session created by identity. Sessions of other
// identities are reported as missing.
func (p *Pipeline) Session(ctx context.Context, id, identity string) (*columnar.Frame, *Stored, error) {
	s, err := p.sessions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.Owner != identity {
		return nil, nil, sessionNotFound(id)
	}
	f, err := columnar.DecodeParquet(ctx, s.Data)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

// Materialize streams the whole dataset with no filters.
func (p *Pipeline) Materialize(ctx context.Context, datasetID, identity string) (*columnar.Frame, error) {
	return p.run(ctx, datasetID, identity, types.FilterRequest{})
}

func (p *Pipeline) run(ctx context.Context, datasetID, identity string, req types.FilterRequest) (*columnar.Frame, error) {
	if err := p.auth.Authorize(ctx, identity, datasetID); err != nil {
		return nil, err
	}
	d, err := p.datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	blob, err := p.source.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	r, err := columnar.NewChunkReader(ctx, blob, p.cfg.ChunkRows)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	schema, err := normalizeSchema(r.Schema())
	if err != nil {
		return nil, err
	}
	pl, err := compile(schema, req)
	if err != nil {
		return nil, err
	}

	out := columnar.NewFrame(projectSchema(schema, pl.columns))
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for i, c := range chunk.Columns {
			c.Name = schema[i].Name
		}
		chunk, err = pl.apply(chunk, seen)
		if err != nil {
			return nil, err
		}
		if err := out.Append(chunk); err != nil {
			return nil, fmt.Errorf("failed to accumulate chunk: %w", err)
		}
	}
	return pl.clean(out), nil
}

func projectSchema(s types.Schema, cols []string) types.Schema {
	out := make(types.Schema, 0, len(cols))
	for _, c := range cols {
		t, _ := s.Lookup(c)
		out = append(out, types.Field{Name: c, Type: t})
	}
	return out
}

// apply runs filters, automated flags and projection on one chunk.
// Duplicates are tracked across chunks in seen; outlier bounds are computed
// within the chunk only.
func (pl *plan) apply(chunk *columnar.Frame, seen map[string]struct{}) (*columnar.Frame, error) {
	for _, f := range pl.filters {
		chunk = f.Apply(chunk)
	}
	if pl.auto.RemoveMissingValues {
		chunk = chunk.DropNA()
	}
	if pl.auto.RemoveDuplicates {
		keep := make([]int, 0, chunk.Rows())
		for i := 0; i < chunk.Rows(); i++ {
			k := columnar.RowKey(chunk.Row(i))
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keep = append(keep, i)
		}
		chunk = chunk.Take(keep)
	}
	if pl.auto.RemoveOutliers {
		chunk = pl.dropOutliers(chunk)
	}
	return chunk.Project(pl.columns)
}

// dropOutliers keeps rows inside every numeric column's 1.5 IQR fences.
// All fences come from the untrimmed chunk, so column order does not matter.
func (pl *plan) dropOutliers(chunk *columnar.Frame) *columnar.Frame {
	type fence struct {
		col    *columnar.Column
		lo, hi float64
	}
	var fences []fence
	for _, name := range pl.columns {
		col, ok := chunk.Column(name)
		if !ok || !col.Type.Numeric() {
			continue
		}
		vals := col.Floats()
		if len(vals) == 0 {
			continue
		}
		q1, q3 := stats.Quartiles(vals)
		iqr := q3 - q1
		fences = append(fences, fence{col: col, lo: q1 - 1.5*iqr, hi: q3 + 1.5*iqr})
	}
	if len(fences) == 0 {
		return chunk
	}

	keep := make([]int, 0, chunk.Rows())
rows:
	for i := 0; i < chunk.Rows(); i++ {
		for _, f := range fences {
			x, ok := columnar.ToFloat(f.col.Values[i])
			if !ok || x < f.lo || x > f.hi {
				continue rows
			}
		}
		keep = append(keep, i)
	}
	return chunk.Take(keep)
}

// clean fills missing values and rescales numeric columns over the
// accumulated rows.
func (pl *plan) clean(f *columnar.Frame) *columnar.Frame {
	if pl.hasFill {
		for _, c := range f.Columns {
			v, err := columnar.ParseValue(fillString(pl.fill), c.Type)
			if err != nil || v == nil {
				continue
			}
			for i := range c.Values {
				if columnar.IsNull(c.Values[i]) {
					c.Values[i] = v
				}
			}
		}
	}
	if pl.normMode == "" {
		return f
	}
	for _, c := range f.Columns {
		if !c.Type.Numeric() {
			continue
		}
		vals := c.Floats()
		scale := scaler(pl.normMode, vals)
		for i, v := range c.Values {
			if x, ok := columnar.ToFloat(v); ok {
				c.Values[i] = scale(x)
			}
		}
		c.Type = types.TypeReal
	}
	return f
}

func scaler(mode string, vals []float64) func(float64) float64 {
	if len(vals) == 0 {
		return func(x float64) float64 { return x }
	}
	switch mode {
	case MinMax:
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vals {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		if hi == lo {
			return func(float64) float64 { return 0 }
		}
		return func(x float64) float64 { return (x - lo) / (hi - lo) }
	default:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		mean := sum / float64(len(vals))
		if len(vals) < 2 {
			return func(float64) float64 { return 0 }
		}
		var ss float64
		for _, v := range vals {
			ss += (v - mean) * (v - mean)
		}
		std := math.Sqrt(ss / float64(len(vals)-1))
		if std == 0 {
			return func(float64) float64 { return 0 }
		}
		return func(x float64) float64 { return (x - mean) / std }
	}
}

func fillString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
	}
	return fmt.Sprint(v)
}
