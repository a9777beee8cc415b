// Package analysis runs statistical operations against cached dataset
// contexts.
package analysis

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/cache"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/engine"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/types"
)

// Operation names.
const (
	OpMean        = "mean"
	OpMedian      = "median"
	OpMode        = "mode"
	OpTTest       = "t_test"
	OpChiSquare   = "chi_square"
	OpANOVA       = "anova"
	OpPearson     = "pearson"
	OpSpearman    = "spearman"
	OpCorrelation = "correlation"
	OpDescriptive = "descriptive"
	OpPreAnalysis = "pre_analysis"
)

// Request is one analysis call.
type Request struct {
	Op        string
	Column    string
	Column1   string
	Column2   string
	Filter    *types.Filter
	Normalize bool
}

// Authorizer decides read access.
type Authorizer interface {
	Authorize(ctx context.Context, identity, datasetID string) error
}

// Loader hands out leases on cached query contexts.
type Loader interface {
	Ensure(ctx context.Context, datasetID, identity, credential string, normalize bool) (*cache.Lease, error)
}

type kernel func(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error

type operation struct {
	arity int
	// numeric lists operand positions that must be numeric columns.
	numeric []int
	run     kernel
}

var operations = map[string]operation{
	OpMean:        {arity: 1, numeric: []int{0}, run: aggregateKernel("avg")},
	OpMedian:      {arity: 1, numeric: []int{0}, run: aggregateKernel("median")},
	OpMode:        {arity: 1, run: modeKernel},
	OpTTest:       {arity: 2, numeric: []int{0, 1}, run: tTestKernel},
	OpChiSquare:   {arity: 2, run: chiSquareKernel},
	OpANOVA:       {arity: 2, numeric: []int{0}, run: anovaKernel},
	OpPearson:     {arity: 2, numeric: []int{0, 1}, run: correlationKernel(OpPearson)},
	OpSpearman:    {arity: 2, numeric: []int{0, 1}, run: correlationKernel(OpSpearman)},
	OpCorrelation: {arity: 2, numeric: []int{0, 1}, run: correlationKernel(OpPearson)},
	OpDescriptive: {run: descriptiveKernel},
	OpPreAnalysis: {run: preAnalysisKernel},
}

// ParseOp normalizes an operation name.
func ParseOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	return strings.ReplaceAll(op, "-", "_")
}

// Dispatcher validates and routes analysis requests.
type Dispatcher struct {
	auth   Authorizer
	loader Loader
	log    *zap.Logger
}

// NewDispatcher returns a dispatcher.
func NewDispatcher(auth Authorizer, loader Loader, log *zap.Logger) *Dispatcher {
	return &Dispatcher{auth: auth, loader: loader, log: logging.OrNop(log)}
}

// Analyze authorizes the caller, loads the dataset context, validates the
// operands and filter, and runs the operation.
func (d *Dispatcher) Analyze(ctx context.Context, datasetID, identity, credential string, req Request) (Result, error) {
	if err := d.auth.Authorize(ctx, identity, datasetID); err != nil {
		return nil, err
	}
	name := ParseOp(req.Op)
	op, ok := operations[name]
	if !ok {
		return nil, apperr.Newf(apperr.BadRequest, "Unknown operation '%s'", req.Op)
	}
	operands, err := operandsOf(name, op, req)
	if err != nil {
		return nil, err
	}

	lease, err := d.loader.Ensure(ctx, datasetID, identity, credential, req.Normalize)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	qc := lease.Context()
	schema := qc.Schema()

	for _, c := range operands {
		if _, ok := schema.Lookup(c); !ok {
			return nil, apperr.Newf(apperr.BadRequest, "Column '%s' not found", c)
		}
	}
	for _, i := range op.numeric {
		if t, _ := schema.Lookup(operands[i]); !t.Numeric() {
			return nil, numericRequired(name)
		}
	}
	var filter *columnar.Filter
	if req.Filter != nil {
		if filter, err = columnar.CompileFilter(schema, *req.Filter); err != nil {
			return nil, err
		}
	}

	b := newBuilder(name, lease.Normalized())
	switch len(operands) {
	case 1:
		b.set("column", operands[0])
	case 2:
		b.set("columns", operands)
	}

	start := time.Now()
	if err := op.run(ctx, qc, b, operands, filter); err != nil {
		return nil, err
	}
	d.log.Debug("analysis complete",
		zap.String("dataset_id", datasetID),
		zap.String("op", name),
		zap.Duration("took", time.Since(start)))
	return b.result(), nil
}

func operandsOf(name string, op operation, req Request) ([]string, error) {
	switch op.arity {
	case 1:
		c := strings.TrimSpace(req.Column)
		if c == "" {
			if len(op.numeric) > 0 {
				return nil, numericRequired(name)
			}
			return nil, apperr.Newf(apperr.BadRequest, "Column required for %s", name)
		}
		return []string{c}, nil
	case 2:
		c1, c2 := strings.TrimSpace(req.Column1), strings.TrimSpace(req.Column2)
		if c1 == "" || c2 == "" {
			return nil, apperr.Newf(apperr.BadRequest, "column1 and column2 required for %s", name)
		}
		return []string{c1, c2}, nil
	}
	return nil, nil
}

func numericRequired(op string) error {
	return apperr.Newf(apperr.BadRequest, "Numeric column required for %s", op)
}

// Overview loads the dataset context for the caller and summarizes it. It
// also reports whether the context was built with normalization.
func (d *Dispatcher) Overview(ctx context.Context, datasetID, identity, credential string, normalize bool) (*Overview, bool, error) {
	if err := d.auth.Authorize(ctx, identity, datasetID); err != nil {
		return nil, false, err
	}
	lease, err := d.loader.Ensure(ctx, datasetID, identity, credential, normalize)
	if err != nil {
		return nil, false, err
	}
	defer lease.Release()
	ov, err := PreAnalysis(ctx, lease.Context())
	if err != nil {
		return nil, false, err
	}
	return ov, lease.Normalized(), nil
}
