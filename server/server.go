// Package server exposes the dataroom over HTTP.
package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/analysis"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/export"
	"github.com/helix-tools/dataroom/ingest"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/registry"
	"github.com/helix-tools/dataroom/stream"
	"github.com/helix-tools/dataroom/types"
)

// Datasets is the registry surface used by the handlers.
type Datasets interface {
	Get(ctx context.Context, id string) (*types.Dataset, error)
	List(ctx context.Context, opts registry.ListOptions) ([]types.Dataset, error)
	Update(ctx context.Context, id string, upd types.DatasetUpdate) (*types.Dataset, error)
	Delete(ctx context.Context, id string) error
	IncrementViews(ctx context.Context, id string) error
}

// Ingester creates datasets.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*types.CreateDatasetResponse, error)
}

// Cache reports and drops cached contexts.
type Cache interface {
	Status(datasetID, credential string) (loaded, normalized bool)
	Invalidate(datasetID, credential string) (bool, error)
}

// Analyzer runs analysis operations.
type Analyzer interface {
	Analyze(ctx context.Context, datasetID, identity, credential string, req analysis.Request) (analysis.Result, error)
	Overview(ctx context.Context, datasetID, identity, credential string, normalize bool) (*analysis.Overview, bool, error)
}

// Filterer runs the streaming filter and reads its sessions.
type Filterer interface {
	Filter(ctx context.Context, datasetID, identity string, req types.FilterRequest) (*types.FilterResponse, error)
	Session(ctx context.Context, id, identity string) (*columnar.Frame, *stream.Stored, error)
	Materialize(ctx context.Context, datasetID, identity string) (*columnar.Frame, error)
}

// Exporter builds encrypted downloads.
type Exporter interface {
	Export(ctx context.Context, datasetID, identity string, req export.Request) (*export.Result, error)
}

// Access manages access requests and purchases.
type Access interface {
	RequestAccess(ctx context.Context, datasetID, requester, message string) (*types.AccessGrant, error)
	Grant(ctx context.Context, id string) (*types.AccessGrant, error)
	Decide(ctx context.Context, id, decidedBy, status string) (*types.AccessGrant, error)
	ListGrants(ctx context.Context, datasetID string) ([]types.AccessGrant, error)
	RecordPurchase(ctx context.Context, buyer, datasetID string) (*types.Purchase, error)
}

// Deps are the components served.
type Deps struct {
	Datasets Datasets
	Ingester Ingester
	Cache    Cache
	Analyzer Analyzer
	Filterer Filterer
	Exporter Exporter
	Access   Access
}

// Config holds HTTP settings.
type Config struct {
	JWTSecret      string
	MaxUploadBytes int64
}

// Server routes requests to the dataroom components.
type Server struct {
	deps     Deps
	secret   []byte
	maxBody  int64
	requests *prometheus.CounterVec
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// New returns a server. Metrics are registered on reg and served from it
// when reg is non-nil.
func New(cfg Config, deps Deps, reg *prometheus.Registry, log *zap.Logger) *Server {
	maxBody := cfg.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = ingest.DefaultMaxBytes
	}
	s := &Server{
		deps:    deps,
		secret:  []byte(cfg.JWTSecret),
		maxBody: maxBody + 1<<20,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		log: logging.OrNop(log),
	}
	if reg != nil {
		reg.MustRegister(s.requests)
		s.gatherer = reg
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.countRequests)
	router.HandleFunc("/healthz", s.getHealth).Methods("GET").Name("GetHealth")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET").Name("GetMetrics")
	}

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/datasets", s.requireRole(s.postDataset, types.RoleContributor, types.RoleAdmin)).Methods("POST").Name("PostDataset")
	api.HandleFunc("/datasets", s.getDatasets).Methods("GET").Name("GetDatasets")
	api.HandleFunc("/datasets/{id}", s.getDataset).Methods("GET").Name("GetDataset")
	api.HandleFunc("/datasets/{id}", s.patchDataset).Methods("PATCH").Name("PatchDataset")
	api.HandleFunc("/datasets/{id}", s.deleteDataset).Methods("DELETE").Name("DeleteDataset")
	api.HandleFunc("/datasets/{id}/cache/clear", s.postCacheClear).Methods("POST").Name("PostCacheClear")

	api.HandleFunc("/datasets/{id}/analyze", s.getAnalyze).Methods("GET").Name("GetAnalyze")
	api.HandleFunc("/datasets/{id}/filter", s.postFilter).Methods("POST").Name("PostFilter")
	api.HandleFunc("/datasets/{id}/pre-analysis", s.getPreAnalysis).Methods("GET").Name("GetPreAnalysis")
	api.HandleFunc("/datasets/{id}/descriptive", s.getDescriptive).Methods("GET").Name("GetDescriptive")
	api.HandleFunc("/datasets/{id}/download", s.getDownload).Methods("GET").Name("GetDownload")

	api.HandleFunc("/datasets/{id}/access-requests", s.postAccessRequest).Methods("POST").Name("PostAccessRequest")
	api.HandleFunc("/datasets/{id}/access-requests", s.getAccessRequests).Methods("GET").Name("GetAccessRequests")
	api.HandleFunc("/access-requests/{id}/decision", s.postDecision).Methods("POST").Name("PostDecision")
	api.HandleFunc("/datasets/{id}/purchases", s.requireRole(s.postPurchase, types.RolePayments)).Methods("POST").Name("PostPurchase")

	var h http.Handler = router
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.log)), handlers.PrintRecoveryStack(false))(h)
	return h
}

// GET /healthz
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
