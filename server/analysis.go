package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/helix-tools/dataroom/analysis"
	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/export"
	"github.com/helix-tools/dataroom/types"
)

// GET /datasets/{id}/analyze
func (s *Server) getAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	req := analysis.Request{
		Op:        q.Get("op"),
		Column:    q.Get("column"),
		Column1:   q.Get("column1"),
		Column2:   q.Get("column2"),
		Normalize: boolParam(r, "normalize"),
	}
	if col := q.Get("filter_column"); col != "" {
		req.Filter = &types.Filter{Column: col, Operator: q.Get("filter_operator"), Value: q.Get("filter_value")}
	}

	res, err := s.deps.Analyzer.Analyze(ctx, mux.Vars(r)["id"], identityFrom(ctx).Subject, credentialFrom(ctx), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /datasets/{id}/filter
func (s *Server) postFilter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.FilterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Filterer.Filter(ctx, mux.Vars(r)["id"], identityFrom(ctx).Subject, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// materialize returns the rows of a filter session when session_id is set,
// and the whole freshly streamed dataset otherwise.
func (s *Server) materialize(r *http.Request) (*columnar.Frame, error) {
	ctx := r.Context()
	datasetID := mux.Vars(r)["id"]
	identity := identityFrom(ctx).Subject

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		return s.deps.Filterer.Materialize(ctx, datasetID, identity)
	}
	f, stored, err := s.deps.Filterer.Session(ctx, sessionID, identity)
	if err != nil {
		return nil, err
	}
	if stored.DatasetID != datasetID {
		return nil, apperr.Newf(apperr.NotFound, "Session '%s' not found", sessionID)
	}
	return f, nil
}

// GET /datasets/{id}/pre-analysis
func (s *Server) getPreAnalysis(w http.ResponseWriter, r *http.Request) {
	f, err := s.materialize(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ov, err := analysis.OverviewOf(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// GET /datasets/{id}/descriptive
func (s *Server) getDescriptive(w http.ResponseWriter, r *http.Request) {
	f, err := s.materialize(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	desc, err := analysis.DescribeFrame(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// GET /datasets/{id}/download
func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	req := export.Request{Columns: splitList(q["columns"])}
	if v := strings.TrimSpace(q.Get("max_rows")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.Newf(apperr.BadRequest, "Invalid max_rows '%s'", v))
			return
		}
		req.MaxRows = n
	}

	res, err := s.deps.Exporter.Export(ctx, mux.Vars(r)["id"], identityFrom(ctx).Subject, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/gzip")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	h.Set("X-Processing-Time", fmt.Sprintf("%.3f", res.ProcessingTime.Seconds()))
	h.Set("X-Compression-Ratio", fmt.Sprintf("%.2f", res.CompressionRatio))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}
