package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/access"
	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/ingest"
	"github.com/helix-tools/dataroom/registry"
	"github.com/helix-tools/dataroom/types"
)

const multipartMemory = 32 << 20

// POST /datasets
func (s *Server) postDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, apperr.Newf(apperr.BadRequest, "Upload exceeds the %d byte limit", tooBig.Limit))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.BadRequest, err, "Request must be multipart form data"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	price, err := parsePrice(r.FormValue("price"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in := ingest.Input{
		URL:            r.FormValue("url"),
		Title:          r.FormValue("title"),
		Category:       r.FormValue("category"),
		Description:    r.FormValue("description"),
		Price:          price,
		Tags:           splitList(r.MultipartForm.Value["tags"]),
		ContributorID:  id.Subject,
		OrganizationID: id.Organization,
	}

	file, hdr, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.Body, in.Filename = file, hdr.Filename
	case !errors.Is(err, http.ErrMissingFile):
		s.writeError(w, r, apperr.Wrap(apperr.BadRequest, err, "Could not read the uploaded file"))
		return
	}

	resp, err := s.deps.Ingester.Ingest(ctx, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func parsePrice(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Newf(apperr.BadRequest, "Invalid price '%s'", v)
	}
	return p, nil
}

// splitList flattens repeated and comma separated form values.
func splitList(values []string) []string {
	return lo.FlatMap(values, func(v string, _ int) []string {
		return lo.Filter(strings.Split(v, ","), func(s string, _ int) bool {
			return strings.TrimSpace(s) != ""
		})
	})
}

// GET /datasets
func (s *Server) getDatasets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Datasets.List(r.Context(), registry.ListOptions{
		ContributorID:  q.Get("contributor_id"),
		OrganizationID: q.Get("organization_id"),
		Category:       q.Get("category"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /datasets/{id}
//
// Callers without access get the metadata with no overview.
func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := mux.Vars(r)["id"]
	id := identityFrom(ctx)
	cred := credentialFrom(ctx)

	d, err := s.deps.Datasets.Get(ctx, datasetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Datasets.IncrementViews(ctx, d.ID); err != nil {
		s.log.Warn("failed to count view", zap.String("dataset_id", d.ID), zap.Error(err))
	} else {
		d.Counters.ViewCount++
	}

	detail := types.DatasetDetail{Dataset: *d, Overview: json.RawMessage("null")}
	ov, normalized, err := s.deps.Analyzer.Overview(ctx, d.ID, id.Subject, cred, boolParam(r, "normalize"))
	switch {
	case err == nil:
		raw, err := json.Marshal(ov)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		detail.Overview = raw
		detail.Normalized = normalized
	case apperr.Is(err, apperr.NotAuthorized):
	default:
		s.writeError(w, r, err)
		return
	}
	detail.IsLoaded, _ = s.deps.Cache.Status(d.ID, cred)
	writeJSON(w, http.StatusOK, detail)
}

// manageable loads the dataset and checks the caller may change it.
func (s *Server) manageable(r *http.Request) (*types.Dataset, error) {
	d, err := s.deps.Datasets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if !access.CanManage(identityFrom(r.Context()), d) {
		return nil, apperr.New(apperr.NotAuthorized, "You do not have permission to modify this dataset")
	}
	return d, nil
}

// PATCH /datasets/{id}
func (s *Server) patchDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.manageable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var upd types.DatasetUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Datasets.Update(r.Context(), d.ID, upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DELETE /datasets/{id}
func (s *Server) deleteDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.manageable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Datasets.Delete(r.Context(), d.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /datasets/{id}/cache/clear
func (s *Server) postCacheClear(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["id"]
	cleared, err := s.deps.Cache.Invalidate(datasetID, credentialFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset_id": datasetID, "cleared": cleared})
}

func boolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
