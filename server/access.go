package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/helix-tools/dataroom/access"
	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

// POST /datasets/{id}/access-requests
func (s *Server) postAccessRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.deps.Datasets.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req types.CreateAccessRequestPayload
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	g, err := s.deps.Access.RequestAccess(ctx, d.ID, identityFrom(ctx).Subject, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GET /datasets/{id}/access-requests
func (s *Server) getAccessRequests(w http.ResponseWriter, r *http.Request) {
	d, err := s.manageable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grants, err := s.deps.Access.ListGrants(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.AccessGrantsResponse{Grants: grants, Count: len(grants)})
}

// POST /access-requests/{id}/decision
func (s *Server) postDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)
	g, err := s.deps.Access.Grant(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.deps.Datasets.Get(ctx, g.DatasetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !access.CanManage(id, d) {
		s.writeError(w, r, apperr.New(apperr.NotAuthorized, "You do not have permission to decide this request"))
		return
	}
	var req types.DecisionPayload
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Access.Decide(ctx, g.ID, id.Subject, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /datasets/{id}/purchases
func (s *Server) postPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.deps.Datasets.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req types.CreatePurchasePayload
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	buyer := strings.TrimSpace(req.BuyerID)
	if buyer == "" {
		s.writeError(w, r, apperr.New(apperr.BadRequest, "buyer_id is required"))
		return
	}
	p, err := s.deps.Access.RecordPurchase(ctx, buyer, d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
