package access

import (
	"context"
	"fmt"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

// GrantLookup exposes the access request state machine.
type GrantLookup interface {
	Lookup(ctx context.Context, identity, datasetID string) (*types.AccessGrant, error)
}

// PurchaseLedger exposes recorded purchases.
type PurchaseLedger interface {
	Exists(ctx context.Context, identity, datasetID string) (bool, error)
}

// Authority answers read and export permission questions.
type Authority struct {
	grants    GrantLookup
	purchases PurchaseLedger
}

// NewAuthority returns an authority over the given collaborators.
func NewAuthority(grants GrantLookup, purchases PurchaseLedger) *Authority {
	return &Authority{grants: grants, purchases: purchases}
}

// HasAccess is true iff identity holds an approved grant on the dataset.
// Owners are not exempt.
func (a *Authority) HasAccess(ctx context.Context, identity, datasetID string) (bool, error) {
	g, err := a.grants.Lookup(ctx, identity, datasetID)
	if err != nil {
		return false, fmt.Errorf("failed to look up grant: %w", err)
	}
	return g != nil && g.Status == types.GrantApproved, nil
}

// HasPaid is true when the dataset is free or identity purchased it.
func (a *Authority) HasPaid(ctx context.Context, identity string, d *types.Dataset) (bool, error) {
	if d.Free() {
		return true, nil
	}
	ok, err := a.purchases.Exists(ctx, identity, d.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return ok, nil
}

// Authorize fails with NotAuthorized unless HasAccess holds.
func (a *Authority) Authorize(ctx context.Context, identity, datasetID string) error {
	ok, err := a.HasAccess(ctx, identity, datasetID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotAuthorized, "You do not have access to this dataset")
	}
	return nil
}

// AuthorizeExport additionally requires payment for priced datasets.
func (a *Authority) AuthorizeExport(ctx context.Context, identity string, d *types.Dataset) error {
	if err := a.Authorize(ctx, identity, d.ID); err != nil {
		return err
	}
	ok, err := a.HasPaid(ctx, identity, d)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotAuthorized, "This dataset must be purchased before download")
	}
	return nil
}

// CanManage reports whether id may edit a dataset or decide its access
// requests: admins, the contributor, or a contributor of the owning organization.
func CanManage(id types.Identity, d *types.Dataset) bool {
	if id.HasRole(types.RoleAdmin) {
		return true
	}
	if d.ContributorID == id.Subject {
		return true
	}
	return d.OrganizationID != "" && d.OrganizationID == id.Organization && id.HasRole(types.RoleContributor)
}
