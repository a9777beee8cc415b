// Package access decides who may read a dataset. It stores the access
// request state machine and the purchase ledger.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/types"
)

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS access_grants (
		id           TEXT PRIMARY KEY,
		dataset_id   TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		message      TEXT NOT NULL DEFAULT '',
		created_by   TEXT NOT NULL,
		updated_by   TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS access_grants_one_pending
		ON access_grants (dataset_id, requester_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS access_grants_lookup
		ON access_grants (requester_id, dataset_id, status)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id           TEXT PRIMARY KEY,
		buyer_id     TEXT NOT NULL,
		dataset_id   TEXT NOT NULL,
		purchased_at TIMESTAMP NOT NULL,
		UNIQUE (buyer_id, dataset_id)
	)`,
}

// Migrate creates the grant and purchase tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate access tables: %w", err)
		}
	}
	return nil
}

// Store persists grants and purchases.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewStore returns a store over db. Migrate must have run.
func NewStore(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: logging.OrNop(log)}
}

// RequestAccess opens a pending grant. It fails with Conflict while a pending
// or approved grant exists for the same requester and dataset.
func (s *Store) RequestAccess(ctx context.Context, datasetID, requester, message string) (*types.AccessGrant, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var open int
	q := tx.Rebind(`SELECT COUNT(*) FROM access_grants WHERE dataset_id = ? AND requester_id = ? AND status IN (?, ?)`)
	if err := tx.GetContext(ctx, &open, q, datasetID, requester, types.GrantPending, types.GrantApproved); err != nil {
		return nil, fmt.Errorf("failed to check existing grants: %w", err)
	}
	if open > 0 {
		return nil, apperr.New(apperr.Conflict, "An access request for this dataset already exists")
	}

	now := time.Now().UTC()
	g := &types.AccessGrant{
		ID:          uuid.NewString(),
		DatasetID:   datasetID,
		RequesterID: requester,
		Status:      types.GrantPending,
		Message:     strings.TrimSpace(message),
		CreatedBy:   requester,
		UpdatedBy:   requester,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO access_grants
		(id, dataset_id, requester_id, status, message, created_by, updated_by, created_at, updated_at)
		VALUES (:id, :dataset_id, :requester_id, :status, :message, :created_by, :updated_by, :created_at, :updated_at)`, g)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Conflict, "An access request for this dataset already exists")
		}
		return nil, fmt.Errorf("failed to insert grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grant: %w", err)
	}

	s.log.Info("access requested", zap.String("dataset_id", datasetID), zap.String("grant_id", g.ID))
	return g, nil
}

// Grant returns a grant by id.
func (s *Store) Grant(ctx context.Context, id string) (*types.AccessGrant, error) {
	var g types.AccessGrant
	err := s.db.GetContext(ctx, &g, s.db.Rebind(`SELECT * FROM access_grants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "Access request '%s' not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return &g, nil
}

// Decide moves a pending grant to approved or denied. The legacy inputs
// "accepted" and "rejected" are accepted as synonyms.
func (s *Store) Decide(ctx context.Context, id, decidedBy, status string) (*types.AccessGrant, error) {
	next, ok := types.ParseGrantStatus(status)
	if !ok || next == types.GrantPending {
		return nil, apperr.Newf(apperr.BadRequest, "Invalid decision '%s'", status)
	}

	now := time.Now().UTC()
	q := s.db.Rebind(`UPDATE access_grants SET status = ?, updated_by = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, next, decidedBy, now, id, types.GrantPending)
	if err != nil {
		return nil, fmt.Errorf("failed to update grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update grant: %w", err)
	}

	g, err := s.Grant(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Newf(apperr.Conflict, "Access request is already %s", g.Status)
	}

	s.log.Info("access decided", zap.String("grant_id", id), zap.String("status", string(next)))
	return g, nil
}

// ListGrants returns the grants of a dataset, newest first.
func (s *Store) ListGrants(ctx context.Context, datasetID string) ([]types.AccessGrant, error) {
	grants := []types.AccessGrant{}
	q := s.db.Rebind(`SELECT * FROM access_grants WHERE dataset_id = ? ORDER BY created_at DESC, id`)
	if err := s.db.SelectContext(ctx, &grants, q, datasetID); err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

// Lookup returns the most recent grant of identity on dataset, or nil.
func (s *Store) Lookup(ctx context.Context, identity, datasetID string) (*types.AccessGrant, error) {
	var g types.AccessGrant
	q := s.db.Rebind(`SELECT * FROM access_grants WHERE requester_id = ? AND dataset_id = ?
		ORDER BY CASE status WHEN 'approved' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END, updated_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &g, q, identity, datasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up grant: %w", err)
	}
	return &g, nil
}

// RecordPurchase adds a purchase after an external payment confirmation.
// The buyer must hold an approved grant.
func (s *Store) RecordPurchase(ctx context.Context, buyer, datasetID string) (*types.Purchase, error) {
	g, err := s.Lookup(ctx, buyer, datasetID)
	if err != nil {
		return nil, err
	}
	if g == nil || g.Status != types.GrantApproved {
		return nil, apperr.New(apperr.Conflict, "Buyer has no approved access request for this dataset")
	}

	p := &types.Purchase{
		ID:          uuid.NewString(),
		BuyerID:     buyer,
		DatasetID:   datasetID,
		PurchasedAt: time.Now().UTC(),
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO purchases (id, buyer_id, dataset_id, purchased_at)
		VALUES (:id, :buyer_id, :dataset_id, :purchased_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Conflict, "Dataset already purchased")
		}
		return nil, fmt.Errorf("failed to insert purchase: %w", err)
	}

	s.log.Info("purchase recorded", zap.String("dataset_id", datasetID), zap.String("purchase_id", p.ID))
	return p, nil
}

// Exists reports whether buyer purchased dataset.
func (s *Store) Exists(ctx context.Context, buyer, datasetID string) (bool, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM purchases WHERE buyer_id = ? AND dataset_id = ?`)
	if err := s.db.GetContext(ctx, &n, q, buyer, datasetID); err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return n > 0, nil
}

// isUniqueViolation recognizes sqlite and postgres constraint failures.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
