package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/logging"
	"github.com/helix-tools/dataroom/types"
)

// MaxTagLength bounds a single tag after trimming.
const MaxTagLength = 32

// DeleteHook runs after a dataset is logically deleted.
type DeleteHook func(datasetID string)

// Registry is the dataset catalog.
type Registry struct {
	db  *sqlx.DB
	log *zap.Logger

	mu    sync.RWMutex
	hooks []DeleteHook
}

// New returns a registry over db. Migrate must have run.
func New(db *sqlx.DB, log *zap.Logger) *Registry {
	return &Registry{db: db, log: logging.OrNop(log)}
}

// OnDelete registers a hook run after every logical delete.
func (r *Registry) OnDelete(h DeleteHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

type datasetRow struct {
	ID             string    `db:"id"`
	Title          string    `db:"title"`
	Category       string    `db:"category"`
	Description    string    `db:"description"`
	ContributorID  string    `db:"contributor_id"`
	OrganizationID string    `db:"organization_id"`
	Location       string    `db:"location"`
	Key            string    `db:"encryption_key"`
	SchemaJSON     string    `db:"schema_json"`
	TagsJSON       string    `db:"tags_json"`
	NumberOfRows   int64     `db:"number_of_rows"`
	SizeBytes      int64     `db:"size_bytes"`
	Price          float64   `db:"price"`
	ViewCount      int64     `db:"view_count"`
	DownloadCount  int64     `db:"download_count"`
	IsActive       bool      `db:"is_active"`
	IsDeleted      bool      `db:"is_deleted"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (row datasetRow) dataset() (*types.Dataset, error) {
	d := &types.Dataset{
		ID:             row.ID,
		Title:          row.Title,
		Category:       row.Category,
		Description:    row.Description,
		ContributorID:  row.ContributorID,
		OrganizationID: row.OrganizationID,
		Location:       row.Location,
		Key:            row.Key,
		NumberOfRows:   row.NumberOfRows,
		SizeBytes:      row.SizeBytes,
		Price:          row.Price,
		Counters:       types.Counters{ViewCount: row.ViewCount, DownloadCount: row.DownloadCount},
		IsActive:       row.IsActive,
		IsDeleted:      row.IsDeleted,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.SchemaJSON), &d.Schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema of dataset %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.TagsJSON), &d.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of dataset %s: %w", row.ID, err)
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return d, nil
}

// NormalizeTags trims, drops empties and duplicates, and rejects long tags.
func NormalizeTags(tags []string) ([]string, error) {
	out := lo.Uniq(lo.Filter(lo.Map(tags, func(t string, _ int) string {
		return strings.TrimSpace(t)
	}), func(t string, _ int) bool {
		return t != ""
	}))
	for _, t := range out {
		if utf8.RuneCountInString(t) > MaxTagLength {
			return nil, apperr.Newf(apperr.BadRequest, "Tag '%s' exceeds %d characters", t, MaxTagLength)
		}
	}
	return out, nil
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	if n < 1 || n > 100 {
		return apperr.New(apperr.BadRequest, "Title must be between 1 and 100 characters")
	}
	return nil
}

func validatePrice(p float64) error {
	if p < 0 {
		return apperr.New(apperr.BadRequest, "Price must be non-negative")
	}
	return nil
}

// Validate checks the caller-supplied attributes of a new dataset.
func Validate(d *types.Dataset) error {
	if err := validateTitle(d.Title); err != nil {
		return err
	}
	if err := validatePrice(d.Price); err != nil {
		return err
	}
	_, err := NormalizeTags(d.Tags)
	return err
}

// Create inserts d. A fresh identifier is assigned when d.ID is empty.
func (r *Registry) Create(ctx context.Context, d *types.Dataset) error {
	if err := Validate(d); err != nil {
		return err
	}
	if len(d.Schema) == 0 {
		return apperr.New(apperr.BadRequest, "Dataset has no columns")
	}
	tags, err := NormalizeTags(d.Tags)
	if err != nil {
		return err
	}
	d.Tags = tags
	d.Title = strings.TrimSpace(d.Title)

	if d.ID == "" {
		if d.ID, err = NewID(); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	d.IsActive, d.IsDeleted = true, false

	schemaJSON, err := json.Marshal(d.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	tagsJSON, err := json.Marshal(d.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	q := r.db.Rebind(`INSERT INTO datasets (
		id, title, category, description, contributor_id, organization_id, location,
		encryption_key, schema_json, tags_json, number_of_rows, size_bytes, price,
		view_count, download_count, is_active, is_deleted, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, q,
		d.ID, d.Title, d.Category, d.Description, d.ContributorID, d.OrganizationID, d.Location,
		d.Key, string(schemaJSON), string(tagsJSON), d.NumberOfRows, d.SizeBytes, d.Price,
		d.IsActive, d.IsDeleted, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}

	r.log.Info("dataset registered", zap.String("dataset_id", d.ID), zap.Int64("rows", d.NumberOfRows))
	return nil
}

// Get returns a dataset that has not been deleted.
func (r *Registry) Get(ctx context.Context, id string) (*types.Dataset, error) {
	var row datasetRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM datasets WHERE id = ? AND is_deleted = ?`), id, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "Dataset '%s' not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return row.dataset()
}

// ListOptions narrows List.
type ListOptions struct {
	ContributorID  string
	OrganizationID string
	Category       string
}

// List returns active, non-deleted datasets, newest first.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]types.Dataset, error) {
	q := `SELECT * FROM datasets WHERE is_deleted = ? AND is_active = ?`
	args := []any{false, true}
	if opts.ContributorID != "" {
		q += ` AND contributor_id = ?`
		args = append(args, opts.ContributorID)
	}
	if opts.OrganizationID != "" {
		q += ` AND organization_id = ?`
		args = append(args, opts.OrganizationID)
	}
	if opts.Category != "" {
		q += ` AND category = ?`
		args = append(args, opts.Category)
	}
	q += ` ORDER BY created_at DESC, id`

	var rows []datasetRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	out := make([]types.Dataset, 0, len(rows))
	for _, row := range rows {
		d, err := row.dataset()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// Update applies the non-nil fields of upd.
func (r *Registry) Update(ctx context.Context, id string, upd types.DatasetUpdate) (*types.Dataset, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		if err := validateTitle(*upd.Title); err != nil {
			return nil, err
		}
		d.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Description != nil {
		if utf8.RuneCountInString(strings.TrimSpace(*upd.Description)) < 10 {
			return nil, apperr.New(apperr.BadRequest, "Description must be at least 10 characters")
		}
		d.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Category != nil {
		d.Category = strings.TrimSpace(*upd.Category)
	}
	if upd.Price != nil {
		if err := validatePrice(*upd.Price); err != nil {
			return nil, err
		}
		d.Price = *upd.Price
	}
	if upd.Tags != nil {
		tags, err := NormalizeTags(*upd.Tags)
		if err != nil {
			return nil, err
		}
		d.Tags = tags
	}
	d.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(d.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	q := r.db.Rebind(`UPDATE datasets SET title = ?, description = ?, category = ?, price = ?,
		tags_json = ?, updated_at = ? WHERE id = ? AND is_deleted = ?`)
	if _, err := r.db.ExecContext(ctx, q, d.Title, d.Description, d.Category, d.Price,
		string(tagsJSON), d.UpdatedAt, id, false); err != nil {
		return nil, fmt.Errorf("failed to update dataset: %w", err)
	}
	return d, nil
}

// Delete flags the dataset as deleted and runs the delete hooks.
func (r *Registry) Delete(ctx context.Context, id string) error {
	q := r.db.Rebind(`UPDATE datasets SET is_deleted = ?, updated_at = ? WHERE id = ? AND is_deleted = ?`)
	res, err := r.db.ExecContext(ctx, q, true, time.Now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if n == 0 {
		return apperr.Newf(apperr.NotFound, "Dataset '%s' not found", id)
	}

	r.mu.RLock()
	hooks := append([]DeleteHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(id)
	}

	r.log.Info("dataset deleted", zap.String("dataset_id", id))
	return nil
}

// IncrementViews bumps view_count.
func (r *Registry) IncrementViews(ctx context.Context, id string) error {
	return r.increment(ctx, id, "view_count")
}

// IncrementDownloads bumps download_count.
func (r *Registry) IncrementDownloads(ctx context.Context, id string) error {
	return r.increment(ctx, id, "download_count")
}

func (r *Registry) increment(ctx context.Context, id, column string) error {
	q := r.db.Rebind(fmt.Sprintf(`UPDATE datasets SET %[1]s = %[1]s + 1 WHERE id = ?`, column))
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}
