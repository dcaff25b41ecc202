package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status update does not match the
// export lifecycle for the row's current status.
var ErrInvalidTransition = errors.New("invalid export status transition")

// Store is the data access interface. All database operations go through here.
//
// Every mutation is keyed by export id. Status changes are conditional
// updates: the row moves only if its current status may transition to the
// requested one.
type Store interface {
	Ping(ctx context.Context) error

	CreateExport(ctx context.Context, export *models.Export) error
	GetExport(ctx context.Context, id uuid.UUID) (*models.Export, error)
	ListExports(ctx context.Context, filter ExportFilter) ([]*models.Export, int, error)
	ClaimExport(ctx context.Context, id uuid.UUID) (*models.Export, error)
	CompleteExport(ctx context.Context, id uuid.UUID, glbPath string) (*models.Export, error)
	FailExport(ctx context.Context, id uuid.UUID, message string) (*models.Export, error)
	DeleteExport(ctx context.Context, id uuid.UUID) error

	UpsertAsset(ctx context.Context, asset *models.Asset) (*models.Asset, error)
	ListAssets(ctx context.Context, exportID uuid.UUID) ([]*models.Asset, error)
	DeleteAssets(ctx context.Context, exportID uuid.UUID) (int64, error)
}

type ExportFilter struct {
	UserID  *uuid.UUID
	SceneID string
	Status  string
	Page    int
	Limit   int
}

// Normalize clamps pagination to 1..100 per page and returns the row offset.
func (f *ExportFilter) Normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	f.Limit = limit
	return limit, (f.Page - 1) * limit
}

// Matches reports whether e satisfies every set field of the filter.
func (f ExportFilter) Matches(e *models.Export) bool {
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.SceneID != "" && e.SceneID != f.SceneID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
