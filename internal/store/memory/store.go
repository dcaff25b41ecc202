// Package memory is an in-process store.Store used by tests and by the
// server when no database is configured for local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

// Store keeps exports and assets in maps guarded by one mutex. Records are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu      sync.Mutex
	exports map[uuid.UUID]*models.Export
	assets  map[uuid.UUID]map[string]*models.Asset

	// Failure injection for tests. A non-nil error is returned by the
	// matching method before any state changes.
	PingErr         error
	DeleteAssetsErr error
	DeleteExportErr error
	CompleteErr     error
}

func New() *Store {
	return &Store{
		exports: make(map[uuid.UUID]*models.Export),
		assets:  make(map[uuid.UUID]map[string]*models.Asset),
	}
}

func (s *Store) Ping(context.Context) error {
	return s.PingErr
}

func (s *Store) CreateExport(_ context.Context, export *models.Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[export.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.exports[export.ID] = copyExport(export)
	return nil
}

func (s *Store) GetExport(_ context.Context, id uuid.UUID) (*models.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyExport(e), nil
}

func (s *Store) ListExports(_ context.Context, filter store.ExportFilter) ([]*models.Export, int, error) {
	s.mu.Lock()
	var matched []*models.Export
	for _, e := range s.exports {
		if filter.Matches(e) {
			matched = append(matched, copyExport(e))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	limit, offset := filter.Normalize()
	total := len(matched)
	if offset >= total {
		return []*models.Export{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) ClaimExport(_ context.Context, id uuid.UUID) (*models.Export, error) {
	return s.transition(id, models.ExportStatusProcessing, func(e *models.Export) {
		e.GLBPath = nil
		e.Error = nil
	})
}

func (s *Store) CompleteExport(_ context.Context, id uuid.UUID, glbPath string) (*models.Export, error) {
	if s.CompleteErr != nil {
		return nil, s.CompleteErr
	}
	return s.transition(id, models.ExportStatusReady, func(e *models.Export) {
		e.GLBPath = &glbPath
		e.Error = nil
	})
}

func (s *Store) FailExport(_ context.Context, id uuid.UUID, message string) (*models.Export, error) {
	return s.transition(id, models.ExportStatusFailed, func(e *models.Export) {
		e.GLBPath = nil
		e.Error = &message
	})
}

func (s *Store) transition(id uuid.UUID, to string, apply func(*models.Export)) (*models.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !models.CanTransition(e.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	apply(e)
	return copyExport(e), nil
}

func (s *Store) DeleteExport(_ context.Context, id uuid.UUID) error {
	if s.DeleteExportErr != nil {
		return s.DeleteExportErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.exports, id)
	delete(s.assets, id)
	return nil
}

func (s *Store) UpsertAsset(_ context.Context, asset *models.Asset) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[asset.ExportID]; !ok {
		return nil, store.ErrNotFound
	}
	kinds := s.assets[asset.ExportID]
	if kinds == nil {
		kinds = make(map[string]*models.Asset)
		s.assets[asset.ExportID] = kinds
	}
	a := *asset
	if prev, ok := kinds[asset.Kind]; ok {
		a.ID = prev.ID
	}
	kinds[asset.Kind] = &a
	out := a
	return &out, nil
}

func (s *Store) ListAssets(_ context.Context, exportID uuid.UUID) ([]*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets := []*models.Asset{}
	for _, a := range s.assets[exportID] {
		out := *a
		assets = append(assets, &out)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Kind < assets[j].Kind })
	return assets, nil
}

func (s *Store) DeleteAssets(_ context.Context, exportID uuid.UUID) (int64, error) {
	if s.DeleteAssetsErr != nil {
		return 0, s.DeleteAssetsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.assets[exportID]))
	delete(s.assets, exportID)
	return n, nil
}

func copyExport(e *models.Export) *models.Export {
	out := *e
	out.UserID = copyPtr(e.UserID)
	out.JSONPath = copyPtr(e.JSONPath)
	out.GLBPath = copyPtr(e.GLBPath)
	out.Error = copyPtr(e.Error)
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ store.Store = (*Store)(nil)
