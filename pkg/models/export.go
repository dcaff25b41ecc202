// Package models contains shared data models used across the room-scan export service.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ExportStatusQueued     = "queued"
	ExportStatusProcessing = "processing"
	ExportStatusReady      = "ready"
	ExportStatusFailed     = "failed"
)

// Export tracks one USDZ → GLB conversion job. The API returns the id on
// POST /api/v1/exports; clients poll GET /api/v1/exports/{id} or subscribe
// to its event stream until status is ready or failed.
//
// GLBPath is set iff Status is ready; Error is set iff Status is failed.
type Export struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	UserID    *uuid.UUID `db:"user_id"    json:"user_id"`
	SceneID   string     `db:"scene_id"   json:"scene_id"`
	USDZPath  string     `db:"usdz_path"  json:"usdz_path"`
	JSONPath  *string    `db:"json_path"  json:"json_path"`
	GLBPath   *string    `db:"glb_path"   json:"glb_path"`
	Status    string     `db:"status"     json:"status"`
	Error     *string    `db:"error"      json:"error"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the export has reached ready or failed.
func (e *Export) Terminal() bool {
	return e.Status == ExportStatusReady || e.Status == ExportStatusFailed
}

// exportTransitions lists the statuses each status may move to.
// failed → processing is the retry re-entry.
var exportTransitions = map[string][]string{
	ExportStatusQueued:     {ExportStatusProcessing},
	ExportStatusProcessing: {ExportStatusReady, ExportStatusFailed},
	ExportStatusFailed:     {ExportStatusProcessing},
}

// CanTransition reports whether an export may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range exportTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status that may move to the given status.
func TransitionSources(to string) []string {
	var from []string
	for _, s := range []string{ExportStatusQueued, ExportStatusProcessing, ExportStatusReady, ExportStatusFailed} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// ValidStatus reports whether s is a known export status.
func ValidStatus(s string) bool {
	switch s {
	case ExportStatusQueued, ExportStatusProcessing, ExportStatusReady, ExportStatusFailed:
		return true
	}
	return false
}
