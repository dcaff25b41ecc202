package models

import (
	"time"

	"github.com/google/uuid"
)

const AssetKindGLB = "glb"

// Asset is a derived artifact produced by an export. One row per
// (export, kind); re-running a conversion overwrites the row instead of
// adding a second one.
type Asset struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	ExportID  uuid.UUID `db:"export_id"  json:"export_id"`
	Kind      string    `db:"kind"       json:"kind"`
	Path      string    `db:"path"       json:"path"`
	SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
	Digest    string    `db:"digest"     json:"digest"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
