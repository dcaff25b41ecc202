package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const exportColumns = `id, user_id, scene_id, usdz_path, json_path, glb_path, status, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*models.Export, error) {
	var e models.Export
	err := row.Scan(&e.ID, &e.UserID, &e.SceneID, &e.USDZPath, &e.JSONPath, &e.GLBPath,
		&e.Status, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Exports ---

func (s *PostgresStore) CreateExport(ctx context.Context, export *models.Export) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_scan_exports (`+exportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		export.ID, export.UserID, export.SceneID, export.USDZPath, export.JSONPath, export.GLBPath,
		export.Status, export.Error, export.CreatedAt, export.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create export: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExport(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	e, err := scanExport(s.pool.QueryRow(ctx,
		`SELECT `+exportColumns+` FROM room_scan_exports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListExports(ctx context.Context, filter ExportFilter) ([]*models.Export, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.SceneID != "" {
		conditions = append(conditions, fmt.Sprintf("scene_id = $%d", argIdx))
		args = append(args, filter.SceneID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM room_scan_exports WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count exports: %w", err)
	}

	limit, offset := filter.Normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM room_scan_exports WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		exportColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	exports := []*models.Export{}
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan export: %w", err)
		}
		exports = append(exports, e)
	}
	return exports, total, rows.Err()
}

// ClaimExport moves a queued or failed export to processing and clears any
// previous error. Exports already processing or ready are left untouched and
// reported as ErrInvalidTransition.
func (s *PostgresStore) ClaimExport(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	return s.transition(ctx, id, models.ExportStatusProcessing, "glb_path = NULL, error = NULL")
}

func (s *PostgresStore) CompleteExport(ctx context.Context, id uuid.UUID, glbPath string) (*models.Export, error) {
	return s.transition(ctx, id, models.ExportStatusReady, "glb_path = $5, error = NULL", glbPath)
}

func (s *PostgresStore) FailExport(ctx context.Context, id uuid.UUID, message string) (*models.Export, error) {
	return s.transition(ctx, id, models.ExportStatusFailed, "glb_path = NULL, error = $5", message)
}

// transition applies a conditional status update. set may reference extra
// arguments starting at $5.
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, to, set string, extra ...any) (*models.Export, error) {
	query := `UPDATE room_scan_exports SET status = $2, updated_at = $3, ` + set + `
		 WHERE id = $1 AND status = ANY($4) RETURNING ` + exportColumns
	args := append([]any{id, to, time.Now().UTC(), models.TransitionSources(to)}, extra...)

	e, err := scanExport(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update export status: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM room_scan_exports WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (s *PostgresStore) DeleteExport(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_scan_exports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Assets ---

func (s *PostgresStore) UpsertAsset(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	var a models.Asset
	err := s.pool.QueryRow(ctx,
		`INSERT INTO room_scan_assets (id, export_id, kind, path, size_bytes, digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (export_id, kind) DO UPDATE SET
		   path = EXCLUDED.path,
		   size_bytes = EXCLUDED.size_bytes,
		   digest = EXCLUDED.digest,
		   created_at = EXCLUDED.created_at
		 RETURNING id, export_id, kind, path, size_bytes, digest, created_at`,
		asset.ID, asset.ExportID, asset.Kind, asset.Path, asset.SizeBytes, asset.Digest, asset.CreatedAt,
	).Scan(&a.ID, &a.ExportID, &a.Kind, &a.Path, &a.SizeBytes, &a.Digest, &a.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upsert asset: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, exportID uuid.UUID) ([]*models.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, export_id, kind, path, size_bytes, digest, created_at
		 FROM room_scan_assets WHERE export_id = $1 ORDER BY kind`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := []*models.Asset{}
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.ExportID, &a.Kind, &a.Path, &a.SizeBytes, &a.Digest, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, &a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) DeleteAssets(ctx context.Context, exportID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_scan_assets WHERE export_id = $1`, exportID)
	if err != nil {
		return 0, fmt.Errorf("delete assets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
