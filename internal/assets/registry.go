// Package assets is the boundary to the asset reference collaborator. The disposal
// engine only reads snapshots and flips assets to their terminal disposed status;
// everything else about the registry (field validation, depreciation) lives elsewhere.
package assets

import (
	"context"
	"database/sql"
	"time"

	"bajas/internal/domain"
	"bajas/internal/fault"
)

// Registry is what the lifecycle engine needs from the asset registry.
type Registry interface {
	GetAsset(ctx context.Context, assetID string) (domain.AssetSnapshot, error)
	SetAssetStatus(ctx context.Context, assetID, status string) error
}

// SQLRegistry serves the registry from the shared database. Deployments where the
// registry is a separate service swap in their own Registry implementation.
type SQLRegistry struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r SQLRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register inserts an asset record owned by a municipality.
func (r SQLRegistry) Register(ctx context.Context, municipalityCode string, a domain.AssetSnapshot) (domain.AssetSnapshot, error) {
	now := r.now().UTC().Format(time.RFC3339)
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = domain.AssetActive
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assets(id,municipality_code,code,description,status,current_value,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, municipalityCode, a.Code, a.Description, a.Status, a.CurrentValue, now, now)
	if err != nil {
		return a, err
	}
	return a, nil
}

func (r SQLRegistry) GetAsset(ctx context.Context, assetID string) (domain.AssetSnapshot, error) {
	var a domain.AssetSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT id,code,description,status,current_value,updated_at FROM assets WHERE id=?`, assetID).
		Scan(&a.ID, &a.Code, &a.Description, &a.Status, &a.CurrentValue, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, fault.NotFound{Kind: "asset", ID: assetID}
	}
	return a, err
}

func (r SQLRegistry) SetAssetStatus(ctx context.Context, assetID, status string) error {
	now := r.now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE assets SET status=?, updated_at=? WHERE id=?`, status, now, assetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFound{Kind: "asset", ID: assetID}
	}
	return nil
}

// ListByStatus returns asset snapshots for a municipality, optionally filtered by status.
func (r SQLRegistry) ListByStatus(ctx context.Context, municipalityCode, status string) ([]domain.AssetSnapshot, error) {
	query := `SELECT id,code,description,status,current_value,updated_at FROM assets WHERE municipality_code=?`
	args := []any{municipalityCode}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY code ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssetSnapshot
	for rows.Next() {
		var a domain.AssetSnapshot
		if err := rows.Scan(&a.ID, &a.Code, &a.Description, &a.Status, &a.CurrentValue, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
