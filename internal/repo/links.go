package repo

import (
	"context"
	"database/sql"

	"bajas/internal/domain"
)

const linkColumns = `id,case_id,asset_id,asset_code,asset_description,conservation_status,book_value,
recoverable_value,observations,technical_opinion,recommendation,evaluator_id,disposed_at,created_at,updated_at`

func scanLink(row caseScanner) (domain.AssetLink, error) {
	var l domain.AssetLink
	var bookValue, recoverableValue sql.NullFloat64
	var observations, opinion, recommendation, evaluator, disposedAt sql.NullString
	err := row.Scan(&l.ID, &l.CaseID, &l.AssetID, &l.AssetCode, &l.AssetDescription, &l.ConservationStatus,
		&bookValue, &recoverableValue, &observations, &opinion, &recommendation, &evaluator, &disposedAt,
		&l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if bookValue.Valid {
		l.BookValue = &bookValue.Float64
	}
	if recoverableValue.Valid {
		l.RecoverableValue = &recoverableValue.Float64
	}
	if observations.Valid {
		l.Observations = observations.String
	}
	if opinion.Valid {
		l.TechnicalOpinion = &opinion.String
	}
	if recommendation.Valid {
		l.Recommendation = &recommendation.String
	}
	if evaluator.Valid {
		l.EvaluatorID = &evaluator.String
	}
	if disposedAt.Valid {
		l.DisposedAt = &disposedAt.String
	}
	return l, nil
}

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, l domain.AssetLink) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_assets(`+linkColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.CaseID, l.AssetID, l.AssetCode, l.AssetDescription, l.ConservationStatus,
		nullableFloatPtr(l.BookValue), nullableFloatPtr(l.RecoverableValue), nullable(l.Observations),
		nullableStringPtr(l.TechnicalOpinion), nullableStringPtr(l.Recommendation), nullableStringPtr(l.EvaluatorID),
		nullableStringPtr(l.DisposedAt), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateLink(ctx context.Context, tx *sql.Tx, l domain.AssetLink) error {
	res, err := tx.ExecContext(ctx, `UPDATE case_assets SET conservation_status=?, book_value=?, recoverable_value=?,
observations=?, technical_opinion=?, recommendation=?, evaluator_id=?, disposed_at=?, updated_at=? WHERE id=?`,
		l.ConservationStatus, nullableFloatPtr(l.BookValue), nullableFloatPtr(l.RecoverableValue),
		nullable(l.Observations), nullableStringPtr(l.TechnicalOpinion), nullableStringPtr(l.Recommendation),
		nullableStringPtr(l.EvaluatorID), nullableStringPtr(l.DisposedAt), l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLink(ctx context.Context, tx *sql.Tx, linkID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM case_assets WHERE id=?`, linkID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetLink(ctx context.Context, linkID string) (domain.AssetLink, error) {
	return scanLink(r.DB.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM case_assets WHERE id=?`, linkID))
}

func (r Repo) GetLinkTx(ctx context.Context, tx *sql.Tx, linkID string) (domain.AssetLink, error) {
	return scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM case_assets WHERE id=?`, linkID))
}

func (r Repo) GetLinkByAsset(ctx context.Context, tx *sql.Tx, caseID, assetID string) (domain.AssetLink, error) {
	return scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM case_assets WHERE case_id=? AND asset_id=?`, caseID, assetID))
}

func (r Repo) ListLinks(ctx context.Context, caseID string) ([]domain.AssetLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+linkColumns+` FROM case_assets WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssetLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) ListLinksTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.AssetLink, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+linkColumns+` FROM case_assets WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssetLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// OpenCaseForAsset returns the ID of a non-terminal case the asset is already linked to,
// or ErrNotFound. One asset may sit in at most one open case at a time.
func (r Repo) OpenCaseForAsset(ctx context.Context, tx *sql.Tx, assetID string) (string, error) {
	var caseID string
	err := tx.QueryRowContext(ctx, `
SELECT c.id FROM case_assets ca
JOIN cases c ON c.id=ca.case_id
WHERE ca.asset_id=? AND c.status NOT IN ('EXECUTED','REJECTED','CANCELLED') LIMIT 1`, assetID).Scan(&caseID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return caseID, err
}
