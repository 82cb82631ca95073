package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bajas/internal/config"
	"bajas/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by guarded writes when the stored version no longer
// matches the one the caller read.
var ErrVersionConflict = errors.New("version conflict")

func (r Repo) EnsureMunicipality(ctx context.Context, tx *sql.Tx, code, name, now string) error {
	if name == "" {
		name = code
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO municipalities(code, name, created_at) VALUES (?,?,?)`, code, name, now)
	return err
}

func (r Repo) GetMunicipality(ctx context.Context, code string) (string, error) {
	var name string
	err := r.DB.QueryRowContext(ctx, `SELECT name FROM municipalities WHERE code=?`, code).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

func (r Repo) ListMunicipalities(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT code, name FROM municipalities ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var code, name string
		if err := rows.Scan(&code, &name); err != nil {
			return nil, err
		}
		res[code] = name
	}
	return res, rows.Err()
}

func (r Repo) UpsertMunicipalityConfig(ctx context.Context, code string, cfg *config.Config) error {
	return upsertMunicipalityConfig(ctx, r.DB, nil, code, cfg)
}

func (r Repo) UpsertMunicipalityConfigTx(ctx context.Context, tx *sql.Tx, code string, cfg *config.Config) error {
	return upsertMunicipalityConfig(ctx, nil, tx, code, cfg)
}

func upsertMunicipalityConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, code string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Municipality.Code = code
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO municipality_configs(municipality_code,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(municipality_code) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, code, string(payload), now, now)
	return err
}

func (r Repo) GetMunicipalityConfig(ctx context.Context, code string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM municipality_configs WHERE municipality_code=?`, code).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Municipality.Code == "" {
		cfg.Municipality.Code = code
	}
	return &cfg, cfg.Validate()
}

const caseColumns = `id,municipality_code,file_number,disposal_type,reason,reason_description,observations,
technical_report_author_id,requested_by,requires_destruction,allows_donation,recoverable_value,status,
approved,resolution_number,approved_by_id,approval_date,evaluation_started_at,physical_removal_date,
created_at,updated_at,version`

type caseScanner interface {
	Scan(dest ...any) error
}

func scanCase(row caseScanner) (domain.DisposalCase, error) {
	var c domain.DisposalCase
	var observations, resolutionNumber, approvedBy, approvalDate, evalStarted, removalDate sql.NullString
	var approved sql.NullBool
	err := row.Scan(&c.ID, &c.MunicipalityCode, &c.FileNumber, &c.DisposalType, &c.Reason, &c.ReasonDescription,
		&observations, &c.TechnicalReportAuthor, &c.RequestedBy, &c.RequiresDestruction, &c.AllowsDonation,
		&c.RecoverableValue, &c.Status, &approved, &resolutionNumber, &approvedBy, &approvalDate,
		&evalStarted, &removalDate, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if observations.Valid {
		c.Observations = observations.String
	}
	if approved.Valid {
		c.Approved = &approved.Bool
	}
	if resolutionNumber.Valid {
		c.ResolutionNumber = &resolutionNumber.String
	}
	if approvedBy.Valid {
		c.ApprovedBy = &approvedBy.String
	}
	if approvalDate.Valid {
		c.ApprovalDate = &approvalDate.String
	}
	if evalStarted.Valid {
		c.EvaluationStartedAt = &evalStarted.String
	}
	if removalDate.Valid {
		c.PhysicalRemovalDate = &removalDate.String
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.DisposalCase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.MunicipalityCode, c.FileNumber, c.DisposalType, c.Reason, c.ReasonDescription, nullable(c.Observations),
		c.TechnicalReportAuthor, c.RequestedBy, c.RequiresDestruction, c.AllowsDonation, c.RecoverableValue, c.Status,
		nullableBoolPtr(c.Approved), nullableStringPtr(c.ResolutionNumber), nullableStringPtr(c.ApprovedBy),
		nullableStringPtr(c.ApprovalDate), nullableStringPtr(c.EvaluationStartedAt), nullableStringPtr(c.PhysicalRemovalDate),
		c.CreatedAt, c.UpdatedAt, c.Version)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.DisposalCase, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.DisposalCase, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// UpdateCaseGuarded writes the case back with an optimistic version check. The stored
// version must match c.Version; the write bumps it by one. ErrVersionConflict is
// returned when someone else committed first.
func (r Repo) UpdateCaseGuarded(ctx context.Context, tx *sql.Tx, c domain.DisposalCase) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET disposal_type=?, reason=?, reason_description=?, observations=?,
requires_destruction=?, allows_donation=?, recoverable_value=?, status=?, approved=?, resolution_number=?,
approved_by_id=?, approval_date=?, evaluation_started_at=?, physical_removal_date=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		c.DisposalType, c.Reason, c.ReasonDescription, nullable(c.Observations),
		c.RequiresDestruction, c.AllowsDonation, c.RecoverableValue, c.Status, nullableBoolPtr(c.Approved),
		nullableStringPtr(c.ResolutionNumber), nullableStringPtr(c.ApprovedBy), nullableStringPtr(c.ApprovalDate),
		nullableStringPtr(c.EvaluationStartedAt), nullableStringPtr(c.PhysicalRemovalDate), c.UpdatedAt,
		c.ID, c.Version)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		var n int
		probe := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id=?`, c.ID).Scan(&n)
		if probe == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return c.Version + 1, nil
}

type CaseFilters struct {
	MunicipalityCode string
	Status           string
	DisposalType     string
	Limit            int
	CursorCreatedAt  string
	CursorID         string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.DisposalCase, error) {
	var clauses []string
	var args []any
	if f.MunicipalityCode != "" {
		clauses = append(clauses, "municipality_code=?")
		args = append(args, f.MunicipalityCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DisposalType != "" {
		clauses = append(clauses, "disposal_type=?")
		args = append(args, f.DisposalType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DisposalCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCasesByStatus(ctx context.Context, municipalityCode string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM cases WHERE municipality_code=? GROUP BY status`, municipalityCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ListFileNumbers returns every file number issued by a municipality, for sequence scans.
func (r Repo) ListFileNumbers(ctx context.Context, tx *sql.Tx, municipalityCode string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT file_number FROM cases WHERE municipality_code=?`, municipalityCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ListResolutionNumbers returns every resolution number issued by a municipality.
func (r Repo) ListResolutionNumbers(ctx context.Context, tx *sql.Tx, municipalityCode string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT resolution_number FROM cases WHERE municipality_code=? AND resolution_number IS NOT NULL`, municipalityCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ResolutionNumberExists checks the full historical set across all municipalities, the
// defense against a municipality-code collision between tenants.
func (r Repo) ResolutionNumberExists(ctx context.Context, tx *sql.Tx, number string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE resolution_number=? LIMIT 1`, number).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) FileNumberExists(ctx context.Context, tx *sql.Tx, municipalityCode, number string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE municipality_code=? AND file_number=? LIMIT 1`, municipalityCode, number).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, caseID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(case_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
