package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"bajas/internal/assets"
	"bajas/internal/config"
	"bajas/internal/domain"
	"bajas/internal/events"
	"bajas/internal/fault"
	"bajas/internal/identity"
	"bajas/internal/numbering"
	"bajas/internal/repo"
)

// Engine is the disposal case lifecycle manager. Every operation is one short
// read-validate-write unit: read the case, check the transition and payload, write back
// under the optimistic version guard. Nothing here holds state between calls.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Assets   assets.Registry
	Events   events.Writer
	Identity identity.Service
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Assets:   assets.SQLRegistry{DB: db},
		Events:   events.Writer{DB: db},
		Identity: identity.Service{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) numbering() numbering.Service {
	return numbering.Service{Repo: e.Repo, Config: e.Config, Now: e.Now}
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func newID(prefix string) string {
	return prefix + gonanoid.MustGenerate(idAlphabet, 21)
}

var disposalTypes = map[string]bool{
	domain.TypeAdministrative: true,
	domain.TypeTechnical:      true,
	domain.TypeFortuitous:     true,
	domain.TypeObsolescence:   true,
}

var conservationStatuses = map[string]bool{
	"GOOD": true, "REGULAR": true, "BAD": true, "UNUSABLE": true,
}

var recommendations = map[string]bool{
	domain.RecommendDestroy:  true,
	domain.RecommendDonate:   true,
	domain.RecommendSell:     true,
	domain.RecommendRecycle:  true,
	domain.RecommendTransfer: true,
}

// ensureCaseTransition is the single transition table. Everything else routes through
// it; there are no force overrides for case status.
func ensureCaseTransition(c domain.DisposalCase, to, operation string) error {
	switch c.Status {
	case domain.StatusInitiated:
		if to == domain.StatusUnderEvaluation || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusUnderEvaluation:
		if to == domain.StatusApproved || to == domain.StatusRejected || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusExecuted {
			return nil
		}
	}
	return fault.InvalidState{CaseID: c.ID, Status: c.Status, Operation: operation}
}

// guardVersion reconciles the caller-supplied version with the freshly read one. A zero
// caller version means "whatever is current" (CLI convenience); anything else must match.
func guardVersion(c domain.DisposalCase, supplied int64) (domain.DisposalCase, error) {
	if supplied != 0 && supplied != c.Version {
		return c, fault.Conflict{Resource: "case " + c.ID, Reason: "stale version; re-read the case and retry"}
	}
	return c, nil
}

func caseErr(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fault.NotFound{Kind: "case", ID: id}
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return fault.Conflict{Resource: "case " + id, Reason: "stale version; re-read the case and retry"}
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CaseOpenOptions are parameters for opening a disposal case.
type CaseOpenOptions struct {
	DisposalType          string
	Reason                string
	ReasonDescription     string
	Observations          string
	TechnicalReportAuthor string
	RequestedBy           string
	RequiresDestruction   bool
	AllowsDonation        bool
	RecoverableValue      float64
}

func (o CaseOpenOptions) validate() error {
	if !disposalTypes[o.DisposalType] {
		if o.DisposalType == "" {
			return fault.Required("disposal_type")
		}
		return fault.Validation{Field: "disposal_type", Reason: "unknown type " + o.DisposalType}
	}
	if o.Reason == "" {
		return fault.Required("reason")
	}
	if o.ReasonDescription == "" {
		return fault.Required("reason_description")
	}
	if o.TechnicalReportAuthor == "" {
		return fault.Required("technical_report_author_id")
	}
	if o.RequestedBy == "" {
		return fault.Required("requested_by")
	}
	if o.RecoverableValue < 0 {
		return fault.Validation{Field: "recoverable_value", Reason: "must not be negative"}
	}
	return nil
}

// OpenCase creates a case in INITIATED and allocates its file number.
func (e Engine) OpenCase(ctx context.Context, opts CaseOpenOptions) (domain.DisposalCase, error) {
	if e.Config == nil {
		return domain.DisposalCase{}, errors.New("config not loaded")
	}
	if err := opts.validate(); err != nil {
		return domain.DisposalCase{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DisposalCase{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureMunicipality(ctx, tx, e.Config.Municipality.Code, e.Config.Municipality.Name, now); err != nil {
		return domain.DisposalCase{}, err
	}
	fileNumber, err := e.numbering().NextFileNumber(ctx, tx)
	if err != nil {
		return domain.DisposalCase{}, err
	}
	c := domain.DisposalCase{
		ID:                    newID("case_"),
		MunicipalityCode:      e.Config.Municipality.Code,
		FileNumber:            fileNumber,
		DisposalType:          opts.DisposalType,
		Reason:                opts.Reason,
		ReasonDescription:     opts.ReasonDescription,
		Observations:          opts.Observations,
		TechnicalReportAuthor: opts.TechnicalReportAuthor,
		RequestedBy:           opts.RequestedBy,
		RequiresDestruction:   opts.RequiresDestruction,
		AllowsDonation:        opts.AllowsDonation,
		RecoverableValue:      opts.RecoverableValue,
		Status:                domain.StatusInitiated,
		CreatedAt:             now,
		UpdatedAt:             now,
		Version:               1,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.DisposalCase{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.opened", c.ID, "case", c.ID, opts.RequestedBy, events.EventPayload{
		"file_number":   c.FileNumber,
		"disposal_type": c.DisposalType,
		"status":        c.Status,
	}); err != nil {
		return domain.DisposalCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DisposalCase{}, err
	}
	return c, nil
}

// AssetAttachOptions are parameters for attaching an asset to a case.
type AssetAttachOptions struct {
	CaseID             string
	AssetID            string
	ConservationStatus string
	BookValue          *float64
	RecoverableValue   *float64
	Observations       string
	ActorID            string
	Version            int64
}

// AttachAsset links an asset to an INITIATED case, snapshotting the asset's code and
// description. Re-attaching an asset already linked to the same case amends the link.
func (e Engine) AttachAsset(ctx context.Context, opts AssetAttachOptions) (domain.AssetLink, error) {
	if opts.AssetID == "" {
		return domain.AssetLink{}, fault.Required("asset_id")
	}
	if !conservationStatuses[opts.ConservationStatus] {
		if opts.ConservationStatus == "" {
			return domain.AssetLink{}, fault.Required("conservation_status")
		}
		return domain.AssetLink{}, fault.Validation{Field: "conservation_status", Reason: "unknown status " + opts.ConservationStatus}
	}
	if opts.BookValue != nil && *opts.BookValue < 0 {
		return domain.AssetLink{}, fault.Validation{Field: "book_value", Reason: "must not be negative"}
	}
	if opts.RecoverableValue != nil && *opts.RecoverableValue < 0 {
		return domain.AssetLink{}, fault.Validation{Field: "recoverable_value", Reason: "must not be negative"}
	}
	snapshot, err := e.Assets.GetAsset(ctx, opts.AssetID)
	if err != nil {
		var nf fault.NotFound
		if errors.As(err, &nf) {
			return domain.AssetLink{}, err
		}
		return domain.AssetLink{}, fault.Upstream{Collaborator: "asset registry", Err: err}
	}
	if snapshot.Status == domain.AssetDisposed {
		return domain.AssetLink{}, fault.Conflict{Resource: "asset " + opts.AssetID, Reason: "already disposed"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AssetLink{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.AssetLink{}, caseErr(opts.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return domain.AssetLink{}, err
	}
	if c.Status != domain.StatusInitiated {
		return domain.AssetLink{}, fault.InvalidState{CaseID: c.ID, Status: c.Status, Operation: "attach-asset"}
	}
	openCase, err := e.Repo.OpenCaseForAsset(ctx, tx, opts.AssetID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.AssetLink{}, err
	}
	if err == nil && openCase != c.ID {
		return domain.AssetLink{}, fault.Conflict{Resource: "asset " + opts.AssetID, Reason: "already linked to open case " + openCase}
	}

	now := e.now().UTC().Format(time.RFC3339)
	l, err := e.Repo.GetLinkByAsset(ctx, tx, c.ID, opts.AssetID)
	switch {
	case err == nil:
		l.ConservationStatus = opts.ConservationStatus
		l.BookValue = opts.BookValue
		l.RecoverableValue = opts.RecoverableValue
		l.Observations = opts.Observations
		l.UpdatedAt = now
		if err := e.Repo.UpdateLink(ctx, tx, l); err != nil {
			return domain.AssetLink{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
		l = domain.AssetLink{
			ID:                 newID("link_"),
			CaseID:             c.ID,
			AssetID:            opts.AssetID,
			AssetCode:          snapshot.Code,
			AssetDescription:   snapshot.Description,
			ConservationStatus: opts.ConservationStatus,
			BookValue:          opts.BookValue,
			RecoverableValue:   opts.RecoverableValue,
			Observations:       opts.Observations,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.Repo.InsertLink(ctx, tx, l); err != nil {
			return domain.AssetLink{}, err
		}
	default:
		return domain.AssetLink{}, err
	}

	c.UpdatedAt = now
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		return domain.AssetLink{}, caseErr(c.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "asset.attached", c.ID, "link", l.ID, opts.ActorID, events.EventPayload{
		"asset_id":            l.AssetID,
		"asset_code":          l.AssetCode,
		"conservation_status": l.ConservationStatus,
	}); err != nil {
		return domain.AssetLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AssetLink{}, err
	}
	return l, nil
}

// AssetDetachOptions are parameters for removing an asset link.
type AssetDetachOptions struct {
	LinkID  string
	ActorID string
	Version int64
}

// DetachAsset removes a link. Links only come and go while the case is INITIATED.
func (e Engine) DetachAsset(ctx context.Context, opts AssetDetachOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLinkTx(ctx, tx, opts.LinkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fault.NotFound{Kind: "link", ID: opts.LinkID}
		}
		return err
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, l.CaseID)
	if err != nil {
		return caseErr(l.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return err
	}
	if c.Status != domain.StatusInitiated {
		return fault.InvalidState{CaseID: c.ID, Status: c.Status, Operation: "detach-asset"}
	}
	if err := e.Repo.DeleteLink(ctx, tx, l.ID); err != nil {
		return err
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		return caseErr(c.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "asset.detached", c.ID, "link", l.ID, opts.ActorID, events.EventPayload{
		"asset_id": l.AssetID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EvaluationStartOptions are parameters for moving a case under evaluation.
type EvaluationStartOptions struct {
	CaseID     string
	AssignedBy string
	Version    int64
}

// StartEvaluation transitions INITIATED -> UNDER_EVALUATION.
func (e Engine) StartEvaluation(ctx context.Context, opts EvaluationStartOptions) (domain.DisposalCase, error) {
	if opts.AssignedBy == "" {
		return domain.DisposalCase{}, fault.Required("assigned_by")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DisposalCase{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return c, caseErr(opts.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return c, err
	}
	if err := ensureCaseTransition(c, domain.StatusUnderEvaluation, "start-evaluation"); err != nil {
		return c, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	c.Status = domain.StatusUnderEvaluation
	c.EvaluationStartedAt = &now
	c.UpdatedAt = now
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		return c, caseErr(c.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "evaluation.started", c.ID, "case", c.ID, opts.AssignedBy, events.EventPayload{
		"status": c.Status,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// OpinionRecordOptions are parameters for recording one evaluator opinion on a link.
type OpinionRecordOptions struct {
	LinkID           string
	TechnicalOpinion string
	Recommendation   string
	EvaluatorID      string
	Version          int64
}

// RecordOpinion annotates a link with the evaluator's assessment. Only legal while the
// parent case is UNDER_EVALUATION; a second opinion on the same link overwrites the first.
func (e Engine) RecordOpinion(ctx context.Context, opts OpinionRecordOptions) (domain.AssetLink, error) {
	if opts.TechnicalOpinion == "" {
		return domain.AssetLink{}, fault.Required("technical_opinion")
	}
	if !recommendations[opts.Recommendation] {
		if opts.Recommendation == "" {
			return domain.AssetLink{}, fault.Required("recommendation")
		}
		return domain.AssetLink{}, fault.Validation{Field: "recommendation", Reason: "unknown recommendation " + opts.Recommendation}
	}
	if opts.EvaluatorID == "" {
		return domain.AssetLink{}, fault.Required("evaluator_id")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AssetLink{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLinkTx(ctx, tx, opts.LinkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AssetLink{}, fault.NotFound{Kind: "link", ID: opts.LinkID}
		}
		return domain.AssetLink{}, err
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, l.CaseID)
	if err != nil {
		return domain.AssetLink{}, caseErr(l.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return domain.AssetLink{}, err
	}
	if c.Status != domain.StatusUnderEvaluation {
		return domain.AssetLink{}, fault.InvalidState{CaseID: c.ID, Status: c.Status, Operation: "record-opinion"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	l.TechnicalOpinion = &opts.TechnicalOpinion
	l.Recommendation = &opts.Recommendation
	l.EvaluatorID = &opts.EvaluatorID
	l.UpdatedAt = now
	if err := e.Repo.UpdateLink(ctx, tx, l); err != nil {
		return domain.AssetLink{}, err
	}
	c.UpdatedAt = now
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		return domain.AssetLink{}, caseErr(c.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "opinion.recorded", c.ID, "link", l.ID, opts.EvaluatorID, events.EventPayload{
		"asset_id":       l.AssetID,
		"recommendation": opts.Recommendation,
	}); err != nil {
		return domain.AssetLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AssetLink{}, err
	}
	return l, nil
}

// ResolveOptions are parameters for resolving an evaluated case.
type ResolveOptions struct {
	CaseID           string
	Approved         bool
	ResolutionNumber string
	Observations     string
	Actor            identity.Actor
	Version          int64
}

// Resolve transitions UNDER_EVALUATION -> APPROVED or REJECTED. Approval issues a
// resolution number when the caller does not supply one; the unique index on the store
// is the last line of defense, so auto-generated allocation retries on a collision with
// a concurrently resolved case.
func (e Engine) Resolve(ctx context.Context, opts ResolveOptions) (domain.DisposalCase, error) {
	if e.Config == nil {
		return domain.DisposalCase{}, errors.New("config not loaded")
	}
	if opts.Actor.ID == "" {
		return domain.DisposalCase{}, fault.Required("approved_by_id")
	}
	if !opts.Approved && opts.Observations == "" {
		return domain.DisposalCase{}, fault.Validation{Field: "observations", Reason: "rejection rationale required"}
	}
	attempts := 1
	if opts.Approved && opts.ResolutionNumber == "" {
		attempts = e.Config.Numbering.MaxAttempts
	}
	var c domain.DisposalCase
	var err error
	for i := 0; i < attempts; i++ {
		c, err = e.resolveOnce(ctx, opts)
		if !isUniqueViolation(err) {
			return c, err
		}
	}
	return c, fault.Conflict{Resource: "resolution number", Reason: "allocation kept colliding; retry"}
}

func (e Engine) resolveOnce(ctx context.Context, opts ResolveOptions) (domain.DisposalCase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DisposalCase{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return c, caseErr(opts.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return c, err
	}
	target := domain.StatusApproved
	if !opts.Approved {
		target = domain.StatusRejected
	}
	if err := ensureCaseTransition(c, target, "resolve"); err != nil {
		return c, err
	}
	if _, err := e.Identity.RequireRole(ctx, c.MunicipalityCode, opts.Actor, e.Config.RBAC.ApprovalRole); err != nil {
		return c, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	approved := opts.Approved
	c.Approved = &approved
	c.ApprovedBy = &opts.Actor.ID
	c.ApprovalDate = &now
	if opts.Observations != "" {
		c.Observations = opts.Observations
	}
	if opts.Approved {
		if e.Config.Resolution.RequireOpinions {
			links, err := e.Repo.ListLinksTx(ctx, tx, c.ID)
			if err != nil {
				return c, err
			}
			if missing := missingOpinions(links); len(missing) > 0 {
				return c, fault.Validation{Field: "opinions", Reason: "technical opinion missing for asset(s) " + strings.Join(missing, ", ")}
			}
		}
		number := opts.ResolutionNumber
		if number == "" {
			if number, err = e.numbering().NextResolutionNumber(ctx, tx); err != nil {
				return c, err
			}
		} else {
			exists, err := e.Repo.ResolutionNumberExists(ctx, tx, number)
			if err != nil {
				return c, err
			}
			if exists {
				return c, fault.Validation{Field: "resolution_number", Reason: number + " already issued"}
			}
		}
		c.ResolutionNumber = &number
	}
	c.Status = target
	c.UpdatedAt = now
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		if isUniqueViolation(err) && opts.ResolutionNumber != "" {
			return c, fault.Validation{Field: "resolution_number", Reason: opts.ResolutionNumber + " already issued"}
		}
		return c, caseErr(c.ID, err)
	}
	payload := events.EventPayload{"approved": opts.Approved, "status": c.Status}
	if c.ResolutionNumber != nil {
		payload["resolution_number"] = *c.ResolutionNumber
	}
	if err := e.Events.Append(ctx, tx, "case.resolved", c.ID, "case", c.ID, opts.Actor.ID, payload); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) && opts.ResolutionNumber != "" {
			return c, fault.Validation{Field: "resolution_number", Reason: opts.ResolutionNumber + " already issued"}
		}
		return c, err
	}
	return c, nil
}

// CancelOptions are parameters for cancelling a case.
type CancelOptions struct {
	CaseID       string
	CancelledBy  string
	Observations string
	Version      int64
}

// Cancel transitions INITIATED or UNDER_EVALUATION -> CANCELLED. It is a guarded
// transition like any other, not an abort signal for an in-flight Finalize.
func (e Engine) Cancel(ctx context.Context, opts CancelOptions) (domain.DisposalCase, error) {
	if opts.CancelledBy == "" {
		return domain.DisposalCase{}, fault.Required("cancelled_by")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DisposalCase{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return c, caseErr(opts.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return c, err
	}
	if err := ensureCaseTransition(c, domain.StatusCancelled, "cancel"); err != nil {
		return c, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	c.Status = domain.StatusCancelled
	if opts.Observations != "" {
		c.Observations = opts.Observations
	}
	c.UpdatedAt = now
	if c.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, c); err != nil {
		return c, caseErr(c.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "case.cancelled", c.ID, "case", c.ID, opts.CancelledBy, events.EventPayload{
		"status": c.Status,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}
