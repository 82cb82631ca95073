package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bajas/internal/domain"
	"bajas/internal/events"
	"bajas/internal/fault"
	"bajas/internal/identity"
)

// FinalizeOptions are parameters for executing an approved case.
type FinalizeOptions struct {
	CaseID  string
	Actor   identity.Actor
	Version int64
}

// Finalize transitions APPROVED -> EXECUTED. The fan-out to the asset registry is not
// atomic: each link is disposed and marked independently, transient registry failures
// are retried with bounded backoff, and EXECUTED is only written once every link has
// confirmed. On a partial run the case stays APPROVED and the error names the assets
// that still need disposing; a later Finalize skips links already marked.
func (e Engine) Finalize(ctx context.Context, opts FinalizeOptions) (domain.DisposalCase, error) {
	if e.Config == nil {
		return domain.DisposalCase{}, errors.New("config not loaded")
	}
	if opts.Actor.ID == "" {
		return domain.DisposalCase{}, fault.Required("actor_id")
	}
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return c, caseErr(opts.CaseID, err)
	}
	if c, err = guardVersion(c, opts.Version); err != nil {
		return c, err
	}
	if err := ensureCaseTransition(c, domain.StatusExecuted, "finalize"); err != nil {
		return c, err
	}
	if _, err := e.Identity.RequireRole(ctx, c.MunicipalityCode, opts.Actor, e.Config.RBAC.ApprovalRole); err != nil {
		return c, err
	}
	links, err := e.Repo.ListLinks(ctx, c.ID)
	if err != nil {
		return c, err
	}

	disposed := 0
	var failed []fault.AssetFailure
	for _, l := range links {
		if l.DisposedAt != nil {
			continue
		}
		if err := e.disposeAsset(ctx, l.AssetID); err != nil {
			failed = append(failed, fault.AssetFailure{AssetID: l.AssetID, Reason: err.Error()})
			continue
		}
		if err := e.markLinkDisposed(ctx, c.ID, l, opts.Actor.ID); err != nil {
			failed = append(failed, fault.AssetFailure{AssetID: l.AssetID, Reason: err.Error()})
			continue
		}
		disposed++
	}
	if len(failed) > 0 {
		pf := fault.PartialFailure{CaseID: c.ID, Disposed: disposed, Failed: failed}
		if err := e.recordPartialFinalize(ctx, c, pf, opts.Actor.ID); err != nil {
			return c, err
		}
		return c, pf
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetCaseTx(ctx, tx, c.ID)
	if err != nil {
		return c, caseErr(c.ID, err)
	}
	if err := ensureCaseTransition(current, domain.StatusExecuted, "finalize"); err != nil {
		return current, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	current.Status = domain.StatusExecuted
	current.PhysicalRemovalDate = &now
	current.UpdatedAt = now
	if current.Version, err = e.Repo.UpdateCaseGuarded(ctx, tx, current); err != nil {
		return current, caseErr(current.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "case.finalized", current.ID, "case", current.ID, opts.Actor.ID, events.EventPayload{
		"status":         current.Status,
		"disposed_count": disposed,
	}); err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return current, nil
}

// disposeAsset tells the registry to flip one asset to DISPOSED, retrying transient
// failures. A missing asset is permanent; retrying it would never succeed.
func (e Engine) disposeAsset(ctx context.Context, assetID string) error {
	bo := backoff.NewExponentialBackOff()
	if e.Config.Finalize.InitialBackoffMS > 0 {
		bo.InitialInterval = time.Duration(e.Config.Finalize.InitialBackoffMS) * time.Millisecond
	}
	attempts := uint64(0)
	if e.Config.Finalize.MaxAttempts > 1 {
		attempts = uint64(e.Config.Finalize.MaxAttempts - 1)
	}
	op := func() error {
		err := e.Assets.SetAssetStatus(ctx, assetID, domain.AssetDisposed)
		var nf fault.NotFound
		if errors.As(err, &nf) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx)); err != nil {
		var nf fault.NotFound
		if errors.As(err, &nf) {
			return err
		}
		return fault.Upstream{Collaborator: "asset registry", Err: err}
	}
	return nil
}

// markLinkDisposed stamps the link in its own transaction so progress survives a crash
// or a later partial failure.
func (e Engine) markLinkDisposed(ctx context.Context, caseID string, l domain.AssetLink, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	l.DisposedAt = &now
	l.UpdatedAt = now
	if err := e.Repo.UpdateLink(ctx, tx, l); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "asset.disposed", caseID, "link", l.ID, actorID, events.EventPayload{
		"asset_id": l.AssetID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) recordPartialFinalize(ctx context.Context, c domain.DisposalCase, pf fault.PartialFailure, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Events.Append(ctx, tx, "case.finalize.partial", c.ID, "case", c.ID, actorID, events.EventPayload{
		"disposed": pf.Disposed,
		"failed":   pf.Failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
