package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bajas/internal/assets"
	"bajas/internal/config"
	"bajas/internal/db"
	"bajas/internal/domain"
	"bajas/internal/engine"
	"bajas/internal/fault"
	"bajas/internal/identity"
	"bajas/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("LIMA")
	cfg.Finalize.MaxAttempts = 1
	cfg.Finalize.InitialBackoffMS = 1
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	env := testEnv{Engine: eng, Ctx: ctx}
	env.seedMunicipality(t)
	env.grantRole(t, "approver", cfg.RBAC.ApprovalRole)
	return env
}

func (env testEnv) seedMunicipality(t *testing.T) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.EnsureMunicipality(env.Ctx, tx, "LIMA", "Lima", now); err != nil {
		t.Fatalf("seed municipality: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) grantRole(t *testing.T, actorID, role string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := env.Engine.Identity.GrantRole(env.Ctx, tx, "LIMA", actorID, role); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) registerAsset(t *testing.T, id, code string) {
	t.Helper()
	registry := env.Engine.Assets.(assets.SQLRegistry)
	_, err := registry.Register(env.Ctx, "LIMA", domain.AssetSnapshot{
		ID:          id,
		Code:        code,
		Description: "desk " + code,
	})
	if err != nil {
		t.Fatalf("register asset %s: %v", id, err)
	}
}

func (env testEnv) openCase(t *testing.T) domain.DisposalCase {
	t.Helper()
	c, err := env.Engine.OpenCase(env.Ctx, engine.CaseOpenOptions{
		DisposalType:          domain.TypeObsolescence,
		Reason:                "END_OF_LIFE",
		ReasonDescription:     "beyond economic repair",
		TechnicalReportAuthor: "engineer-1",
		RequestedBy:           "clerk-1",
	})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return c
}

func (env testEnv) approver() identity.Actor {
	return identity.Actor{ID: "approver", Roles: []string{env.Engine.Config.RBAC.ApprovalRole}}
}

func TestCaseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.registerAsset(t, "asset-1", "INV-001")
	env.registerAsset(t, "asset-2", "INV-002")

	c := env.openCase(t)
	if c.Status != domain.StatusInitiated || c.Version != 1 {
		t.Fatalf("unexpected initial case: %+v", c)
	}
	if c.FileNumber != "EXP-BAJA-LIMA-2025-0001" {
		t.Fatalf("unexpected file number %s", c.FileNumber)
	}

	l1, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("attach asset-1: %v", err)
	}
	l2, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-2", ConservationStatus: "UNUSABLE", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("attach asset-2: %v", err)
	}

	c, err = env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"})
	if err != nil || c.Status != domain.StatusUnderEvaluation {
		t.Fatalf("start evaluation: %v (status %s)", err, c.Status)
	}
	if c.EvaluationStartedAt == nil {
		t.Fatalf("expected evaluation timestamp")
	}

	for _, l := range []domain.AssetLink{l1, l2} {
		if _, err := env.Engine.RecordOpinion(env.Ctx, engine.OpinionRecordOptions{
			LinkID:           l.ID,
			TechnicalOpinion: "not worth repairing",
			Recommendation:   domain.RecommendRecycle,
			EvaluatorID:      "evaluator-1",
		}); err != nil {
			t.Fatalf("record opinion on %s: %v", l.ID, err)
		}
	}

	c, err = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()})
	if err != nil || c.Status != domain.StatusApproved {
		t.Fatalf("resolve: %v (status %s)", err, c.Status)
	}
	if c.ResolutionNumber == nil || *c.ResolutionNumber != "RES-BAJA-LIMA-2025-0001" {
		t.Fatalf("unexpected resolution number %v", c.ResolutionNumber)
	}
	if c.Approved == nil || !*c.Approved || c.ApprovedBy == nil || *c.ApprovedBy != "approver" {
		t.Fatalf("approval fields not stamped: %+v", c)
	}

	c, err = env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()})
	if err != nil || c.Status != domain.StatusExecuted {
		t.Fatalf("finalize: %v (status %s)", err, c.Status)
	}
	if c.PhysicalRemovalDate == nil {
		t.Fatalf("expected physical removal date")
	}

	for _, id := range []string{"asset-1", "asset-2"} {
		a, err := env.Engine.Assets.GetAsset(env.Ctx, id)
		if err != nil {
			t.Fatalf("get asset %s: %v", id, err)
		}
		if a.Status != domain.AssetDisposed {
			t.Fatalf("asset %s status %s, want DISPOSED", id, a.Status)
		}
	}
	links, err := env.Engine.Repo.ListLinks(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	for _, l := range links {
		if l.DisposedAt == nil {
			t.Fatalf("link %s not marked disposed", l.ID)
		}
	}
}

func TestTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t)

	var ise fault.InvalidState
	if _, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()}); !errors.As(err, &ise) {
		t.Fatalf("resolve from INITIATED: want InvalidState, got %v", err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()}); !errors.As(err, &ise) {
		t.Fatalf("finalize from INITIATED: want InvalidState, got %v", err)
	}

	c, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"})
	if err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); !errors.As(err, &ise) {
		t.Fatalf("double start: want InvalidState, got %v", err)
	}

	c, err = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{CaseID: c.ID, CancelledBy: "clerk-1"}); !errors.As(err, &ise) {
		t.Fatalf("cancel APPROVED: want InvalidState, got %v", err)
	}

	c, err = env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()}); !errors.As(err, &ise) {
		t.Fatalf("double finalize: want InvalidState, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{CaseID: c.ID, CancelledBy: "clerk-1"}); !errors.As(err, &ise) {
		t.Fatalf("cancel EXECUTED: want InvalidState, got %v", err)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t)

	var conflict fault.Conflict
	_, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{
		CaseID: c.ID, AssignedBy: "supervisor-1", Version: c.Version + 5,
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("want Conflict on stale version, got %v", err)
	}
	// current version still passes
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{
		CaseID: c.ID, AssignedBy: "supervisor-1", Version: c.Version,
	}); err != nil {
		t.Fatalf("matching version: %v", err)
	}
}

func TestAttachGuards(t *testing.T) {
	env := newTestEnv(t)
	env.registerAsset(t, "asset-1", "INV-001")
	c := env.openCase(t)

	var nf fault.NotFound
	if _, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "no-such-asset", ConservationStatus: "BAD", ActorID: "clerk-1",
	}); !errors.As(err, &nf) {
		t.Fatalf("unknown asset: want NotFound, got %v", err)
	}

	l, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	// re-attach amends the existing link instead of duplicating
	again, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-1", ConservationStatus: "UNUSABLE", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if again.ID != l.ID || again.ConservationStatus != "UNUSABLE" {
		t.Fatalf("expected amended link, got %+v", again)
	}

	// same asset on a second open case conflicts
	other := env.openCase(t)
	var conflict fault.Conflict
	if _, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: other.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	}); !errors.As(err, &conflict) {
		t.Fatalf("double link: want Conflict, got %v", err)
	}

	// a disposed asset can never be attached
	if err := env.Engine.Assets.SetAssetStatus(env.Ctx, "asset-1", domain.AssetDisposed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: other.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	}); !errors.As(err, &conflict) {
		t.Fatalf("disposed asset: want Conflict, got %v", err)
	}
}

func TestDetachOnlyWhileInitiated(t *testing.T) {
	env := newTestEnv(t)
	env.registerAsset(t, "asset-1", "INV-001")
	c := env.openCase(t)
	l, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	var ise fault.InvalidState
	if err := env.Engine.DetachAsset(env.Ctx, engine.AssetDetachOptions{LinkID: l.ID, ActorID: "clerk-1"}); !errors.As(err, &ise) {
		t.Fatalf("detach under evaluation: want InvalidState, got %v", err)
	}
}

func TestRejectionRequiresObservations(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t)
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}

	var ve fault.Validation
	_, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: false, Actor: env.approver()})
	if !errors.As(err, &ve) || ve.Field != "observations" {
		t.Fatalf("want validation on observations, got %v", err)
	}

	c, err = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, Approved: false, Observations: "assets still serviceable", Actor: env.approver(),
	})
	if err != nil || c.Status != domain.StatusRejected {
		t.Fatalf("reject: %v (status %s)", err, c.Status)
	}
	if c.ResolutionNumber != nil {
		t.Fatalf("rejected case must not carry a resolution number")
	}
}

func TestResolutionNumberSequence(t *testing.T) {
	env := newTestEnv(t)
	var numbers []string
	for i := 0; i < 2; i++ {
		c := env.openCase(t)
		if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
			t.Fatalf("start evaluation: %v", err)
		}
		c, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()})
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		numbers = append(numbers, *c.ResolutionNumber)
	}
	if numbers[0] != "RES-BAJA-LIMA-2025-0001" || numbers[1] != "RES-BAJA-LIMA-2025-0002" {
		t.Fatalf("unexpected sequence %v", numbers)
	}

	// supplying an already-issued number is rejected
	c := env.openCase(t)
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	var ve fault.Validation
	_, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, Approved: true, ResolutionNumber: numbers[0], Actor: env.approver(),
	})
	if !errors.As(err, &ve) || ve.Field != "resolution_number" {
		t.Fatalf("want validation on resolution_number, got %v", err)
	}

	// a fresh caller-supplied number is stamped as-is
	c, err = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, Approved: true, ResolutionNumber: "RES-BAJA-LIMA-2025-0007", Actor: env.approver(),
	})
	if err != nil {
		t.Fatalf("resolve with supplied number: %v", err)
	}
	if c.ResolutionNumber == nil || *c.ResolutionNumber != "RES-BAJA-LIMA-2025-0007" {
		t.Fatalf("unexpected resolution number %v", c.ResolutionNumber)
	}
}

func TestConcurrentResolutionNumbersDistinct(t *testing.T) {
	env := newTestEnv(t)
	const n = 4
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		c := env.openCase(t)
		if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
			t.Fatalf("start evaluation %d: %v", i, err)
		}
		ids[i] = c.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	numbers := map[string]string{}
	for _, id := range ids {
		wg.Add(1)
		go func(caseID string) {
			defer wg.Done()
			c, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: caseID, Approved: true, Actor: env.approver()})
			if err != nil {
				t.Errorf("resolve %s: %v", caseID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := numbers[*c.ResolutionNumber]; dup {
				t.Errorf("number %s issued to both %s and %s", *c.ResolutionNumber, prev, caseID)
				return
			}
			numbers[*c.ResolutionNumber] = caseID
		}(id)
	}
	wg.Wait()

	if len(numbers) != n {
		t.Fatalf("expected %d distinct resolution numbers, got %d: %v", n, len(numbers), numbers)
	}
	for number := range numbers {
		if !strings.HasPrefix(number, "RES-BAJA-LIMA-2025-") {
			t.Fatalf("malformed resolution number %s", number)
		}
	}
}

func TestRequireOpinionsPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Resolution.RequireOpinions = true
	env.registerAsset(t, "asset-1", "INV-001")

	c := env.openCase(t)
	l, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
		CaseID: c.ID, AssetID: "asset-1", ConservationStatus: "BAD", ActorID: "clerk-1",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}

	var ve fault.Validation
	_, err = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()})
	if !errors.As(err, &ve) || ve.Field != "opinions" {
		t.Fatalf("want validation on opinions, got %v", err)
	}

	summary, err := env.Engine.OpinionStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("opinion status: %v", err)
	}
	if summary.Complete || summary.LinkedAssets != 1 || summary.WithOpinion != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := env.Engine.RecordOpinion(env.Ctx, engine.OpinionRecordOptions{
		LinkID: l.ID, TechnicalOpinion: "scrap it", Recommendation: domain.RecommendDestroy, EvaluatorID: "evaluator-1",
	}); err != nil {
		t.Fatalf("record opinion: %v", err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()}); err != nil {
		t.Fatalf("resolve after opinions: %v", err)
	}
}

func TestApprovalRoleRequired(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t)
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	var forbidden identity.ForbiddenError
	_, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, Approved: true, Actor: identity.Actor{ID: "intruder"},
	})
	if !errors.As(err, &forbidden) {
		t.Fatalf("want ForbiddenError, got %v", err)
	}
}

// flakyRegistry fails SetAssetStatus for selected assets until unblocked.
type flakyRegistry struct {
	assets.Registry
	failing map[string]bool
	calls   map[string]int
}

func (r *flakyRegistry) SetAssetStatus(ctx context.Context, assetID, status string) error {
	r.calls[assetID]++
	if r.failing[assetID] {
		return fmt.Errorf("registry timeout for %s", assetID)
	}
	return r.Registry.SetAssetStatus(ctx, assetID, status)
}

func TestFinalizePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.registerAsset(t, "asset-1", "INV-001")
	env.registerAsset(t, "asset-2", "INV-002")
	registry := &flakyRegistry{
		Registry: env.Engine.Assets,
		failing:  map[string]bool{"asset-2": true},
		calls:    map[string]int{},
	}
	env.Engine.Assets = registry

	c := env.openCase(t)
	for _, id := range []string{"asset-1", "asset-2"} {
		if _, err := env.Engine.AttachAsset(env.Ctx, engine.AssetAttachOptions{
			CaseID: c.ID, AssetID: id, ConservationStatus: "BAD", ActorID: "clerk-1",
		}); err != nil {
			t.Fatalf("attach %s: %v", id, err)
		}
	}
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var pf fault.PartialFailure
	_, err := env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()})
	if !errors.As(err, &pf) {
		t.Fatalf("want PartialFailure, got %v", err)
	}
	if pf.Disposed != 1 || len(pf.Failed) != 1 || pf.Failed[0].AssetID != "asset-2" {
		t.Fatalf("unexpected partial failure %+v", pf)
	}
	// the case must remain APPROVED for a retry
	current, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if current.Status != domain.StatusApproved {
		t.Fatalf("case status %s, want APPROVED", current.Status)
	}

	// unblock the registry and retry; the already-disposed link is skipped
	registry.failing["asset-2"] = false
	asset1Calls := registry.calls["asset-1"]
	current, err = env.Engine.Finalize(env.Ctx, engine.FinalizeOptions{CaseID: c.ID, Actor: env.approver()})
	if err != nil || current.Status != domain.StatusExecuted {
		t.Fatalf("retry finalize: %v (status %s)", err, current.Status)
	}
	if registry.calls["asset-1"] != asset1Calls {
		t.Fatalf("asset-1 disposed twice")
	}
}

func TestCancelFromEarlyStates(t *testing.T) {
	env := newTestEnv(t)

	c := env.openCase(t)
	c, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{CaseID: c.ID, CancelledBy: "clerk-1", Observations: "opened in error"})
	if err != nil || c.Status != domain.StatusCancelled {
		t.Fatalf("cancel from INITIATED: %v (status %s)", err, c.Status)
	}

	c2 := env.openCase(t)
	if _, err := env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c2.ID, AssignedBy: "supervisor-1"}); err != nil {
		t.Fatalf("start evaluation: %v", err)
	}
	c2, err = env.Engine.Cancel(env.Ctx, engine.CancelOptions{CaseID: c2.ID, CancelledBy: "clerk-1", Observations: "withdrawn"})
	if err != nil || c2.Status != domain.StatusCancelled {
		t.Fatalf("cancel from UNDER_EVALUATION: %v (status %s)", err, c2.Status)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t)
	_, _ = env.Engine.StartEvaluation(env.Ctx, engine.EvaluationStartOptions{CaseID: c.ID, AssignedBy: "supervisor-1"})
	_, _ = env.Engine.Resolve(env.Ctx, engine.ResolveOptions{CaseID: c.ID, Approved: true, Actor: env.approver()})
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, c.ID, "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected events for open/evaluate/resolve, got %d", len(events))
	}
}
