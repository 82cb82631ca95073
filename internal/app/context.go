// Package app resolves the active municipality and its config for CLI and server
// entrypoints, seeding defaults in the store when nothing exists yet.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bajas/internal/config"
	"bajas/internal/identity"
	"bajas/internal/repo"
)

// ResolveMunicipalityAndConfig picks the active municipality and ensures its row and
// config exist in the database. It prefers an explicit override, then the workspace
// bajas.yml, then a sole municipality already in the store. A municipality that does
// not exist yet is created on the fly with seed config and the invoking actor granted
// the approval role so a fresh workspace is immediately usable.
func ResolveMunicipalityAndConfig(ctx context.Context, workspace, codeOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	code := codeOverride
	if code == "" && fileCfg != nil {
		code = fileCfg.Municipality.Code
	}
	if code == "" {
		munis, err := r.ListMunicipalities(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(munis) == 1 {
			for c := range munis {
				code = c
			}
		}
	}
	if code == "" {
		return "", nil, fmt.Errorf("municipality not specified; use --municipality or import a config")
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(code)
	}

	if _, err := r.GetMunicipality(ctx, code); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createMunicipality(ctx, r, code, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}

	// The workspace file wins over the stored copy and refreshes it.
	if fileCfg != nil {
		if err := r.UpsertMunicipalityConfig(ctx, code, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store municipality config: %w", err)
		}
		return code, fileCfg, nil
	}

	cfg, err := r.GetMunicipalityConfig(ctx, code)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertMunicipalityConfig(ctx, code, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed municipality config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Municipality.Code = code
	return code, cfg, nil
}

// createMunicipality inserts the municipality row, its config and a minimal RBAC
// footprint so the invoking actor can resolve cases right away.
func createMunicipality(ctx context.Context, r repo.Repo, code string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(code)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureMunicipality(ctx, tx, code, seedCfg.Municipality.Name, now); err != nil {
		return fmt.Errorf("ensure municipality: %w", err)
	}
	if err := r.UpsertMunicipalityConfigTx(ctx, tx, code, seedCfg); err != nil {
		return fmt.Errorf("insert municipality config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	ident := identity.Service{DB: r.DB}
	if err := ident.GrantRole(ctx, tx, code, actorID, seedCfg.RBAC.ApprovalRole); err != nil {
		return fmt.Errorf("grant approval role: %w", err)
	}
	return tx.Commit()
}
