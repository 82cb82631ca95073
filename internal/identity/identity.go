// Package identity is the boundary to the identity collaborator: it resolves who an
// actor is and whether they hold the role a gated operation demands. The engine never
// reads ambient session state; actors arrive as explicit parameters and role checks go
// through this service.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Actor is a resolved principal: an identifier plus the role claims that came with it
// (from a token) or were granted in the store.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ForbiddenError indicates the actor lacks a required role.
type ForbiddenError struct {
	ActorID string
	Role    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s: role %s required", e.ActorID, e.Role)
}

// Service provides role lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) GrantRole(ctx context.Context, tx *sql.Tx, municipalityCode, actorID, roleID string) error {
	if err := s.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(municipality_code, actor_id, role_id) VALUES (?,?,?)`,
		municipalityCode, actorID, roleID)
	return err
}

func (s Service) RevokeRole(ctx context.Context, tx *sql.Tx, municipalityCode, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE municipality_code=? AND actor_id=? AND role_id=?`,
		municipalityCode, actorID, roleID)
	return err
}

func (s Service) ActorRoles(ctx context.Context, municipalityCode, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE municipality_code=? AND actor_id=?`,
		municipalityCode, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Resolve returns the actor with token claims merged with stored grants.
func (s Service) Resolve(ctx context.Context, municipalityCode string, a Actor) (Actor, error) {
	if a.ID == "" {
		return a, errors.New("actor id required")
	}
	stored, err := s.ActorRoles(ctx, municipalityCode, a.ID)
	if err != nil {
		return a, err
	}
	for _, r := range stored {
		if !a.HasRole(r) {
			a.Roles = append(a.Roles, r)
		}
	}
	return a, nil
}

// RequireRole resolves the actor and fails with ForbiddenError unless the role is held.
func (s Service) RequireRole(ctx context.Context, municipalityCode string, a Actor, role string) (Actor, error) {
	resolved, err := s.Resolve(ctx, municipalityCode, a)
	if err != nil {
		return a, err
	}
	if !resolved.HasRole(role) {
		return resolved, ForbiddenError{ActorID: a.ID, Role: role}
	}
	return resolved, nil
}
