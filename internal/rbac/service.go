package rbac

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Checker decides whether a user may act on a resource at a level.
type Checker interface {
	HasPermission(ctx context.Context, userID uuid.UUID, resourceType string, resourceID uuid.UUID, level PermissionLevel) (Decision, error)
}

// Service is the PostgreSQL-backed Checker.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs Service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// HasPermission looks up the user's strongest grant over the resource,
// counting wildcard grants, and compares it to the required level.
func (s *Service) HasPermission(ctx context.Context, userID uuid.UUID, resourceType string, resourceID uuid.UUID, level PermissionLevel) (Decision, error) {
	if !level.IsValid() {
		return Decision{}, fmt.Errorf("rbac: unknown permission level %q", string(level))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT permission_level FROM permission_grants
		 WHERE user_id = $1 AND resource_type = $2
		   AND (resource_id = $3 OR resource_id IS NULL)`,
		userID, resourceType, resourceID)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: load grants: %w", err)
	}
	defer rows.Close()

	best := 0
	for rows.Next() {
		var granted string
		if err := rows.Scan(&granted); err != nil {
			return Decision{}, err
		}
		if rank := levelRank[PermissionLevel(granted)]; rank > best {
			best = rank
		}
	}
	if err := rows.Err(); err != nil {
		return Decision{}, err
	}

	if best == 0 {
		return Decision{Reason: fmt.Sprintf("no %s grant on %s %s", string(level), resourceType, resourceID)}, nil
	}
	if best < levelRank[level] {
		return Decision{Reason: fmt.Sprintf("grant below required level %s on %s %s", string(level), resourceType, resourceID)}, nil
	}
	return Decision{Allowed: true, Reason: "granted"}, nil
}

// GrantPermission records a grant. Idempotent per (user, type, resource).
func (s *Service) GrantPermission(ctx context.Context, g Grant) error {
	if !g.Level.IsValid() {
		return fmt.Errorf("rbac: unknown permission level %q", string(g.Level))
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO permission_grants (permission_grant_id, user_id, resource_type, resource_id, permission_level, granted_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, resource_type, COALESCE(resource_id, '00000000-0000-0000-0000-000000000000'::uuid))
		 DO UPDATE SET permission_level = EXCLUDED.permission_level, granted_by = EXCLUDED.granted_by`,
		g.ID, g.UserID, g.ResourceType, g.ResourceID, string(g.Level), g.GrantedBy)
	if err != nil {
		return fmt.Errorf("rbac: grant permission: %w", err)
	}
	return nil
}
