// Package rbac answers one question: may this user act on this resource at
// this level. Grants are warehouse-scoped; a grant with a null resource covers
// every resource of its type.
package rbac

import (
	"time"

	"github.com/google/uuid"
)

// PermissionLevel is a closed, ordered capability set. A grant at a higher
// level implies every lower one.
type PermissionLevel string

const (
	LevelView    PermissionLevel = "view"
	LevelOperate PermissionLevel = "operate"
	LevelManage  PermissionLevel = "manage"
)

var levelRank = map[PermissionLevel]int{
	LevelView:    1,
	LevelOperate: 2,
	LevelManage:  3,
}

// IsValid checks membership in the closed level set.
func (l PermissionLevel) IsValid() bool {
	_, ok := levelRank[l]
	return ok
}

// Covers reports whether a grant at l satisfies a requirement of required.
func (l PermissionLevel) Covers(required PermissionLevel) bool {
	return levelRank[l] >= levelRank[required]
}

// ResourceTypeWarehouse is the only resource type fulfillment guards today.
const ResourceTypeWarehouse = "warehouse"

// Grant awards one user a level over one resource. ResourceID nil means every
// resource of the type.
type Grant struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ResourceType string
	ResourceID   *uuid.UUID
	Level        PermissionLevel
	GrantedBy    uuid.UUID
	GrantedAt    time.Time
}

// Decision is the outcome of a permission check. Reason is human-readable and
// safe to return to the caller.
type Decision struct {
	Allowed bool
	Reason  string
}
