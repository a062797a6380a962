package auth

import (
	"context"
	"strings"
)

// StaffPolicy grants administrative access to users that either appear on a
// static allowlist or carry a staff/admin role claim on their verified token.
type StaffPolicy struct {
	allowlist map[string]struct{}
}

// NewStaffPolicy builds a policy from the configured admin user IDs. Empty
// entries are ignored.
func NewStaffPolicy(userIDs []string) *StaffPolicy {
	allow := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		allow[id] = struct{}{}
	}
	return &StaffPolicy{allowlist: allow}
}

// IsAdmin reports whether the given user may perform administrative
// operations. The context identity is only consulted when it belongs to the
// same user, so a staff token cannot elevate an arbitrary actor ID.
func (p *StaffPolicy) IsAdmin(ctx context.Context, userID string) bool {
	if p == nil {
		return false
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	if _, ok := p.allowlist[userID]; ok {
		return true
	}
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.UID != userID {
		return false
	}
	return identity.HasAnyRole(RoleAdmin, RoleStaff)
}
