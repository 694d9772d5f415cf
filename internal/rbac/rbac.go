// Package rbac holds the static action-to-roles matrix for the admin
// surface. Unknown actions deny.
package rbac

import "github.com/rentalnet/guestgate/internal/domain"

// actions maps each administrative action to the roles allowed to
// perform it. Anything absent from this map is denied for every role.
var actions = map[string]map[domain.Role]bool{
	"health.read":           allow(domain.RoleViewer, domain.RoleAuditor, domain.RoleOperator, domain.RoleAdmin),
	"grants.list":           allow(domain.RoleOperator, domain.RoleAuditor, domain.RoleAdmin),
	"grants.extend":         allow(domain.RoleOperator, domain.RoleAdmin),
	"grants.revoke":         allow(domain.RoleOperator, domain.RoleAdmin),
	"vouchers.create":       allow(domain.RoleOperator, domain.RoleAdmin),
	"vouchers.list":         allow(domain.RoleOperator, domain.RoleAuditor, domain.RoleAdmin),
	"integrations.list":     allow(domain.RoleOperator, domain.RoleAuditor, domain.RoleAdmin),
	"integrations.create":   allow(domain.RoleAdmin),
	"integrations.update":   allow(domain.RoleAdmin),
	"integrations.delete":   allow(domain.RoleAdmin),
	"portal_config.read":    allow(domain.RoleOperator, domain.RoleAuditor, domain.RoleAdmin),
	"portal_config.update":  allow(domain.RoleAdmin),
	"admin.accounts.create": allow(domain.RoleAdmin),
	"admin.accounts.list":   allow(domain.RoleAdmin),
	"audit.entries.list":    allow(domain.RoleAuditor, domain.RoleAdmin),
}

func allow(roles ...domain.Role) map[domain.Role]bool {
	m := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		m[r] = true
	}
	return m
}

// IsAllowed reports whether role may perform action. Deny-by-default:
// unknown actions and unlisted roles both deny.
func IsAllowed(role domain.Role, action string) bool {
	roles, ok := actions[action]
	if !ok {
		return false
	}
	return roles[role]
}

// Actions returns the known action names, for diagnostics.
func Actions() []string {
	out := make([]string, 0, len(actions))
	for a := range actions {
		out = append(out, a)
	}
	return out
}
