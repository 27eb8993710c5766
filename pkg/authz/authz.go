// Package authz resolves what an authenticated identity may do inside one
// application. Roles are coarse platform-wide labels; permissions are the
// per-app verbs derived from them.
package authz

import (
	"sort"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/token"
)

// Permissions granted per role.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
	PermAdmin  = "admin"
)

// Platform roles.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

var rolePermissions = map[string][]string{
	RoleAdmin:     {PermRead, PermWrite, PermDelete, PermAdmin},
	RoleDeveloper: {PermRead, PermWrite},
	RoleViewer:    {PermRead},
}

// KnownRole reports whether role is one the platform understands.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Grant is the resolved authorization for one identity in one app.
type Grant struct {
	UserID      string   `json:"user_id"`
	OrgID       string   `json:"org_id"`
	AppID       string   `json:"app_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Resolve computes the permission set claims carry for appID. The app must
// be in the token's allowed set; unknown roles contribute nothing.
func Resolve(claims *token.Claims, appID string) (*Grant, error) {
	if appID == "" {
		return nil, autherr.New(autherr.KindValidation, "app id is required")
	}
	if !appAllowed(claims.AllowedApps, appID) {
		return nil, autherr.Newf(autherr.KindAppNotEnabled, "app %s is not enabled for this organization", appID)
	}

	return &Grant{
		UserID:      claims.UserID,
		OrgID:       claims.OrgID,
		AppID:       appID,
		Roles:       claims.Roles,
		Permissions: PermissionsFor(claims.Roles),
	}, nil
}

// PermissionsFor returns the sorted union of permissions for roles.
func PermissionsFor(roles []string) []string {
	seen := map[string]bool{}
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			seen[perm] = true
		}
	}
	perms := make([]string, 0, len(seen))
	for perm := range seen {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// HasPermission reports whether the grant includes perm.
func (g *Grant) HasPermission(perm string) bool {
	for _, p := range g.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasRole reports whether roles contains role.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func appAllowed(allowed []string, appID string) bool {
	for _, app := range allowed {
		if app == appID {
			return true
		}
	}
	return false
}
