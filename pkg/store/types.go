package store

import "time"

// Organization is a tenant. Every user, SSO config and app grant hangs off
// exactly one organization. MaxUsers and MaxApps are per-customer overrides
// negotiated outside the tier table; nil means the tier default applies.
type Organization struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Domain    string                 `json:"domain"`
	Tier      string                 `json:"tier"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	IsActive  bool                   `json:"is_active"`
	MaxUsers  *int                   `json:"max_users,omitempty"`
	MaxApps   *int                   `json:"max_apps,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// User statuses.
const (
	UserStatusActive   = "active"
	UserStatusInvited  = "invited"
	UserStatusDisabled = "disabled"
)

// User is a member of an organization. PasswordHash is empty for users who
// only ever sign in through SSO. FederatedID is the subject the identity
// provider asserts for them; it is the canonical SSO mapping, email is only
// a fallback for accounts that predate it.
type User struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	FederatedID  string     `json:"federated_id,omitempty"`
	Roles        []string   `json:"roles"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// SSOConfig is one identity-provider connection for an organization. The
// Config map holds provider-specific material (issuer URLs, client secrets,
// IdP certificates) and is stored as JSONB.
type SSOConfig struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"org_id"`
	Provider  string                 `json:"provider"`
	Config    map[string]interface{} `json:"config"`
	Enabled   bool                   `json:"enabled"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// AppAccess grants an organization access to one application.
type AppAccess struct {
	OrgID     string    `json:"org_id"`
	AppID     string    `json:"app_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is an append-only record of a security-relevant action.
type AuditLog struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"org_id"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Invitation is a pending invite for a user who has not yet accepted.
type Invitation struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	Token     string    `json:"-"`
	InvitedBy string    `json:"invited_by"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgUpdate is a partial update; nil fields are left untouched.
type OrgUpdate struct {
	Name     *string
	Tier     *string
	Settings map[string]interface{}
	IsActive *bool
	MaxUsers *int
	MaxApps  *int
}

// UserUpdate is a partial update; nil fields are left untouched.
type UserUpdate struct {
	Name         *string
	PasswordHash *string
	Roles        []string
	Status       *string
}

// SSOConfigUpdate is a partial update; nil fields are left untouched.
type SSOConfigUpdate struct {
	Config  map[string]interface{}
	Enabled *bool
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
