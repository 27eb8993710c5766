package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/openauthhq/openauth/pkg/authz"
	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/billing"
	"github.com/openauthhq/openauth/pkg/httputil"
	"github.com/openauthhq/openauth/pkg/sso"
	"github.com/openauthhq/openauth/pkg/store"
)

func pageFrom(r *http.Request) store.Page {
	limit, _ := httputil.ParseQueryInt(r, "limit", 50)
	offset, _ := httputil.ParseQueryInt(r, "offset", 0)
	return store.Page{Limit: limit, Offset: offset}
}

// handleListOrgs lists organizations visible to the caller. Org admins only
// ever see their own tenant.
func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	org, err := s.store.GetOrganization(r.Context(), claims.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, []*store.Organization{org})
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

type updateOrgRequest struct {
	Name     *string                `json:"name,omitempty"`
	Tier     *string                `json:"tier,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	IsActive *bool                  `json:"is_active,omitempty"`
	MaxUsers *int                   `json:"max_users,omitempty"`
	MaxApps  *int                   `json:"max_apps,omitempty"`
}

func (s *Server) handleUpdateOrg(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	var req updateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Tier != nil && !billing.Valid(billing.Tier(*req.Tier)) {
		httputil.WriteValidationError(w, fmt.Sprintf("unknown tier: %s", *req.Tier))
		return
	}
	if (req.MaxUsers != nil && *req.MaxUsers < billing.Unlimited) ||
		(req.MaxApps != nil && *req.MaxApps < billing.Unlimited) {
		httputil.WriteValidationError(w, "limit overrides must be -1 (unlimited) or non-negative")
		return
	}
	updates := &store.OrgUpdate{
		Name:     req.Name,
		Tier:     req.Tier,
		Settings: req.Settings,
		IsActive: req.IsActive,
		MaxUsers: req.MaxUsers,
		MaxApps:  req.MaxApps,
	}
	if err := s.store.UpdateOrganization(r.Context(), orgID, updates); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditOrgUpdated,
	})
	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// handleDeleteOrg deactivates the tenant. Rows are kept; tokens already in
// flight die at their natural expiry but no new logins succeed.
func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := s.store.DeleteOrganization(r.Context(), orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditOrgDeleted,
	})
	httputil.WriteSuccess(w, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	apps, err := s.store.ListAppAccess(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, apps)
}

type setAppAccessRequest struct {
	AppID   string `json:"app_id"`
	Enabled bool   `json:"enabled"`
}

// handleSetAppAccess enables or disables one application for the tenant,
// enforcing the tier's app ceiling on enable.
func (s *Server) handleSetAppAccess(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	var req setAppAccessRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AppID, "app_id") {
		return
	}

	ctx := r.Context()
	if req.Enabled {
		org, err := s.store.GetOrganization(ctx, orgID)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		enabled, err := s.store.ListEnabledApps(ctx, orgID)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		already := false
		for _, app := range enabled {
			if app == req.AppID {
				already = true
				break
			}
		}
		if !already {
			if err := billing.CheckAppLimit(billing.OrgLimits(org), len(enabled)); err != nil {
				httputil.WriteDomainError(w, err)
				return
			}
		}
	}
	if err := s.store.SetAppAccess(ctx, orgID, req.AppID, req.Enabled); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditOrgUpdated,
		Details: map[string]interface{}{"app_id": req.AppID, "enabled": req.Enabled},
	})
	httputil.WriteSuccess(w, map[string]interface{}{"app_id": req.AppID, "enabled": req.Enabled})
}

func (s *Server) handleListSSOConfigs(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	configs, err := s.store.ListSSOConfigs(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, configs)
}

type createSSOConfigRequest struct {
	Provider string                 `json:"provider"`
	Config   map[string]interface{} `json:"config"`
	Enabled  *bool                  `json:"enabled,omitempty"`
}

func (s *Server) handleCreateSSOConfig(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	orgID := mux.Vars(r)["id"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	var req createSSOConfigRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Provider, "provider") {
		return
	}
	if err := validateSSOConfig(&store.SSOConfig{Provider: req.Provider, Config: req.Config}); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	ctx := r.Context()
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	count, err := s.store.CountSSOConfigs(ctx, orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := billing.CheckSSOConfigLimit(billing.OrgLimits(org), count); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := &store.SSOConfig{
		OrgID:    orgID,
		Provider: req.Provider,
		Config:   req.Config,
		Enabled:  enabled,
	}
	if err := s.store.CreateSSOConfig(ctx, cfg); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditSSOConfigCreated,
		Details: map[string]interface{}{"provider": req.Provider},
	})
	httputil.WriteCreated(w, cfg)
}

type updateSSOConfigRequest struct {
	Config  map[string]interface{} `json:"config,omitempty"`
	Enabled *bool                  `json:"enabled,omitempty"`
}

func (s *Server) handleUpdateSSOConfig(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	vars := mux.Vars(r)
	orgID, provider := vars["id"], vars["provider"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	var req updateSSOConfigRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Config != nil {
		if err := validateSSOConfig(&store.SSOConfig{Provider: provider, Config: req.Config}); err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}

	ctx := r.Context()
	cfg, err := s.findSSOConfig(ctx, orgID, provider)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	updates := &store.SSOConfigUpdate{Config: req.Config, Enabled: req.Enabled}
	if err := s.store.UpdateSSOConfig(ctx, orgID, cfg.ID, updates); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditSSOConfigUpdated,
		Details: map[string]interface{}{"provider": provider},
	})
	updated, err := s.store.GetSSOConfig(ctx, orgID, cfg.ID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

func (s *Server) handleDeleteSSOConfig(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	vars := mux.Vars(r)
	orgID, provider := vars["id"], vars["provider"]
	if err := scopeOrg(claims, orgID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	ctx := r.Context()
	cfg, err := s.findSSOConfig(ctx, orgID, provider)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := s.store.DeleteSSOConfig(ctx, orgID, cfg.ID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: claims.UserID,
		Action:  store.AuditSSOConfigDeleted,
		Details: map[string]interface{}{"provider": provider},
	})
	httputil.WriteSuccess(w, map[string]string{"status": "deleted"})
}

// findSSOConfig resolves a provider name to the tenant's config regardless
// of whether the connection is currently enabled.
func (s *Server) findSSOConfig(ctx context.Context, orgID, provider string) (*store.SSOConfig, error) {
	configs, err := s.store.ListSSOConfigs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if cfg.Provider == provider {
			return cfg, nil
		}
	}
	return nil, autherr.Newf(autherr.KindNotFound, "no %s connection for this organization", provider)
}

// validateSSOConfig rejects connections missing the material their
// provider cannot work without, so a broken config fails at write time
// rather than on a user's first login attempt.
func validateSSOConfig(cfg *store.SSOConfig) error {
	if !sso.KnownProvider(cfg.Provider) {
		return autherr.Newf(autherr.KindValidation, "unsupported sso provider: %s", cfg.Provider)
	}
	var required []string
	switch cfg.Provider {
	case sso.ProviderSAML:
		required = []string{"entity_id", "sso_url", "certificate"}
	case sso.ProviderGoogle:
		// Google's issuer is preset; only the client credentials vary.
		required = []string{"client_id", "client_secret"}
	default:
		required = []string{"issuer_url", "client_id", "client_secret"}
	}
	for _, key := range required {
		if cfg.ConfigString(key) == "" {
			return autherr.Newf(autherr.KindValidation, "sso config is missing %s", key)
		}
	}
	return nil
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	users, err := s.store.ListUsers(r.Context(), claims.OrgID, pageFrom(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	user, err := s.store.GetUser(r.Context(), claims.OrgID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

type updateUserRequest struct {
	Name   *string  `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Status *string  `json:"status,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID := mux.Vars(r)["id"]
	var req updateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	for _, role := range req.Roles {
		if !authz.KnownRole(role) {
			httputil.WriteValidationError(w, fmt.Sprintf("unknown role: %s", role))
			return
		}
	}
	if req.Status != nil {
		switch *req.Status {
		case store.UserStatusActive, store.UserStatusDisabled:
		default:
			httputil.WriteValidationError(w, fmt.Sprintf("unsupported status: %s", *req.Status))
			return
		}
	}

	updates := &store.UserUpdate{Name: req.Name, Roles: req.Roles, Status: req.Status}
	if err := s.store.UpdateUser(r.Context(), claims.OrgID, userID, updates); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   claims.OrgID,
		ActorID: claims.UserID,
		Action:  store.AuditUserUpdated,
		Details: map[string]interface{}{"user_id": userID},
	})
	user, err := s.store.GetUser(r.Context(), claims.OrgID, userID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// handleDeleteUser removes the user row and kills their live sessions so a
// departed employee cannot keep refreshing.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID := mux.Vars(r)["id"]
	if userID == claims.UserID {
		httputil.WriteDomainError(w, autherr.New(autherr.KindValidation, "cannot delete your own account"))
		return
	}
	if err := s.store.DeleteUser(r.Context(), claims.OrgID, userID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if _, err := s.ledger.DeleteAllSessions(r.Context(), userID); err != nil {
		s.logger.WithError(err).Warn("failed to delete sessions")
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   claims.OrgID,
		ActorID: claims.UserID,
		Action:  store.AuditUserDeleted,
		Details: map[string]interface{}{"user_id": userID},
	})
	httputil.WriteSuccess(w, map[string]string{"status": "deleted"})
}

type inviteUserRequest struct {
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

type inviteUserResponse struct {
	Invitation *store.Invitation `json:"invitation"`
	AcceptURL  string            `json:"accept_url"`
}

// handleInviteUser creates a single-use invitation, counts it against the
// tier's seat limit and emails the accept link.
func (s *Server) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	var req inviteUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	for _, role := range req.Roles {
		if !authz.KnownRole(role) {
			httputil.WriteValidationError(w, fmt.Sprintf("unknown role: %s", role))
			return
		}
	}

	ctx := r.Context()
	org, err := s.store.GetOrganization(ctx, claims.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	count, err := s.store.CountUsers(ctx, claims.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := billing.CheckUserLimit(billing.OrgLimits(org), count); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	inv := &store.Invitation{
		OrgID:     claims.OrgID,
		Email:     req.Email,
		Roles:     req.Roles,
		Token:     uuid.NewString(),
		InvitedBy: claims.UserID,
		ExpiresAt: time.Now().UTC().Add(7 * 24 * time.Hour),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	acceptURL := s.cfg.SSO.BaseURL + "/auth/register/user?token=" + inv.Token
	s.notifier.SendInvitation(inv.Email, org.Name, acceptURL)
	s.appendAudit(r, &store.AuditLog{
		OrgID:   claims.OrgID,
		ActorID: claims.UserID,
		Action:  store.AuditUserInvited,
		Details: map[string]interface{}{"email": inv.Email},
	})
	httputil.WriteCreated(w, &inviteUserResponse{Invitation: inv, AcceptURL: acceptURL})
}

// handleUserPermissions resolves a user's effective permissions for one
// application, failing when the app is not enabled for the tenant.
func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	vars := mux.Vars(r)
	userID, appID := vars["id"], vars["app"]

	ctx := r.Context()
	user, err := s.store.GetUser(ctx, claims.OrgID, userID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	enabled, err := s.store.GetAppAccess(ctx, claims.OrgID, appID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if !enabled {
		httputil.WriteDomainError(w, autherr.Newf(autherr.KindAppNotEnabled, "app %s is not enabled for this organization", appID))
		return
	}

	httputil.WriteSuccess(w, &authz.Grant{
		UserID:      user.ID,
		OrgID:       user.OrgID,
		AppID:       appID,
		Roles:       user.Roles,
		Permissions: authz.PermissionsFor(user.Roles),
	})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	entries, err := s.store.ListAudit(r.Context(), claims.OrgID, pageFrom(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}
