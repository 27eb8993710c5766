package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/openauthhq/openauth/pkg/authz"
	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/billing"
	"github.com/openauthhq/openauth/pkg/httputil"
	"github.com/openauthhq/openauth/pkg/ledger"
	"github.com/openauthhq/openauth/pkg/sso"
	"github.com/openauthhq/openauth/pkg/store"
	"github.com/openauthhq/openauth/pkg/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

type loginResponse struct {
	Tokens    *token.Pair `json:"tokens"`
	User      *store.User `json:"user"`
	SessionID string      `json:"session_id"`
}

// handleLogin authenticates an email/password pair against the caller's
// organization. Every failure reads the same so a caller cannot distinguish an
// unknown account from a bad password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	domain := req.Domain
	if domain == "" {
		domain = emailDomain(req.Email)
	}
	if domain == "" {
		httputil.WriteValidationError(w, "email address is malformed")
		return
	}

	ctx := r.Context()
	user, err := s.authenticate(r, domain, req.Email, req.Password)
	if err != nil {
		s.observeLogin("password", "failure")
		httputil.WriteDomainError(w, err)
		return
	}

	allowedApps, err := s.store.ListEnabledApps(ctx, user.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	pair, err := s.engine.IssuePair(token.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		OrgID:       user.OrgID,
		Roles:       user.Roles,
		AllowedApps: allowedApps,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	sessionID, err := s.recordSession(r, user, "password")
	if err != nil {
		s.observeStoreError("redis", "session_create")
		s.logger.WithError(err).Warn("failed to record login session")
	}
	if err := s.store.TouchLastLogin(ctx, user.ID); err != nil {
		s.observeStoreError("postgres", "touch_last_login")
		s.logger.WithError(err).Warn("failed to record last login")
	}
	s.appendAudit(r, &store.AuditLog{
		OrgID:   user.OrgID,
		ActorID: user.ID,
		Action:  store.AuditLoginSucceeded,
		Details: map[string]interface{}{"method": "password"},
	})
	s.observeLogin("password", "success")

	httputil.WriteSuccess(w, &loginResponse{Tokens: pair, User: user, SessionID: sessionID})
}

// authenticate resolves the tenant and user and checks the password. All
// rejection paths collapse into the generic credentials error.
func (s *Server) authenticate(r *http.Request, domain, email, password string) (*store.User, error) {
	ctx := r.Context()
	generic := autherr.New(autherr.KindAuthentication, autherr.GenericCredentialsMessage)

	org, err := s.store.GetOrganizationByDomain(ctx, domain)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindNotFound {
			return nil, generic
		}
		return nil, err
	}
	if !org.IsActive {
		return nil, generic
	}
	user, err := s.store.GetUserByEmail(ctx, org.ID, email)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindNotFound {
			return nil, generic
		}
		return nil, err
	}
	if user.Status == store.UserStatusDisabled || !checkPassword(user.PasswordHash, password) {
		s.appendAudit(r, &store.AuditLog{
			OrgID:   org.ID,
			Action:  store.AuditLoginFailed,
			Details: map[string]interface{}{"email": strings.ToLower(email)},
		})
		return nil, generic
	}
	// First password login after accepting an invitation activates the
	// account.
	if user.Status == store.UserStatusInvited {
		status := store.UserStatusActive
		if err := s.store.UpdateUser(ctx, org.ID, user.ID, &store.UserUpdate{Status: &status}); err != nil {
			return nil, err
		}
		user.Status = store.UserStatusActive
	}
	return user, nil
}

type registerOrgRequest struct {
	OrgName   string `json:"org_name"`
	Domain    string `json:"domain"`
	Tier      string `json:"tier,omitempty"`
	AdminName string `json:"admin_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type registerOrgResponse struct {
	Organization *store.Organization `json:"organization"`
	Admin        *store.User         `json:"admin"`
}

// handleRegisterOrg creates a new tenant together with its first admin user.
func (s *Server) handleRegisterOrg(w http.ResponseWriter, r *http.Request) {
	var req registerOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.OrgName, "org_name") ||
		!httputil.RequireNonEmpty(w, req.Domain, "domain") ||
		!httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	if req.Tier != "" && !billing.Valid(billing.Tier(req.Tier)) {
		httputil.WriteValidationError(w, fmt.Sprintf("unknown tier: %s", req.Tier))
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	ctx := r.Context()
	org := &store.Organization{
		Name:   req.OrgName,
		Domain: req.Domain,
		Tier:   req.Tier,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	admin := &store.User{
		OrgID:        org.ID,
		Email:        req.Email,
		Name:         req.AdminName,
		PasswordHash: hash,
		Roles:        []string{authz.RoleAdmin},
		Status:       store.UserStatusActive,
	}
	entry := &store.AuditLog{
		Action: store.AuditOrgCreated,
		Details: map[string]interface{}{
			"org_name": org.Name,
			"domain":   org.Domain,
		},
	}
	if err := s.store.CreateUserWithAudit(ctx, admin, entry); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id": org.ID,
		"domain": org.Domain,
	}).Info("organization registered")
	httputil.WriteCreated(w, &registerOrgResponse{Organization: org, Admin: admin})
}

type registerUserRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// handleRegisterUser accepts an invitation token and creates the invited
// user. The account starts active; the invitation itself is single use.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	ctx := r.Context()
	inv, err := s.store.ConsumeInvitation(ctx, req.Token)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	count, err := s.store.CountUsers(ctx, inv.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	org, err := s.store.GetOrganization(ctx, inv.OrgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := billing.CheckUserLimit(billing.OrgLimits(org), count); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	user := &store.User{
		OrgID:        inv.OrgID,
		Email:        inv.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Roles:        inv.Roles,
		Status:       store.UserStatusActive,
	}
	entry := &store.AuditLog{
		ActorID: inv.InvitedBy,
		Action:  store.AuditUserCreated,
		Details: map[string]interface{}{"email": inv.Email, "via": "invitation"},
	}
	if err := s.store.CreateUserWithAudit(ctx, user, entry); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, user)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token into a fresh pair, retiring the old
// refresh token so it cannot be replayed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RefreshToken, "refresh_token") {
		return
	}
	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	}
	httputil.WriteSuccess(w, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Everywhere   bool   `json:"everywhere,omitempty"`
}

// handleLogout revokes the caller's tokens for their remaining lifetime and
// drops the session record. Logout is idempotent; revoking an already dead
// token succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	ctx := r.Context()
	var userID, orgID string

	if raw := httputil.BearerToken(r); raw != "" {
		// Decode rather than Verify: an expired access token should still
		// let its owner revoke the paired refresh token.
		claims, err := s.engine.Decode(raw)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		userID, orgID = claims.UserID, claims.OrgID
		if err := s.revokeClaims(r, claims); err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}
	if req.RefreshToken != "" {
		claims, err := s.engine.Decode(req.RefreshToken)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		if userID == "" {
			userID, orgID = claims.UserID, claims.OrgID
		}
		if err := s.revokeClaims(r, claims); err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}
	if userID == "" {
		httputil.WriteDomainError(w, autherr.New(autherr.KindValidation, "nothing to revoke"))
		return
	}

	if req.Everywhere {
		if _, err := s.ledger.DeleteAllSessions(ctx, userID); err != nil {
			s.logger.WithError(err).Warn("failed to delete sessions")
		}
	} else if req.SessionID != "" {
		if err := s.ledger.DeleteSession(ctx, userID, req.SessionID); err != nil {
			s.logger.WithError(err).Warn("failed to delete session")
		}
	}

	s.appendAudit(r, &store.AuditLog{
		OrgID:   orgID,
		ActorID: userID,
		Action:  store.AuditTokenRevoked,
	})
	httputil.WriteSuccess(w, map[string]string{"status": "logged_out"})
}

// revokeClaims writes the token's jti to the revocation ledger for exactly
// its remaining lifetime.
func (s *Server) revokeClaims(r *http.Request, claims *token.Claims) error {
	ttl := s.engine.RemainingTTL(claims)
	if ttl <= 0 {
		return nil
	}
	if err := s.ledger.Revoke(r.Context(), claims.ID, ttl); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TokensRevokedTotal.Inc()
	}
	return nil
}

// handleVerify validates the bearer token and echoes its identity material.
// Downstream apps call this to resolve a token into a user.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	raw := httputil.BearerToken(r)
	if raw == "" {
		httputil.WriteDomainError(w, autherr.New(autherr.KindAuthentication, "missing bearer token"))
		return
	}
	claims, err := s.engine.Verify(r.Context(), raw, token.TypeAccess)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TokenVerifyTotal.WithLabelValues("failure").Inc()
		}
		httputil.WriteDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TokenVerifyTotal.WithLabelValues("success").Inc()
	}

	resp := map[string]interface{}{
		"user_id":      claims.UserID,
		"email":        claims.Email,
		"org_id":       claims.OrgID,
		"roles":        claims.Roles,
		"allowed_apps": claims.AllowedApps,
		"expires_at":   claims.ExpiresAt.Time,
	}
	if app := httputil.ParseQueryString(r, "app", ""); app != "" {
		grant, err := authz.Resolve(claims, app)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		resp["permissions"] = grant.Permissions
	}
	httputil.WriteSuccess(w, resp)
}

// handleSSOInitiate starts a federated handshake and redirects the browser
// to the identity provider.
func (s *Server) handleSSOInitiate(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	req := &sso.InitiateRequest{
		Domain:      httputil.ParseQueryString(r, "domain", ""),
		Provider:    provider,
		RedirectURI: httputil.ParseQueryString(r, "redirect_uri", ""),
	}
	result, err := s.flow.Initiate(r.Context(), req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	http.Redirect(w, r, result.AuthURL, http.StatusFound)
}

// handleSSOCallback completes the handshake. When the initiate request
// carried a redirect URI the tokens travel back in its fragment; otherwise
// they are returned as JSON.
func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	result, err := s.flow.Callback(r.Context(), provider, r)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if result.RedirectURI != "" {
		fragment := url.Values{}
		fragment.Set("access_token", result.Tokens.AccessToken)
		fragment.Set("refresh_token", result.Tokens.RefreshToken)
		http.Redirect(w, r, result.RedirectURI+"#"+fragment.Encode(), http.StatusFound)
		return
	}
	httputil.WriteSuccess(w, result)
}

// handleSSOMetadata serves the SAML SP metadata for a tenant, identified by
// its email domain.
func (s *Server) handleSSOMetadata(w http.ResponseWriter, r *http.Request) {
	domain := httputil.ParseQueryString(r, "domain", "")
	if domain == "" {
		httputil.WriteValidationError(w, "domain is required")
		return
	}
	org, err := s.store.GetOrganizationByDomain(r.Context(), domain)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	metadata, err := s.flow.Metadata(r.Context(), org.ID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(metadata)
}

// recordSession mirrors the refresh token lifetime in the session ledger.
func (s *Server) recordSession(r *http.Request, user *store.User, method string) (string, error) {
	now := time.Now().UTC()
	ttl := s.cfg.Token.RefreshTTL
	session := &ledger.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		OrgID:     user.OrgID,
		Email:     user.Email,
		Method:    method,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.ledger.CreateSession(r.Context(), session, ttl); err != nil {
		return "", err
	}
	return session.ID, nil
}

// appendAudit best-effort writes an audit row; failures are logged and
// counted, never surfaced to the caller.
func (s *Server) appendAudit(r *http.Request, entry *store.AuditLog) {
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.observeStoreError("postgres", "audit_append")
		s.logger.WithError(err).Warn("failed to append audit log")
	}
}

func (s *Server) observeLogin(method, result string) {
	if s.metrics != nil {
		s.metrics.LoginsTotal.WithLabelValues(method, result).Inc()
	}
}

func (s *Server) observeStoreError(backend, operation string) {
	if s.metrics != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
