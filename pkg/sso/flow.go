package sso

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/billing"
	"github.com/openauthhq/openauth/pkg/ledger"
	"github.com/openauthhq/openauth/pkg/observability"
	"github.com/openauthhq/openauth/pkg/store"
	"github.com/openauthhq/openauth/pkg/token"
)

// Directory is the slice of the persistence layer the flow needs.
type Directory interface {
	GetOrganizationByDomain(ctx context.Context, domain string) (*store.Organization, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetEnabledSSOConfig(ctx context.Context, orgID, provider string) (*store.SSOConfig, error)
	GetUserByEmail(ctx context.Context, orgID, email string) (*store.User, error)
	GetUserByFederatedID(ctx context.Context, orgID, federatedID string) (*store.User, error)
	LinkFederatedID(ctx context.Context, orgID, userID, federatedID string) error
	CreateUserWithAudit(ctx context.Context, user *store.User, entry *store.AuditLog) error
	CountUsers(ctx context.Context, orgID string) (int, error)
	TouchLastLogin(ctx context.Context, userID string) error
	ListEnabledApps(ctx context.Context, orgID string) ([]string, error)
}

// StateStore is the slice of the ledger the flow needs.
type StateStore interface {
	PutState(ctx context.Context, state string, flow *ledger.FlowState, ttl time.Duration) error
	ConsumeState(ctx context.Context, state string) (*ledger.FlowState, error)
	CreateSession(ctx context.Context, session *ledger.Session, ttl time.Duration) error
}

// TokenIssuer mints the pair handed back after a successful callback.
type TokenIssuer interface {
	IssuePair(id token.Identity) (*token.Pair, error)
}

// Flow drives the SSO handshake end to end.
type Flow struct {
	directory  Directory
	states     StateStore
	tokens     TokenIssuer
	factory    *Factory
	logger     *observability.Logger
	metrics    *observability.Metrics
	stateTTL   time.Duration
	sessionTTL time.Duration
}

// FlowConfig wires a Flow.
type FlowConfig struct {
	Directory  Directory
	States     StateStore
	Tokens     TokenIssuer
	Factory    *Factory
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	StateTTL   time.Duration
	SessionTTL time.Duration
}

// NewFlow returns a Flow.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	return &Flow{
		directory:  cfg.Directory,
		states:     cfg.States,
		tokens:     cfg.Tokens,
		factory:    cfg.Factory,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		stateTTL:   cfg.StateTTL,
		sessionTTL: cfg.SessionTTL,
	}
}

// InitiateRequest asks to start a handshake for a tenant, identified by its
// email domain.
type InitiateRequest struct {
	Domain      string `json:"domain"`
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// InitiateResult carries the redirect the browser must follow.
type InitiateResult struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// Initiate resolves the tenant, checks its tier allows SSO, builds the
// provider and records single-use flow state before handing out the
// redirect URL.
func (f *Flow) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	if req.Domain == "" {
		return nil, autherr.New(autherr.KindValidation, "domain is required")
	}
	if !KnownProvider(req.Provider) {
		return nil, autherr.Newf(autherr.KindValidation, "unsupported sso provider: %s", req.Provider)
	}

	org, err := f.directory.GetOrganizationByDomain(ctx, req.Domain)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, autherr.New(autherr.KindNotFound, "organization not found")
	}
	if !billing.OrgLimits(org).SSOEnabled {
		return nil, autherr.Newf(autherr.KindLimitExceeded, "sso is not available on the %s tier", org.Tier)
	}

	cfg, err := f.directory.GetEnabledSSOConfig(ctx, org.ID, req.Provider)
	if err != nil {
		return nil, err
	}
	provider, err := f.factory.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	flowState := &ledger.FlowState{
		OrgID:       org.ID,
		Provider:    req.Provider,
		RedirectURI: req.RedirectURI,
		Nonce:       nonce,
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.states.PutState(ctx, state, flowState, f.stateTTL); err != nil {
		return nil, err
	}

	authURL, err := provider.AuthURL(state, nonce)
	if err != nil {
		return nil, err
	}

	if f.metrics != nil {
		f.metrics.SSOInitiatedTotal.WithLabelValues(req.Provider).Inc()
	}
	f.logger.WithFields(map[string]interface{}{
		"org_id":   org.ID,
		"provider": req.Provider,
	}).Info("sso handshake initiated")

	return &InitiateResult{AuthURL: authURL, State: state}, nil
}

// CallbackResult is what a completed handshake produces.
type CallbackResult struct {
	Tokens      *token.Pair `json:"tokens"`
	User        *store.User `json:"user"`
	RedirectURI string      `json:"redirect_uri,omitempty"`
}

// Callback consumes the state handle, validates the provider response and
// signs the user in, provisioning them first when the connection allows it.
func (f *Flow) Callback(ctx context.Context, providerName string, r *http.Request) (*CallbackResult, error) {
	state := r.URL.Query().Get("state")
	if state == "" {
		// SAML carries the handle in RelayState.
		state = r.FormValue("RelayState")
	}
	if state == "" {
		return nil, autherr.New(autherr.KindValidation, "missing state parameter")
	}

	flowState, err := f.states.ConsumeState(ctx, state)
	if err != nil {
		f.observeCallback(providerName, "state_rejected")
		return nil, err
	}
	if flowState.Provider != providerName {
		f.observeCallback(providerName, "state_rejected")
		return nil, autherr.New(autherr.KindStateExpiredOrReused, "sso state is expired or already used")
	}

	org, err := f.directory.GetOrganization(ctx, flowState.OrgID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, autherr.New(autherr.KindNotFound, "organization not found")
	}
	cfg, err := f.directory.GetEnabledSSOConfig(ctx, org.ID, flowState.Provider)
	if err != nil {
		return nil, err
	}
	provider, err := f.factory.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	identity, err := provider.HandleCallback(ctx, r, flowState.Nonce)
	if err != nil {
		f.observeCallback(providerName, "assertion_rejected")
		return nil, err
	}

	user, err := f.resolveUser(ctx, org, provider.Provisioning(), identity)
	if err != nil {
		f.observeCallback(providerName, "user_rejected")
		return nil, err
	}

	allowedApps, err := f.directory.ListEnabledApps(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	pair, err := f.tokens.IssuePair(token.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		OrgID:       org.ID,
		Roles:       user.Roles,
		AllowedApps: allowedApps,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &ledger.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		OrgID:     org.ID,
		Email:     user.Email,
		Method:    "sso:" + providerName,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		CreatedAt: now,
		ExpiresAt: now.Add(f.sessionTTL),
	}
	if err := f.states.CreateSession(ctx, session, f.sessionTTL); err != nil {
		// Session tracking is advisory; the login itself already succeeded.
		f.logger.WithError(err).Warn("failed to record sso session")
	}
	if err := f.directory.TouchLastLogin(ctx, user.ID); err != nil {
		f.logger.WithError(err).Warn("failed to record last login")
	}

	f.observeCallback(providerName, "success")
	f.logger.WithFields(map[string]interface{}{
		"org_id":   org.ID,
		"user_id":  user.ID,
		"provider": providerName,
	}).Info("sso login completed")

	return &CallbackResult{
		Tokens:      pair,
		User:        user,
		RedirectURI: flowState.RedirectURI,
	}, nil
}

// resolveUser finds the asserted user, provisioning them when the
// connection allows it and the tier has room. The provider subject is
// the canonical mapping; email only matches accounts that have not been
// linked to a subject yet.
func (f *Flow) resolveUser(ctx context.Context, org *store.Organization, prov provisioning, identity *Identity) (*store.User, error) {
	user, err := f.lookupFederated(ctx, org.ID, identity)
	if err == nil {
		if user.Status != store.UserStatusActive {
			return nil, autherr.New(autherr.KindAuthentication, autherr.GenericCredentialsMessage)
		}
		return user, nil
	}
	if autherr.KindOf(err) != autherr.KindNotFound {
		return nil, err
	}

	if !prov.AutoProvision {
		return nil, autherr.New(autherr.KindAuthentication, autherr.GenericCredentialsMessage)
	}

	count, err := f.directory.CountUsers(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if err := billing.CheckUserLimit(billing.OrgLimits(org), count); err != nil {
		return nil, err
	}

	user = &store.User{
		OrgID:       org.ID,
		Email:       identity.Email,
		Name:        identity.Name,
		FederatedID: identity.ExternalID,
		Roles:       prov.RolesFor(identity.Groups),
		Status:      store.UserStatusActive,
	}
	entry := &store.AuditLog{
		ActorID: "sso:" + identity.ExternalID,
		Action:  store.AuditUserProvisioned,
		Details: map[string]interface{}{
			"email":  identity.Email,
			"groups": identity.Groups,
		},
	}
	if err := f.directory.CreateUserWithAudit(ctx, user, entry); err != nil {
		return nil, err
	}
	f.logger.WithFields(map[string]interface{}{
		"org_id":  org.ID,
		"user_id": user.ID,
	}).Info("user provisioned via sso")
	return user, nil
}

// lookupFederated resolves an asserted identity to a stored user, by
// provider subject first and email second. Accounts that predate the
// subject mapping get linked on first SSO login; an account already bound
// to a different subject never matches by email.
func (f *Flow) lookupFederated(ctx context.Context, orgID string, identity *Identity) (*store.User, error) {
	if identity.ExternalID != "" {
		user, err := f.directory.GetUserByFederatedID(ctx, orgID, identity.ExternalID)
		if err == nil {
			return user, nil
		}
		if autherr.KindOf(err) != autherr.KindNotFound {
			return nil, err
		}
	}

	user, err := f.directory.GetUserByEmail(ctx, orgID, identity.Email)
	if err != nil {
		return nil, err
	}
	if user.FederatedID != "" && user.FederatedID != identity.ExternalID {
		return nil, autherr.New(autherr.KindAuthentication, autherr.GenericCredentialsMessage)
	}
	if user.FederatedID == "" && identity.ExternalID != "" {
		if err := f.directory.LinkFederatedID(ctx, orgID, user.ID, identity.ExternalID); err != nil {
			return nil, err
		}
		user.FederatedID = identity.ExternalID
	}
	return user, nil
}

// Metadata renders the SP metadata for a tenant's SAML connection.
func (f *Flow) Metadata(ctx context.Context, orgID string) ([]byte, error) {
	cfg, err := f.directory.GetEnabledSSOConfig(ctx, orgID, ProviderSAML)
	if err != nil {
		return nil, err
	}
	provider, err := f.factory.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	samlProvider, ok := provider.(*SAMLProvider)
	if !ok {
		return nil, autherr.New(autherr.KindNotConfigured, "saml is not configured for this organization")
	}
	return samlProvider.Metadata()
}

func (f *Flow) observeCallback(provider, result string) {
	if f.metrics != nil {
		f.metrics.SSOCallbackTotal.WithLabelValues(provider, result).Inc()
	}
}
