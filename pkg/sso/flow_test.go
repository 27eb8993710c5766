package sso

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/ledger"
	"github.com/openauthhq/openauth/pkg/observability"
	"github.com/openauthhq/openauth/pkg/store"
	"github.com/openauthhq/openauth/pkg/token"
)

type fakeDirectory struct {
	orgs    map[string]*store.Organization
	configs map[string]*store.SSOConfig
	users   map[string]*store.User
	created []*store.User
	linked  map[string]string
}

func (f *fakeDirectory) GetOrganizationByDomain(_ context.Context, domain string) (*store.Organization, error) {
	for _, org := range f.orgs {
		if org.Domain == domain {
			return org, nil
		}
	}
	return nil, autherr.New(autherr.KindNotFound, "organization not found")
}

func (f *fakeDirectory) GetOrganization(_ context.Context, id string) (*store.Organization, error) {
	if org, ok := f.orgs[id]; ok {
		return org, nil
	}
	return nil, autherr.New(autherr.KindNotFound, "organization not found")
}

func (f *fakeDirectory) GetEnabledSSOConfig(_ context.Context, orgID, provider string) (*store.SSOConfig, error) {
	if cfg, ok := f.configs[orgID+"/"+provider]; ok {
		return cfg, nil
	}
	return nil, autherr.Newf(autherr.KindNotConfigured, "sso provider %s is not configured for this organization", provider)
}

func (f *fakeDirectory) GetUserByEmail(_ context.Context, orgID, email string) (*store.User, error) {
	if user, ok := f.users[orgID+"/"+email]; ok {
		return user, nil
	}
	return nil, autherr.New(autherr.KindNotFound, "user not found")
}

func (f *fakeDirectory) GetUserByFederatedID(_ context.Context, orgID, federatedID string) (*store.User, error) {
	for _, user := range f.users {
		if user.OrgID == orgID && user.FederatedID == federatedID {
			return user, nil
		}
	}
	return nil, autherr.New(autherr.KindNotFound, "user not found")
}

func (f *fakeDirectory) LinkFederatedID(_ context.Context, orgID, userID, federatedID string) error {
	for _, user := range f.users {
		if user.OrgID == orgID && user.ID == userID {
			user.FederatedID = federatedID
			if f.linked == nil {
				f.linked = map[string]string{}
			}
			f.linked[userID] = federatedID
			return nil
		}
	}
	return autherr.New(autherr.KindNotFound, "user not found")
}

func (f *fakeDirectory) CreateUserWithAudit(_ context.Context, user *store.User, _ *store.AuditLog) error {
	user.ID = "usr-new"
	f.created = append(f.created, user)
	return nil
}

func (f *fakeDirectory) CountUsers(_ context.Context, _ string) (int, error) { return len(f.users), nil }
func (f *fakeDirectory) TouchLastLogin(_ context.Context, _ string) error    { return nil }
func (f *fakeDirectory) ListEnabledApps(_ context.Context, _ string) ([]string, error) {
	return []string{"dashboard"}, nil
}

type fakeStates struct {
	states map[string]*ledger.FlowState
}

func (f *fakeStates) PutState(_ context.Context, state string, flow *ledger.FlowState, _ time.Duration) error {
	f.states[state] = flow
	return nil
}

func (f *fakeStates) ConsumeState(_ context.Context, state string) (*ledger.FlowState, error) {
	flow, ok := f.states[state]
	if !ok {
		return nil, autherr.New(autherr.KindStateExpiredOrReused, "sso state is expired or already used")
	}
	delete(f.states, state)
	return flow, nil
}

func (f *fakeStates) CreateSession(_ context.Context, _ *ledger.Session, _ time.Duration) error {
	return nil
}

type fakeIssuer struct{}

func (fakeIssuer) IssuePair(_ token.Identity) (*token.Pair, error) {
	return &token.Pair{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}, nil
}

func setupFlow(t *testing.T) (*Flow, *fakeDirectory, *fakeStates) {
	t.Helper()
	directory := &fakeDirectory{
		orgs: map[string]*store.Organization{
			"org-1": {ID: "org-1", Domain: "acme.io", Tier: "enterprise", IsActive: true},
			"org-2": {ID: "org-2", Domain: "small.io", Tier: "free", IsActive: true},
		},
		configs: map[string]*store.SSOConfig{
			"org-1/saml": samlTestConfig(),
		},
		users: map[string]*store.User{},
	}
	states := &fakeStates{states: map[string]*ledger.FlowState{}}
	factory, err := NewFactory("https://auth.acme.io", 16)
	require.NoError(t, err)

	flow := NewFlow(FlowConfig{
		Directory: directory,
		States:    states,
		Tokens:    fakeIssuer{},
		Factory:   factory,
		Logger:    observability.NewLogger(observability.ErrorLevel, io.Discard),
		StateTTL:  10 * time.Minute,
	})
	return flow, directory, states
}

func TestInitiate(t *testing.T) {
	flow, _, states := setupFlow(t)

	result, err := flow.Initiate(context.Background(), &InitiateRequest{
		Domain:      "acme.io",
		Provider:    "saml",
		RedirectURI: "https://app.acme.io/done",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.AuthURL)
	assert.NotEmpty(t, result.State)

	stored := states.states[result.State]
	require.NotNil(t, stored)
	assert.Equal(t, "org-1", stored.OrgID)
	assert.Equal(t, "saml", stored.Provider)
	assert.Equal(t, "https://app.acme.io/done", stored.RedirectURI)
	assert.NotEmpty(t, stored.Nonce)
}

func TestInitiate_UnknownProvider(t *testing.T) {
	flow, _, _ := setupFlow(t)

	_, err := flow.Initiate(context.Background(), &InitiateRequest{Domain: "acme.io", Provider: "github"})
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))
}

func TestInitiate_UnknownDomain(t *testing.T) {
	flow, _, _ := setupFlow(t)

	_, err := flow.Initiate(context.Background(), &InitiateRequest{Domain: "nobody.io", Provider: "saml"})
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))
}

func TestInitiate_FreeTierHasNoSSO(t *testing.T) {
	flow, _, _ := setupFlow(t)

	_, err := flow.Initiate(context.Background(), &InitiateRequest{Domain: "small.io", Provider: "saml"})
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))
}

func TestInitiate_ProviderNotConfigured(t *testing.T) {
	flow, _, _ := setupFlow(t)

	_, err := flow.Initiate(context.Background(), &InitiateRequest{Domain: "acme.io", Provider: "okta"})
	assert.Equal(t, autherr.KindNotConfigured, autherr.KindOf(err))
}

func TestCallback_MissingState(t *testing.T) {
	flow, _, _ := setupFlow(t)

	r := httptest.NewRequest("GET", "/auth/sso/saml/callback", nil)
	_, err := flow.Callback(context.Background(), "saml", r)
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))
}

func TestCallback_UnknownState(t *testing.T) {
	flow, _, _ := setupFlow(t)

	r := httptest.NewRequest("GET", "/auth/sso/saml/callback?state=never-issued", nil)
	_, err := flow.Callback(context.Background(), "saml", r)
	assert.Equal(t, autherr.KindStateExpiredOrReused, autherr.KindOf(err))
}

func TestCallback_ProviderMismatch(t *testing.T) {
	flow, _, states := setupFlow(t)
	states.states["state-1"] = &ledger.FlowState{OrgID: "org-1", Provider: "saml"}

	r := httptest.NewRequest("GET", "/auth/sso/okta/callback?state=state-1", nil)
	_, err := flow.Callback(context.Background(), "okta", r)
	assert.Equal(t, autherr.KindStateExpiredOrReused, autherr.KindOf(err))

	// The handle is burned either way.
	assert.Empty(t, states.states)
}

func TestResolveUser_MatchesBySubjectBeforeEmail(t *testing.T) {
	flow, directory, _ := setupFlow(t)
	directory.users["org-1/old@acme.io"] = &store.User{
		ID: "usr-1", OrgID: "org-1", Email: "old@acme.io", FederatedID: "idp|42",
		Status: store.UserStatusActive,
	}

	org := directory.orgs["org-1"]
	user, err := flow.resolveUser(context.Background(), org, provisioning{}, &Identity{
		ExternalID: "idp|42",
		Email:      "renamed@acme.io",
	})
	require.NoError(t, err)
	// The mailbox changed at the IdP; the subject still finds the account.
	assert.Equal(t, "usr-1", user.ID)
}

func TestResolveUser_LinksSubjectOnFirstLogin(t *testing.T) {
	flow, directory, _ := setupFlow(t)
	directory.users["org-1/ada@acme.io"] = &store.User{
		ID: "usr-1", OrgID: "org-1", Email: "ada@acme.io",
		Status: store.UserStatusActive,
	}

	org := directory.orgs["org-1"]
	user, err := flow.resolveUser(context.Background(), org, provisioning{}, &Identity{
		ExternalID: "idp|42",
		Email:      "ada@acme.io",
	})
	require.NoError(t, err)
	assert.Equal(t, "idp|42", user.FederatedID)
	assert.Equal(t, "idp|42", directory.linked["usr-1"])
}

func TestResolveUser_EmailBoundToAnotherSubject(t *testing.T) {
	flow, directory, _ := setupFlow(t)
	directory.users["org-1/ada@acme.io"] = &store.User{
		ID: "usr-1", OrgID: "org-1", Email: "ada@acme.io", FederatedID: "idp|42",
		Status: store.UserStatusActive,
	}

	org := directory.orgs["org-1"]
	_, err := flow.resolveUser(context.Background(), org, provisioning{}, &Identity{
		ExternalID: "idp|99",
		Email:      "ada@acme.io",
	})
	assert.Equal(t, autherr.KindAuthentication, autherr.KindOf(err))
	assert.Empty(t, directory.linked)
}

func TestResolveUser_ProvisionedUserCarriesSubject(t *testing.T) {
	flow, directory, _ := setupFlow(t)

	org := directory.orgs["org-1"]
	user, err := flow.resolveUser(context.Background(), org, provisioning{AutoProvision: true}, &Identity{
		ExternalID: "idp|7",
		Email:      "new@acme.io",
		Name:       "New Hire",
	})
	require.NoError(t, err)
	require.Len(t, directory.created, 1)
	assert.Equal(t, "idp|7", user.FederatedID)
	assert.Equal(t, []string{"viewer"}, user.Roles)
}

func TestMetadata(t *testing.T) {
	flow, _, _ := setupFlow(t)

	metadata, err := flow.Metadata(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Contains(t, string(metadata), "EntityDescriptor")
}

func TestMetadata_NotConfigured(t *testing.T) {
	flow, _, _ := setupFlow(t)

	_, err := flow.Metadata(context.Background(), "org-2")
	assert.Equal(t, autherr.KindNotConfigured, autherr.KindOf(err))
}
