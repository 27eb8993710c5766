package sso

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/store"
)

// OIDCProvider handles the authorization-code flow against any OpenID
// Connect identity provider.
type OIDCProvider struct {
	name         string
	settings     oidcSettings
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	prov         provisioning
}

// oidcPresets fills in what well-known providers leave implicit.
var oidcPresets = map[string]oidcSettings{
	ProviderGoogle: {
		IssuerURL: "https://accounts.google.com",
		Scopes:    []string{oidc.ScopeOpenID, "profile", "email"},
	},
	ProviderOkta: {
		Scopes: []string{oidc.ScopeOpenID, "profile", "email", "groups"},
	},
	ProviderAzureAD: {
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	},
	ProviderOIDC: {
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	},
}

// NewOIDCProvider builds a provider from a tenant's stored connection.
// Discovery hits the issuer's well-known endpoint, so construction needs
// the network; instances are cached by the factory.
func NewOIDCProvider(ctx context.Context, cfg *store.SSOConfig, redirectURL string) (*OIDCProvider, error) {
	var settings oidcSettings
	if err := decodeSettings(cfg, &settings); err != nil {
		return nil, err
	}

	preset := oidcPresets[cfg.Provider]
	if settings.IssuerURL == "" {
		settings.IssuerURL = preset.IssuerURL
	}
	if len(settings.Scopes) == 0 {
		settings.Scopes = preset.Scopes
	}

	if settings.IssuerURL == "" {
		return nil, autherr.New(autherr.KindValidation, "issuer_url is required")
	}
	if settings.ClientID == "" || settings.ClientSecret == "" {
		return nil, autherr.New(autherr.KindValidation, "client_id and client_secret are required")
	}

	provider, err := oidc.NewProvider(ctx, settings.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc provider %s: %w", settings.IssuerURL, err)
	}

	return &OIDCProvider{
		name:     cfg.Provider,
		settings: settings,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: settings.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       settings.Scopes,
		},
		prov: provisioning{
			AutoProvision: settings.AutoProvision,
			DefaultRole:   settings.DefaultRole,
			GroupMappings: settings.GroupMappings,
		},
	}, nil
}

// Type returns the provider name as stored.
func (p *OIDCProvider) Type() string { return p.name }

// Provisioning returns the JIT settings for this connection.
func (p *OIDCProvider) Provisioning() provisioning { return p.prov }

// AuthURL builds the authorization redirect carrying our state handle and
// a nonce bound into the eventual ID token.
func (p *OIDCProvider) AuthURL(state, nonce string) (string, error) {
	return p.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

// HandleCallback exchanges the authorization code and verifies the ID
// token, including the nonce recorded at initiation.
func (p *OIDCProvider) HandleCallback(ctx context.Context, r *http.Request, nonce string) (*Identity, error) {
	if errCode := r.URL.Query().Get("error"); errCode != "" {
		return nil, autherr.Newf(autherr.KindAuthentication, "identity provider returned error: %s", errCode)
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, autherr.New(autherr.KindValidation, "missing authorization code")
	}

	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthentication, "authorization code exchange failed", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, autherr.New(autherr.KindAuthentication, "identity provider response is missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthentication, "id token verification failed", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, autherr.New(autherr.KindAuthentication, "id token nonce mismatch")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token claims: %w", err)
	}

	identity := &Identity{
		ExternalID: idToken.Subject,
		Email:      stringClaim(claims, "email"),
		Name:       stringClaim(claims, "name"),
		Groups:     arrayClaim(claims, "groups"),
		Attributes: make(map[string]string),
	}
	for k, v := range claims {
		if s, ok := v.(string); ok {
			identity.Attributes[k] = s
		}
	}

	// Azure AD puts the stable object id in oid rather than sub.
	if p.name == ProviderAzureAD {
		if oid := stringClaim(claims, "oid"); oid != "" {
			identity.ExternalID = oid
		}
	}
	if identity.Email == "" {
		identity.Email = stringClaim(claims, "preferred_username")
	}

	if identity.ExternalID == "" {
		return nil, autherr.New(autherr.KindAuthentication, "identity provider did not assert a subject")
	}
	if identity.Email == "" {
		return nil, autherr.New(autherr.KindAuthentication, "identity provider did not assert an email")
	}
	return identity, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func arrayClaim(claims map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	var values []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return values
}
