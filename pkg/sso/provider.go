// Package sso implements federated login for tenants: SAML 2.0 and OpenID
// Connect providers built from per-organization stored configuration, plus
// the flow state machine that ties initiation, callback and just-in-time
// provisioning together.
package sso

import (
	"context"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/store"
)

// Provider is one configured identity-provider connection, ready to send a
// user out and to validate what comes back.
type Provider interface {
	Type() string
	Provisioning() provisioning
	AuthURL(state, nonce string) (string, error)
	HandleCallback(ctx context.Context, r *http.Request, nonce string) (*Identity, error)
}

// Factory builds providers from stored configs. Instances are cached in an
// LRU keyed by config id and updated_at, so OIDC discovery is paid once per
// config revision and an edited config is never served stale.
type Factory struct {
	baseURL string
	cache   *lru.Cache[string, Provider]
}

// NewFactory returns a Factory. baseURL is this service's public URL.
func NewFactory(baseURL string, cacheSize int) (*Factory, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, Provider](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider cache: %w", err)
	}
	return &Factory{baseURL: baseURL, cache: cache}, nil
}

// Build returns the provider for cfg, from cache when the config revision
// is unchanged.
func (f *Factory) Build(ctx context.Context, cfg *store.SSOConfig) (Provider, error) {
	key := cfg.ID + "@" + cfg.UpdatedAt.UTC().Format("20060102150405.000000000")
	if provider, ok := f.cache.Get(key); ok {
		return provider, nil
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case ProviderSAML:
		provider, err = NewSAMLProvider(cfg, f.baseURL)
	case ProviderOIDC, ProviderAzureAD, ProviderGoogle, ProviderOkta:
		provider, err = NewOIDCProvider(ctx, cfg, f.baseURL+"/auth/sso/"+cfg.Provider+"/callback")
	default:
		return nil, autherr.Newf(autherr.KindValidation, "unsupported sso provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	f.cache.Add(key, provider)
	return provider, nil
}
