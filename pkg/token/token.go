// Package token issues and verifies the signed bearer tokens that carry an
// authenticated identity between services. Tokens are HS256 JWTs with a
// short-lived access / long-lived refresh split; verification consults the
// revocation ledger so a revoked token dies before its natural expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openauthhq/openauth/pkg/autherr"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the full claim set embedded in every issued token.
type Claims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	AllowedApps []string `json:"allowed_apps,omitempty"`
	TokenType   Type     `json:"typ"`
	jwt.RegisteredClaims
}

// Identity is the subject material stamped into a new token pair.
type Identity struct {
	UserID      string
	Email       string
	OrgID       string
	Roles       []string
	AllowedApps []string
}

// Pair is an access/refresh token pair returned from login, SSO callback
// and refresh operations.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Revocations is the slice of the ledger the engine needs: a jti check on
// verify and a jti write on refresh rotation.
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// Config carries the signing material and lifetimes for an Engine.
// PreviousSecret is optional; when set, verification accepts tokens signed
// with it so a secret rotation does not invalidate outstanding sessions.
type Config struct {
	Secret         []byte
	PreviousSecret []byte
	Issuer         string
	Audience       string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
}

// Engine signs and verifies tokens. It is immutable after construction and
// safe for concurrent use.
type Engine struct {
	cfg         Config
	revocations Revocations
	now         func() time.Time
}

// NewEngine validates cfg and returns an Engine. revocations may be nil, in
// which case Verify skips the ledger check and Refresh does not retire the
// old refresh token.
func NewEngine(cfg Config, revocations Revocations) (*Engine, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: access and refresh TTLs must be positive")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("token: refresh TTL must exceed access TTL")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token: issuer and audience are required")
	}
	return &Engine{cfg: cfg, revocations: revocations, now: time.Now}, nil
}

// Issue signs a single token of the given type for id and returns the
// compact serialization together with the claims that went into it.
func (e *Engine) Issue(id Identity, typ Type) (string, *Claims, error) {
	ttl := e.cfg.AccessTTL
	if typ == TypeRefresh {
		ttl = e.cfg.RefreshTTL
	}

	now := e.now()
	claims := &Claims{
		UserID:      id.UserID,
		Email:       id.Email,
		OrgID:       id.OrgID,
		Roles:       id.Roles,
		AllowedApps: id.AllowedApps,
		TokenType:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.cfg.Secret)
	if err != nil {
		return "", nil, autherr.Internal(fmt.Errorf("signing %s token: %w", typ, err))
	}
	return signed, claims, nil
}

// IssuePair issues a fresh access/refresh pair for id.
func (e *Engine) IssuePair(id Identity) (*Pair, error) {
	access, _, err := e.Issue(id, TypeAccess)
	if err != nil {
		return nil, err
	}
	refresh, _, err := e.Issue(id, TypeRefresh)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTTL.Seconds()),
	}, nil
}

// Verify checks the signature, standard claims, token type and revocation
// status of tokenStr. The current secret is tried first, then the previous
// one when configured.
func (e *Engine) Verify(ctx context.Context, tokenStr string, want Type) (*Claims, error) {
	claims, err := e.parse(tokenStr, e.cfg.Secret)
	if err != nil && len(e.cfg.PreviousSecret) > 0 && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		claims, err = e.parse(tokenStr, e.cfg.PreviousSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.Wrap(autherr.KindExpiredToken, "token has expired", err)
		}
		return nil, autherr.Wrap(autherr.KindInvalidToken, "token is invalid", err)
	}

	if claims.TokenType != want {
		return nil, autherr.Newf(autherr.KindInvalidToken, "expected %s token, got %s", want, claims.TokenType)
	}

	if e.revocations != nil && claims.ID != "" {
		revoked, err := e.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, autherr.Internal(fmt.Errorf("checking revocation for jti %s: %w", claims.ID, err))
		}
		if revoked {
			return nil, autherr.New(autherr.KindRevokedToken, "token has been revoked")
		}
	}
	return claims, nil
}

// Decode extracts claims without verifying the signature or expiry. It is
// for diagnostics and logout paths that need the jti of a token the caller
// already holds; never use it for authentication.
func (e *Engine) Decode(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, autherr.Wrap(autherr.KindInvalidToken, "token is malformed", err)
	}
	return claims, nil
}

// Refresh verifies refreshToken, retires its jti and issues a new pair
// carrying the same identity. Each refresh token is single-use.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := e.Verify(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return nil, err
	}

	if e.revocations != nil && claims.ID != "" {
		remaining := e.cfg.RefreshTTL
		if claims.ExpiresAt != nil {
			remaining = time.Until(claims.ExpiresAt.Time)
		}
		if remaining > 0 {
			if err := e.revocations.Revoke(ctx, claims.ID, remaining); err != nil {
				return nil, autherr.Internal(fmt.Errorf("retiring refresh token %s: %w", claims.ID, err))
			}
		}
	}

	return e.IssuePair(Identity{
		UserID:      claims.UserID,
		Email:       claims.Email,
		OrgID:       claims.OrgID,
		Roles:       claims.Roles,
		AllowedApps: claims.AllowedApps,
	})
}

// RemainingTTL reports how long until the token expires, clamped at zero.
func (e *Engine) RemainingTTL(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	remaining := claims.ExpiresAt.Time.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Engine) parse(tokenStr string, secret []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(e.cfg.Issuer),
		jwt.WithAudience(e.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
