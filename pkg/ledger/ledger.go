// Package ledger is the Redis-backed fast path for token revocation, active
// session tracking and single-use SSO flow state. Every entry carries a TTL,
// so the ledger cleans itself up without background jobs.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openauthhq/openauth/pkg/autherr"
)

const (
	revokedPrefix = "revoked:"
	sessionPrefix = "session:"
	statePrefix   = "sso-state:"
)

// Session records one authenticated login. Sessions expire with the refresh
// token that anchors them.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Method    string    `json:"method"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FlowState is the per-attempt record for an in-flight SSO handshake. It is
// written at initiation and consumed exactly once at the callback.
type FlowState struct {
	OrgID       string    `json:"org_id"`
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	Nonce       string    `json:"nonce,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ledger wraps a Redis client with the key conventions above.
type Ledger struct {
	client *redis.Client
}

// New returns a Ledger over client.
func New(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

// Ping verifies connectivity; used by the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Revoke marks a token id as revoked for ttl. Revocation is monotonic: a
// second revoke of the same id only ever extends the entry, never clears it.
func (l *Ledger) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return autherr.New(autherr.KindValidation, "token id is required")
	}
	if ttl <= 0 {
		// Already past its natural expiry; nothing to record.
		return nil
	}
	if err := l.client.Set(ctx, revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoking token %s: %w", jti, err)
	}
	return nil
}

// IsRevoked reports whether a token id was revoked before its expiry.
func (l *Ledger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	err := l.client.Get(ctx, revokedPrefix+jti).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocation for %s: %w", jti, err)
	}
	return true, nil
}

// CreateSession stores a session record keyed by user and session id, with a
// lifetime matching the refresh token it belongs to.
func (l *Ledger) CreateSession(ctx context.Context, session *Session, ttl time.Duration) error {
	if session.ID == "" || session.UserID == "" {
		return autherr.New(autherr.KindValidation, "session id and user id are required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.ID, err)
	}
	key := sessionKey(session.UserID, session.ID)
	if err := l.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("storing session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession fetches a single session record.
func (l *Ledger) GetSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	raw, err := l.client.Get(ctx, sessionKey(userID, sessionID)).Bytes()
	if err == redis.Nil {
		return nil, autherr.New(autherr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", sessionID, err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions returns all live sessions for a user.
func (l *Ledger) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	keys, err := l.sessionKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		raw, err := l.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching session key %s: %w", key, err)
		}
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("decoding session key %s: %w", key, err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// DeleteSession removes one session record.
func (l *Ledger) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := l.client.Del(ctx, sessionKey(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteAllSessions removes every session for a user, returning how many
// were deleted. Used when an account is disabled.
func (l *Ledger) DeleteAllSessions(ctx context.Context, userID string) (int64, error) {
	keys, err := l.sessionKeys(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := l.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("deleting sessions for user %s: %w", userID, err)
	}
	return deleted, nil
}

// sessionKeys collects a user's session keys with incremental SCAN so the
// server never blocks Redis the way KEYS would on a large keyspace.
func (l *Ledger) sessionKeys(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	iter := l.client.Scan(ctx, 0, sessionKey(userID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions for user %s: %w", userID, err)
	}
	return keys, nil
}

// PutState stores an SSO flow state under its opaque handle for ttl.
func (l *Ledger) PutState(ctx context.Context, state string, flow *FlowState, ttl time.Duration) error {
	if state == "" {
		return autherr.New(autherr.KindValidation, "state handle is required")
	}
	payload, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encoding flow state: %w", err)
	}
	if err := l.client.Set(ctx, statePrefix+state, payload, ttl).Err(); err != nil {
		return fmt.Errorf("storing flow state: %w", err)
	}
	return nil
}

// ConsumeState atomically fetches and deletes a flow state. A handle that is
// missing, expired or already consumed yields the same error, so a replayed
// callback cannot distinguish the cases.
func (l *Ledger) ConsumeState(ctx context.Context, state string) (*FlowState, error) {
	raw, err := l.client.GetDel(ctx, statePrefix+state).Bytes()
	if err == redis.Nil {
		return nil, autherr.New(autherr.KindStateExpiredOrReused, "sso state is expired or already used")
	}
	if err != nil {
		return nil, fmt.Errorf("consuming flow state: %w", err)
	}
	var flow FlowState
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("decoding flow state: %w", err)
	}
	return &flow, nil
}

func sessionKey(userID, sessionID string) string {
	return sessionPrefix + userID + ":" + sessionID
}
