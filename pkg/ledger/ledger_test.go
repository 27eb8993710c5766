package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/autherr"
)

func setupLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestRevokeAndIsRevoked(t *testing.T) {
	l, mr := setupLedger(t)
	ctx := context.Background()

	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.Revoke(ctx, "jti-1", time.Minute))

	revoked, err = l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Entry expires on its own once the token would have expired anyway.
	mr.FastForward(2 * time.Minute)
	revoked, err = l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevoke_NonPositiveTTLIsNoop(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Revoke(ctx, "jti-2", 0))
	revoked, err := l.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevoke_RequiresID(t *testing.T) {
	l, _ := setupLedger(t)
	err := l.Revoke(context.Background(), "", time.Minute)
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))
}

func TestSessionLifecycle(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &Session{
		ID:        "sess-1",
		UserID:    "usr-1",
		OrgID:     "org-1",
		Email:     "dev@acme.io",
		Method:    "password",
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, l.CreateSession(ctx, session, time.Hour))

	got, err := l.GetSession(ctx, "usr-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "dev@acme.io", got.Email)
	assert.Equal(t, "password", got.Method)

	second := &Session{ID: "sess-2", UserID: "usr-1", OrgID: "org-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, l.CreateSession(ctx, second, time.Hour))

	sessions, err := l.ListSessions(ctx, "usr-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// Another user's sessions stay isolated.
	other, err := l.ListSessions(ctx, "usr-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, l.DeleteSession(ctx, "usr-1", "sess-1"))
	_, err = l.GetSession(ctx, "usr-1", "sess-1")
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))

	deleted, err := l.DeleteAllSessions(ctx, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestListSessions_LargeKeyspace(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	// More sessions than one scan page returns, plus unrelated keys the
	// pattern must not pick up.
	for i := 0; i < 250; i++ {
		session := &Session{ID: fmt.Sprintf("sess-%d", i), UserID: "usr-1"}
		require.NoError(t, l.CreateSession(ctx, session, time.Hour))
	}
	require.NoError(t, l.Revoke(ctx, "jti-1", time.Hour))

	sessions, err := l.ListSessions(ctx, "usr-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 250)

	deleted, err := l.DeleteAllSessions(ctx, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), deleted)

	// The revocation entry is untouched.
	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessionExpiry(t *testing.T) {
	l, mr := setupLedger(t)
	ctx := context.Background()

	session := &Session{ID: "sess-1", UserID: "usr-1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, l.CreateSession(ctx, session, time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := l.GetSession(ctx, "usr-1", "sess-1")
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))
}

func TestConsumeState_SingleUse(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	flow := &FlowState{OrgID: "org-1", Provider: "okta", RedirectURI: "https://app.acme.io/done", CreatedAt: time.Now().UTC()}
	require.NoError(t, l.PutState(ctx, "state-abc", flow, 10*time.Minute))

	got, err := l.ConsumeState(ctx, "state-abc")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "okta", got.Provider)

	// Second consumption of the same handle must fail.
	_, err = l.ConsumeState(ctx, "state-abc")
	assert.Equal(t, autherr.KindStateExpiredOrReused, autherr.KindOf(err))
}

func TestConsumeState_Expired(t *testing.T) {
	l, mr := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.PutState(ctx, "state-xyz", &FlowState{OrgID: "org-1", Provider: "google"}, 10*time.Minute))
	mr.FastForward(11 * time.Minute)

	_, err := l.ConsumeState(ctx, "state-xyz")
	assert.Equal(t, autherr.KindStateExpiredOrReused, autherr.KindOf(err))
}

func TestConsumeState_UnknownHandle(t *testing.T) {
	l, _ := setupLedger(t)
	_, err := l.ConsumeState(context.Background(), "never-issued")
	assert.Equal(t, autherr.KindStateExpiredOrReused, autherr.KindOf(err))
}
