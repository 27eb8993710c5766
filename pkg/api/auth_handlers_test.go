package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/store"
)

func TestRegisterOrg_CreatesTenantWithAdmin(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()

	ts.mock.ExpectQuery(`INSERT INTO organizations`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	ts.mock.ExpectQuery(`INSERT INTO audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	ts.mock.ExpectCommit()

	w := ts.do(t, http.MethodPost, "/auth/register/org", registerOrgRequest{
		OrgName:   "Acme",
		Domain:    "acme.io",
		Tier:      "professional",
		AdminName: "Ada",
		Email:     "ada@acme.io",
		Password:  "s3cret-pass",
	}, "")

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp registerOrgResponse
	decodeData(t, w, &resp)
	assert.Equal(t, "acme.io", resp.Organization.Domain)
	assert.Equal(t, []string{"admin"}, resp.Admin.Roles)
	assert.Equal(t, store.UserStatusActive, resp.Admin.Status)
}

func TestRegisterOrg_DuplicateDomain(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectQuery(`INSERT INTO organizations`).
		WillReturnError(&pq.Error{Code: "23505"})

	w := ts.do(t, http.MethodPost, "/auth/register/org", registerOrgRequest{
		OrgName:  "Acme",
		Domain:   "acme.io",
		Email:    "ada@acme.io",
		Password: "s3cret-pass",
	}, "")

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterOrg_RejectsShortPassword(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/auth/register/org", registerOrgRequest{
		OrgName:  "Acme",
		Domain:   "acme.io",
		Email:    "ada@acme.io",
		Password: "short",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterOrg_RejectsUnknownTier(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/auth/register/org", registerOrgRequest{
		OrgName:  "Acme",
		Domain:   "acme.io",
		Tier:     "platinum",
		Email:    "ada@acme.io",
		Password: "s3cret-pass",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterUser_AcceptsInvitation(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()

	ts.mock.ExpectQuery(`DELETE FROM invitations`).
		WithArgs("invite-token").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "org_id", "email", "roles", "invited_by", "expires_at", "created_at"}).
			AddRow("inv-1", "org-1", "bob@acme.io", "{developer}", "user-admin", now.Add(time.Hour), now))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "professional", []byte(`{}`), true, now, now, nil, nil))
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	ts.mock.ExpectQuery(`INSERT INTO audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	ts.mock.ExpectCommit()

	w := ts.do(t, http.MethodPost, "/auth/register/user", registerUserRequest{
		Token:    "invite-token",
		Name:     "Bob",
		Password: "s3cret-pass",
	}, "")

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var user store.User
	decodeData(t, w, &user)
	assert.Equal(t, "bob@acme.io", user.Email)
	assert.Equal(t, []string{"developer"}, user.Roles)
}

func TestRegisterUser_ExpiredInvitation(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()

	ts.mock.ExpectQuery(`DELETE FROM invitations`).
		WithArgs("invite-token").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "org_id", "email", "roles", "invited_by", "expires_at", "created_at"}).
			AddRow("inv-1", "org-1", "bob@acme.io", "{developer}", "user-admin", now.Add(-time.Hour), now.Add(-8*24*time.Hour)))

	w := ts.do(t, http.MethodPost, "/auth/register/user", registerUserRequest{
		Token:    "invite-token",
		Name:     "Bob",
		Password: "s3cret-pass",
	}, "")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invitation has expired", errorMessage(t, w))
}
