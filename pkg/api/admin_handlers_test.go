package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/authz"
	"github.com/openauthhq/openauth/pkg/store"
)

func TestAdmin_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/admin/users", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_RejectsNonAdminRole(t *testing.T) {
	ts := newTestServer(t)
	viewer := ts.accessToken(t, []string{authz.RoleViewer})
	w := ts.do(t, http.MethodGet, "/admin/users", nil, viewer)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "admin role required", errorMessage(t, w))
}

func TestAdmin_ListUsers(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, org_id, email, name, password_hash`).
		WithArgs("org-1", 50, 0).
		WillReturnRows(sqlmock.NewRows(userColumnNames()).
			AddRow("user-1", "org-1", "ada@acme.io", "Ada", "", "{admin}", "active", now, now, nil, nil).
			AddRow("user-2", "org-1", "bob@acme.io", "Bob", "", "{viewer}", "invited", now, now, nil, nil))

	w := ts.do(t, http.MethodGet, "/admin/users", nil, admin)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var users []*store.User
	decodeData(t, w, &users)
	require.Len(t, users, 2)
	assert.Equal(t, "bob@acme.io", users[1].Email)
}

func TestAdmin_ForeignOrgReadsAsNotFound(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	w := ts.do(t, http.MethodGet, "/admin/orgs/org-other", nil, admin)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_UpdateUserRejectsUnknownRole(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	w := ts.do(t, http.MethodPut, "/admin/users/user-2", updateUserRequest{
		Roles: []string{"superuser"},
	}, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_DeleteUserKillsSessions(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})

	require.NoError(t, ts.mr.Set("session:user-2:sess-1", `{}`))

	ts.mock.ExpectExec(`DELETE FROM users`).
		WithArgs("org-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.expectAuditInsert()

	w := ts.do(t, http.MethodDelete, "/admin/users/user-2", nil, admin)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, ts.mr.Exists("session:user-2:sess-1"))
}

func TestAdmin_CannotDeleteSelf(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	w := ts.do(t, http.MethodDelete, "/admin/users/user-admin", nil, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_InviteUser(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "professional", []byte(`{}`), true, now, now, nil, nil))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	ts.mock.ExpectQuery(`INSERT INTO invitations`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	ts.expectAuditInsert()

	w := ts.do(t, http.MethodPost, "/admin/users/invite", inviteUserRequest{
		Email: "new@acme.io",
		Roles: []string{authz.RoleDeveloper},
	}, admin)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp inviteUserResponse
	decodeData(t, w, &resp)
	assert.Contains(t, resp.AcceptURL, testBaseURL+"/auth/register/user?token=")
	assert.Equal(t, "new@acme.io", resp.Invitation.Email)
}

func TestAdmin_InviteUserAtSeatLimit(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "free", []byte(`{}`), true, now, now, nil, nil))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	w := ts.do(t, http.MethodPost, "/admin/users/invite", inviteUserRequest{
		Email: "new@acme.io",
	}, admin)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_InviteUserHonorsSeatOverride(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	// Free tier caps at 5 seats, but this tenant negotiated 20.
	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "free", []byte(`{}`), true, now, now, 20, nil))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	ts.mock.ExpectQuery(`INSERT INTO invitations`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	ts.expectAuditInsert()

	w := ts.do(t, http.MethodPost, "/admin/users/invite", inviteUserRequest{
		Email: "new@acme.io",
	}, admin)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestAdmin_UpdateOrgSetsLimitOverrides(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectExec(`UPDATE organizations SET max_users = \$1, max_apps = \$2`).
		WithArgs(50, 4, "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.expectAuditInsert()
	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "basic", []byte(`{}`), true, now, now, 50, 4))

	maxUsers, maxApps := 50, 4
	w := ts.do(t, http.MethodPut, "/admin/orgs/org-1", updateOrgRequest{
		MaxUsers: &maxUsers,
		MaxApps:  &maxApps,
	}, admin)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var org store.Organization
	decodeData(t, w, &org)
	require.NotNil(t, org.MaxUsers)
	assert.Equal(t, 50, *org.MaxUsers)
}

func TestAdmin_UpdateOrgRejectsNegativeOverride(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})

	maxUsers := -5
	w := ts.do(t, http.MethodPut, "/admin/orgs/org-1", updateOrgRequest{MaxUsers: &maxUsers}, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_CreateSSOConfigRequiresProviderMaterial(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})

	w := ts.do(t, http.MethodPost, "/admin/orgs/org-1/sso", createSSOConfigRequest{
		Provider: "saml",
		Config: map[string]interface{}{
			"entity_id": "https://idp.acme.io",
			"sso_url":   "https://idp.acme.io/sso",
		},
	}, admin)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "sso config is missing certificate", errorMessage(t, w))
}

func TestAdmin_SetAppAccessEnforcesTierLimit(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, name, domain`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(orgColumns()).
			AddRow("org-1", "Acme", "acme.io", "free", []byte(`{}`), true, now, now, nil, nil))
	ts.mock.ExpectQuery(`SELECT app_id FROM app_access`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"app_id"}).AddRow("crm"))

	w := ts.do(t, http.MethodPost, "/admin/orgs/org-1/apps", setAppAccessRequest{
		AppID:   "billing",
		Enabled: true,
	}, admin)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_UserPermissionsForApp(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, org_id, email`).
		WithArgs("org-1", "user-2").
		WillReturnRows(sqlmock.NewRows(userColumnNames()).
			AddRow("user-2", "org-1", "bob@acme.io", "Bob", "", "{developer}", "active", now, now, nil, nil))
	ts.mock.ExpectQuery(`SELECT enabled FROM app_access`).
		WithArgs("org-1", "crm").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

	w := ts.do(t, http.MethodGet, "/admin/users/user-2/permissions/crm", nil, admin)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var grant authz.Grant
	decodeData(t, w, &grant)
	assert.Equal(t, []string{"read", "write"}, grant.Permissions)
}

func TestAdmin_UserPermissionsAppDisabled(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.accessToken(t, []string{authz.RoleAdmin})
	now := time.Now()

	ts.mock.ExpectQuery(`SELECT id, org_id, email`).
		WithArgs("org-1", "user-2").
		WillReturnRows(sqlmock.NewRows(userColumnNames()).
			AddRow("user-2", "org-1", "bob@acme.io", "Bob", "", "{developer}", "active", now, now, nil, nil))
	ts.mock.ExpectQuery(`SELECT enabled FROM app_access`).
		WithArgs("org-1", "crm").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}))

	w := ts.do(t, http.MethodGet, "/admin/users/user-2/permissions/crm", nil, admin)
	require.Equal(t, http.StatusForbidden, w.Code)
}
