// Package store is the PostgreSQL persistence layer: organizations, users,
// SSO configurations, per-app grants and the audit trail. It is the slow
// path that the token and ledger packages sit in front of.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openauthhq/openauth/pkg/autherr"
)

// PostgresStore implements persistence over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// New returns a PostgresStore over db.
func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateOrganization inserts a new tenant. The domain must be unique across
// all tenants; it is what routes an SSO login to the right organization.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.Tier == "" {
		org.Tier = "free"
	}
	org.Domain = strings.ToLower(org.Domain)
	org.IsActive = true

	settingsJSON, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO organizations (id, name, domain, tier, settings, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, org.ID, org.Name, org.Domain, org.Tier, settingsJSON, org.IsActive).
		Scan(&org.CreatedAt, &org.UpdatedAt)
	if isUniqueViolation(err) {
		return autherr.New(autherr.KindConflict, "an organization with this domain already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves a tenant by ID.
func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return s.getOrganization(ctx, "id", id)
}

// GetOrganizationByDomain retrieves a tenant by its email domain.
func (s *PostgresStore) GetOrganizationByDomain(ctx context.Context, domain string) (*Organization, error) {
	return s.getOrganization(ctx, "domain", strings.ToLower(domain))
}

func (s *PostgresStore) getOrganization(ctx context.Context, column, value string) (*Organization, error) {
	query := fmt.Sprintf(`
		SELECT `+orgColumns+`
		FROM organizations
		WHERE %s = $1
	`, column)

	org := &Organization{}
	var settingsJSON []byte
	var maxUsers, maxApps sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&org.ID, &org.Name, &org.Domain, &org.Tier, &settingsJSON,
		&org.IsActive, &org.CreatedAt, &org.UpdatedAt, &maxUsers, &maxApps,
	)
	if err == sql.ErrNoRows {
		return nil, autherr.New(autherr.KindNotFound, "organization not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	org.MaxUsers = intPointer(maxUsers)
	org.MaxApps = intPointer(maxApps)
	return org, nil
}

const orgColumns = `id, name, domain, tier, settings, is_active, created_at, updated_at, max_users, max_apps`

func intPointer(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// ListOrganizations lists active tenants, newest first.
func (s *PostgresStore) ListOrganizations(ctx context.Context, page Page) ([]*Organization, error) {
	page = page.normalize()
	query := `
		SELECT ` + orgColumns + `
		FROM organizations
		WHERE is_active = true
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.QueryContext(ctx, query, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org := &Organization{}
		var settingsJSON []byte
		var maxUsers, maxApps sql.NullInt64
		if err := rows.Scan(
			&org.ID, &org.Name, &org.Domain, &org.Tier, &settingsJSON,
			&org.IsActive, &org.CreatedAt, &org.UpdatedAt, &maxUsers, &maxApps,
		); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &org.Settings); err != nil {
				return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
			}
		}
		org.MaxUsers = intPointer(maxUsers)
		org.MaxApps = intPointer(maxApps)
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// UpdateOrganization applies a partial update to a tenant.
func (s *PostgresStore) UpdateOrganization(ctx context.Context, id string, updates *OrgUpdate) error {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if updates.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *updates.Name)
		argPos++
	}
	if updates.Tier != nil {
		setClauses = append(setClauses, fmt.Sprintf("tier = $%d", argPos))
		args = append(args, *updates.Tier)
		argPos++
	}
	if updates.Settings != nil {
		settingsJSON, err := json.Marshal(updates.Settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("settings = $%d", argPos))
		args = append(args, settingsJSON)
		argPos++
	}
	if updates.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *updates.IsActive)
		argPos++
	}
	if updates.MaxUsers != nil {
		setClauses = append(setClauses, fmt.Sprintf("max_users = $%d", argPos))
		args = append(args, *updates.MaxUsers)
		argPos++
	}
	if updates.MaxApps != nil {
		setClauses = append(setClauses, fmt.Sprintf("max_apps = $%d", argPos))
		args = append(args, *updates.MaxApps)
		argPos++
	}
	if len(setClauses) == 0 {
		return nil
	}
	setClauses = append(setClauses, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE organizations SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argPos)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "organization not found")
	}
	return nil
}

// DeleteOrganization soft deletes a tenant. Its users keep their rows but
// can no longer authenticate.
func (s *PostgresStore) DeleteOrganization(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "organization not found")
	}
	return nil
}

// SetAppAccess grants or updates an organization's access to one app.
func (s *PostgresStore) SetAppAccess(ctx context.Context, orgID, appID string, enabled bool) error {
	query := `
		INSERT INTO app_access (org_id, app_id, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, app_id) DO UPDATE SET enabled = EXCLUDED.enabled
	`
	if _, err := s.db.ExecContext(ctx, query, orgID, appID, enabled); err != nil {
		return fmt.Errorf("failed to set app access: %w", err)
	}
	return nil
}

// ListAppAccess returns every app grant for an organization.
func (s *PostgresStore) ListAppAccess(ctx context.Context, orgID string) ([]*AppAccess, error) {
	query := `
		SELECT org_id, app_id, enabled, created_at
		FROM app_access
		WHERE org_id = $1
		ORDER BY app_id
	`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list app access: %w", err)
	}
	defer rows.Close()

	var grants []*AppAccess
	for rows.Next() {
		grant := &AppAccess{}
		if err := rows.Scan(&grant.OrgID, &grant.AppID, &grant.Enabled, &grant.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app access: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// GetAppAccess reports whether one app is enabled for an organization.
// Absence of a row means no access.
func (s *PostgresStore) GetAppAccess(ctx context.Context, orgID, appID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM app_access WHERE org_id = $1 AND app_id = $2`, orgID, appID).
		Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get app access: %w", err)
	}
	return enabled, nil
}

// ListEnabledApps returns the app ids an organization may mint tokens for.
func (s *PostgresStore) ListEnabledApps(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_id FROM app_access WHERE org_id = $1 AND enabled = true ORDER BY app_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled apps: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var appID string
		if err := rows.Scan(&appID); err != nil {
			return nil, fmt.Errorf("failed to scan app id: %w", err)
		}
		apps = append(apps, appID)
	}
	return apps, rows.Err()
}
