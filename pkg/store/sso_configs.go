package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openauthhq/openauth/pkg/autherr"
)

// CreateSSOConfig inserts an identity-provider connection for a tenant.
// One connection per provider per organization.
func (s *PostgresStore) CreateSSOConfig(ctx context.Context, cfg *SSOConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal sso config: %w", err)
	}

	query := `
		INSERT INTO sso_configs (id, org_id, provider, config, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, cfg.ID, cfg.OrgID, cfg.Provider, configJSON, cfg.Enabled).
		Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if isUniqueViolation(err) {
		return autherr.New(autherr.KindConflict, "an sso configuration for this provider already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to create sso config: %w", err)
	}
	return nil
}

const ssoConfigColumns = `id, org_id, provider, config, enabled, created_at, updated_at`

// GetSSOConfig retrieves one connection by id within a tenant.
func (s *PostgresStore) GetSSOConfig(ctx context.Context, orgID, id string) (*SSOConfig, error) {
	return s.getSSOConfig(ctx,
		`SELECT `+ssoConfigColumns+` FROM sso_configs WHERE org_id = $1 AND id = $2`, orgID, id)
}

// GetEnabledSSOConfig retrieves the enabled connection for a provider. This
// is the lookup the SSO initiation path uses.
func (s *PostgresStore) GetEnabledSSOConfig(ctx context.Context, orgID, provider string) (*SSOConfig, error) {
	cfg, err := s.getSSOConfig(ctx,
		`SELECT `+ssoConfigColumns+` FROM sso_configs WHERE org_id = $1 AND provider = $2 AND enabled = true`,
		orgID, provider)
	if autherr.KindOf(err) == autherr.KindNotFound {
		return nil, autherr.Newf(autherr.KindNotConfigured, "sso provider %s is not configured for this organization", provider)
	}
	return cfg, err
}

func (s *PostgresStore) getSSOConfig(ctx context.Context, query string, args ...interface{}) (*SSOConfig, error) {
	cfg := &SSOConfig{}
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&cfg.ID, &cfg.OrgID, &cfg.Provider, &configJSON, &cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, autherr.New(autherr.KindNotFound, "sso configuration not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sso config: %w", err)
	}
	if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sso config: %w", err)
	}
	return cfg, nil
}

// ListSSOConfigs lists every connection for a tenant.
func (s *PostgresStore) ListSSOConfigs(ctx context.Context, orgID string) ([]*SSOConfig, error) {
	query := `SELECT ` + ssoConfigColumns + ` FROM sso_configs WHERE org_id = $1 ORDER BY provider`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sso configs: %w", err)
	}
	defer rows.Close()

	var configs []*SSOConfig
	for rows.Next() {
		cfg := &SSOConfig{}
		var configJSON []byte
		if err := rows.Scan(
			&cfg.ID, &cfg.OrgID, &cfg.Provider, &configJSON, &cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sso config: %w", err)
		}
		if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sso config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateSSOConfig applies a partial update; changing Config bumps
// updated_at, which invalidates any cached provider instance.
func (s *PostgresStore) UpdateSSOConfig(ctx context.Context, orgID, id string, updates *SSOConfigUpdate) error {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if updates.Config != nil {
		configJSON, err := json.Marshal(updates.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal sso config: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("config = $%d", argPos))
		args = append(args, configJSON)
		argPos++
	}
	if updates.Enabled != nil {
		setClauses = append(setClauses, fmt.Sprintf("enabled = $%d", argPos))
		args = append(args, *updates.Enabled)
		argPos++
	}
	if len(setClauses) == 0 {
		return nil
	}
	setClauses = append(setClauses, "updated_at = NOW()")

	args = append(args, orgID, id)
	query := fmt.Sprintf("UPDATE sso_configs SET %s WHERE org_id = $%d AND id = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sso config: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "sso configuration not found")
	}
	return nil
}

// DeleteSSOConfig removes a connection.
func (s *PostgresStore) DeleteSSOConfig(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_configs WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete sso config: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "sso configuration not found")
	}
	return nil
}

// CountSSOConfigs reports how many connections a tenant has; used for tier
// limit enforcement.
func (s *PostgresStore) CountSSOConfigs(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sso_configs WHERE org_id = $1`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sso configs: %w", err)
	}
	return count, nil
}

// ConfigString pulls a string value out of the provider config map.
func (c *SSOConfig) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	if v, ok := c.Config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
