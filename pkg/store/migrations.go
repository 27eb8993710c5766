package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the full schema, oldest first.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					domain VARCHAR(255) NOT NULL UNIQUE,
					tier VARCHAR(32) NOT NULL DEFAULT 'free',
					settings JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_organizations_domain ON organizations(domain);
			`,
		},
		{
			Version:     2,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					email VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					password_hash VARCHAR(255) NOT NULL DEFAULT '',
					roles TEXT[] NOT NULL DEFAULT '{}',
					status VARCHAR(32) NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMPTZ,
					UNIQUE(org_id, email)
				);

				CREATE INDEX idx_users_org_id ON users(org_id);
				CREATE INDEX idx_users_email ON users(email);
			`,
		},
		{
			Version:     3,
			Description: "Create sso_configs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_configs (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					provider VARCHAR(64) NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					enabled BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(org_id, provider)
				);

				CREATE INDEX idx_sso_configs_org_id ON sso_configs(org_id);
			`,
		},
		{
			Version:     4,
			Description: "Create app_access table",
			SQL: `
				CREATE TABLE IF NOT EXISTS app_access (
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					app_id VARCHAR(255) NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (org_id, app_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					actor_id VARCHAR(255) NOT NULL DEFAULT '',
					action VARCHAR(128) NOT NULL,
					details JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_logs_org_created ON audit_logs(org_id, created_at DESC);
			`,
		},
		{
			Version:     6,
			Description: "Create invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS invitations (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					email VARCHAR(255) NOT NULL,
					roles TEXT[] NOT NULL DEFAULT '{}',
					token VARCHAR(128) NOT NULL UNIQUE,
					invited_by VARCHAR(255) NOT NULL DEFAULT '',
					expires_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(org_id, email)
				);
			`,
		},
		{
			Version:     7,
			Description: "Add federated identity mapping to users",
			SQL: `
				ALTER TABLE users ADD COLUMN federated_id VARCHAR(255);

				CREATE UNIQUE INDEX idx_users_org_federated ON users(org_id, federated_id)
					WHERE federated_id IS NOT NULL;
			`,
		},
		{
			Version:     8,
			Description: "Add per-organization limit overrides",
			SQL: `
				ALTER TABLE organizations
					ADD COLUMN max_users INT,
					ADD COLUMN max_apps INT;
			`,
		},
	}
}

// RunMigrations applies any pending migrations, each inside its own
// transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migration versions: %w", err)
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
