package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Audit actions recorded by the platform.
const (
	AuditUserCreated      = "user.created"
	AuditUserProvisioned  = "user.provisioned_via_sso"
	AuditUserUpdated      = "user.updated"
	AuditUserDeleted      = "user.deleted"
	AuditUserInvited      = "user.invited"
	AuditLoginSucceeded   = "auth.login_succeeded"
	AuditLoginFailed      = "auth.login_failed"
	AuditTokenRevoked     = "auth.token_revoked"
	AuditOrgCreated       = "org.created"
	AuditOrgUpdated       = "org.updated"
	AuditOrgDeleted       = "org.deleted"
	AuditSSOConfigCreated = "sso.config_created"
	AuditSSOConfigUpdated = "sso.config_updated"
	AuditSSOConfigDeleted = "sso.config_deleted"
)

// AppendAudit writes one audit record. The trail is append-only; there is
// no update or delete path.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditLog) error {
	return s.insertAudit(ctx, s.db, entry)
}

func (s *PostgresStore) insertAudit(ctx context.Context, db execer, entry *AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (id, org_id, actor_id, action, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := db.QueryRowContext(ctx, query, entry.ID, entry.OrgID, entry.ActorID, entry.Action, details).
		Scan(&entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// ListAudit returns an organization's audit trail, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, orgID string, page Page) ([]*AuditLog, error) {
	page = page.normalize()
	query := `
		SELECT id, org_id, actor_id, action, details, created_at
		FROM audit_logs
		WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*AuditLog
	for rows.Next() {
		entry := &AuditLog{}
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.OrgID, &entry.ActorID, &entry.Action, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(details) > 0 {
			if err := unmarshalDetails(details, &entry.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
