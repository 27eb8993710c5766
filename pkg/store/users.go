package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openauthhq/openauth/pkg/autherr"
)

// CreateUser inserts a user. Email is unique within the organization.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	return s.createUser(ctx, s.db, user)
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) createUser(ctx context.Context, db execer, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	if len(user.Roles) == 0 {
		user.Roles = []string{"viewer"}
	}
	user.Email = strings.ToLower(user.Email)

	query := `
		INSERT INTO users (id, org_id, email, name, password_hash, roles, status, federated_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := db.QueryRowContext(ctx, query, user.ID, user.OrgID, user.Email, user.Name,
		user.PasswordHash, pq.Array(user.Roles), user.Status, nullIfEmpty(user.FederatedID)).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return autherr.New(autherr.KindConflict, "a user with this email already exists in the organization")
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CreateUserWithAudit inserts a user and its audit record in one
// transaction so provisioning never happens without a trail.
func (s *PostgresStore) CreateUserWithAudit(ctx context.Context, user *User, entry *AuditLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.createUser(ctx, tx, user); err != nil {
		return err
	}
	entry.OrgID = user.OrgID
	if err := s.insertAudit(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID within an organization.
func (s *PostgresStore) GetUser(ctx context.Context, orgID, id string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE org_id = $1 AND id = $2`, orgID, id)
}

// GetUserByEmail retrieves a user by email within an organization.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, orgID, email string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE org_id = $1 AND email = $2`,
		orgID, strings.ToLower(email))
}

// GetUserByFederatedID retrieves a user by the subject their identity
// provider asserts for them.
func (s *PostgresStore) GetUserByFederatedID(ctx context.Context, orgID, federatedID string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE org_id = $1 AND federated_id = $2`,
		orgID, federatedID)
}

const userColumns = `id, org_id, email, name, password_hash, roles, status, created_at, updated_at, last_login_at, federated_id`

func (s *PostgresStore) getUser(ctx context.Context, query string, args ...interface{}) (*User, error) {
	user := &User{}
	var roles pq.StringArray
	var lastLogin sql.NullTime
	var federatedID sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID, &user.OrgID, &user.Email, &user.Name, &user.PasswordHash,
		&roles, &user.Status, &user.CreatedAt, &user.UpdatedAt, &lastLogin, &federatedID,
	)
	if err == sql.ErrNoRows {
		return nil, autherr.New(autherr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Roles = roles
	user.FederatedID = federatedID.String
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}

// ListUsers lists an organization's users, newest first.
func (s *PostgresStore) ListUsers(ctx context.Context, orgID string, page Page) ([]*User, error) {
	page = page.normalize()
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		var roles pq.StringArray
		var lastLogin sql.NullTime
		var federatedID sql.NullString
		if err := rows.Scan(
			&user.ID, &user.OrgID, &user.Email, &user.Name, &user.PasswordHash,
			&roles, &user.Status, &user.CreatedAt, &user.UpdatedAt, &lastLogin, &federatedID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.Roles = roles
		user.FederatedID = federatedID.String
		if lastLogin.Valid {
			user.LastLoginAt = &lastLogin.Time
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateUser applies a partial update to a user.
func (s *PostgresStore) UpdateUser(ctx context.Context, orgID, id string, updates *UserUpdate) error {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if updates.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *updates.Name)
		argPos++
	}
	if updates.PasswordHash != nil {
		setClauses = append(setClauses, fmt.Sprintf("password_hash = $%d", argPos))
		args = append(args, *updates.PasswordHash)
		argPos++
	}
	if updates.Roles != nil {
		setClauses = append(setClauses, fmt.Sprintf("roles = $%d", argPos))
		args = append(args, pq.Array(updates.Roles))
		argPos++
	}
	if updates.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *updates.Status)
		argPos++
	}
	if len(setClauses) == 0 {
		return nil
	}
	setClauses = append(setClauses, "updated_at = NOW()")

	args = append(args, orgID, id)
	query := fmt.Sprintf("UPDATE users SET %s WHERE org_id = $%d AND id = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "user not found")
	}
	return nil
}

// DeleteUser removes a user from an organization.
func (s *PostgresStore) DeleteUser(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindNotFound, "user not found")
	}
	return nil
}

// LinkFederatedID stores the identity-provider subject on a user the first
// time they sign in through SSO. An existing mapping is never overwritten.
func (s *PostgresStore) LinkFederatedID(ctx context.Context, orgID, userID, federatedID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET federated_id = $1, updated_at = NOW()
		WHERE org_id = $2 AND id = $3 AND federated_id IS NULL
	`, federatedID, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to link federated id: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return autherr.New(autherr.KindConflict, "user already has a federated identity")
	}
	return nil
}

// TouchLastLogin records a successful sign-in.
func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	return nil
}

// CountUsers reports how many users an organization has; used for tier
// limit enforcement before provisioning.
func (s *PostgresStore) CountUsers(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE org_id = $1`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CreateInvitation records a pending invite.
func (s *PostgresStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = time.Now().Add(7 * 24 * time.Hour)
	}
	inv.Email = strings.ToLower(inv.Email)

	query := `
		INSERT INTO invitations (id, org_id, email, roles, token, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query, inv.ID, inv.OrgID, inv.Email,
		pq.Array(inv.Roles), inv.Token, inv.InvitedBy, inv.ExpiresAt).Scan(&inv.CreatedAt)
	if isUniqueViolation(err) {
		return autherr.New(autherr.KindConflict, "an invitation for this email is already pending")
	}
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

// ConsumeInvitation deletes a pending invite by token and returns it.
// Expired invitations are rejected and removed.
func (s *PostgresStore) ConsumeInvitation(ctx context.Context, token string) (*Invitation, error) {
	inv := &Invitation{}
	var roles pq.StringArray
	query := `
		DELETE FROM invitations
		WHERE token = $1
		RETURNING id, org_id, email, roles, invited_by, expires_at, created_at
	`
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&inv.ID, &inv.OrgID, &inv.Email, &roles, &inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, autherr.New(autherr.KindNotFound, "invitation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume invitation: %w", err)
	}
	inv.Roles = roles
	if time.Now().After(inv.ExpiresAt) {
		return nil, autherr.New(autherr.KindAuthentication, "invitation has expired")
	}
	return inv, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalDetails is shared by the audit writers.
func marshalDetails(details map[string]interface{}) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit details: %w", err)
	}
	return payload, nil
}

func unmarshalDetails(raw []byte, dest *map[string]interface{}) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal audit details: %w", err)
	}
	return nil
}
