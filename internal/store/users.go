package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

const userColumns = `id, tenant_id, username, email, first_name, last_name,
	active, is_platform_admin, is_manager, profile_picture, custom_title,
	competitive_title, competitive_title_reason, created_at`

// CreateUser inserts a portal user. The username must be unique within
// the tenant; the identity resolver probes with UsernameExists before
// calling this.
func (t *TenantStore) CreateUser(u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.TenantID = t.tenantID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := t.s.exec(`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.Username, u.Email, u.FirstName, u.LastName,
		boolInt(u.Active), boolInt(u.IsPlatformAdmin), boolInt(u.IsManager),
		u.ProfilePicture, u.CustomTitle,
		u.CompetitiveTitle, u.CompetitiveTitleReason, fmtTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads a user by id.
func (t *TenantStore) GetUser(id string) (*model.User, error) {
	return t.userWhere("id = ?", id)
}

// FindUserByEmail matches case-insensitively.
func (t *TenantStore) FindUserByEmail(email string) (*model.User, error) {
	return t.userWhere("LOWER(email) = LOWER(?)", email)
}

// FindUserByName matches a display name against "first last",
// case-insensitively.
func (t *TenantStore) FindUserByName(displayName string) (*model.User, error) {
	return t.userWhere("LOWER(first_name || ' ' || last_name) = LOWER(?)", displayName)
}

func (t *TenantStore) userWhere(cond string, args ...any) (*model.User, error) {
	full := append([]any{t.tenantID}, args...)
	rows, err := t.s.query(`SELECT `+userColumns+` FROM users WHERE tenant_id = ? AND `+cond, full...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanUser(rows)
}

// UsernameExists reports whether a username is already taken in the
// tenant.
func (t *TenantStore) UsernameExists(username string) (bool, error) {
	var n int
	err := t.s.get(&n, `SELECT COUNT(*) FROM users WHERE tenant_id = ? AND username = ?`,
		t.tenantID, username)
	return n > 0, err
}

// ListUsers returns all users in the tenant ordered by username.
func (t *TenantStore) ListUsers() ([]*model.User, error) {
	rows, err := t.s.query(`SELECT `+userColumns+` FROM users WHERE tenant_id = ? ORDER BY username`,
		t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUserName backfills the first/last name of a placeholder user.
// The identity resolver calls this when a later sync learns the real
// display name of a user created from an email-only record.
func (t *TenantStore) UpdateUserName(id, firstName, lastName string) error {
	_, err := t.s.exec(`UPDATE users SET first_name = ?, last_name = ?
		WHERE tenant_id = ? AND id = ?`,
		firstName, lastName, t.tenantID, id)
	return err
}

// ClearCompetitiveTitles wipes all competitive titles in the tenant.
// The aggregator calls this before awarding the new set, so a developer
// who no longer leads any category loses the title.
func (t *TenantStore) ClearCompetitiveTitles() error {
	_, err := t.s.exec(`UPDATE users SET competitive_title = '', competitive_title_reason = ''
		WHERE tenant_id = ?`, t.tenantID)
	return err
}

// SetCompetitiveTitleByEmail awards a title to the user with the given
// email. Unknown emails are skipped without error; the leaderboard can
// name developers who have no portal account yet.
func (t *TenantStore) SetCompetitiveTitleByEmail(email, title, reason string) error {
	_, err := t.s.exec(`UPDATE users SET competitive_title = ?, competitive_title_reason = ?
		WHERE tenant_id = ? AND LOWER(email) = LOWER(?)`,
		title, reason, t.tenantID, email)
	return err
}

// GetExternalIdentity resolves a vendor-stable id to its mapping row.
func (t *TenantStore) GetExternalIdentity(provider, externalID string) (*model.ExternalIdentity, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, provider, external_id, user_id
		FROM external_identities WHERE tenant_id = ? AND provider = ? AND external_id = ?`,
		t.tenantID, provider, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	var ident model.ExternalIdentity
	if err := rows.Scan(&ident.ID, &ident.TenantID, &ident.Provider, &ident.ExternalID, &ident.UserID); err != nil {
		return nil, err
	}
	return &ident, nil
}

// UpsertExternalIdentity records a (provider, external id) -> user
// mapping, updating the user link if the mapping already exists.
func (t *TenantStore) UpsertExternalIdentity(provider, externalID, userID string) error {
	existing, err := t.GetExternalIdentity(provider, externalID)
	switch {
	case err == nil:
		if existing.UserID == userID {
			return nil
		}
		_, err = t.s.exec(`UPDATE external_identities SET user_id = ? WHERE id = ?`, userID, existing.ID)
		return err
	case errors.Is(err, ErrNotFound):
		_, err = t.s.exec(`INSERT INTO external_identities (id, tenant_id, provider, external_id, user_id)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), t.tenantID, provider, externalID, userID)
		return err
	default:
		return err
	}
}

func scanUser(r rowScanner) (*model.User, error) {
	var (
		u                      model.User
		active, admin, manager int
		createdAt              string
	)
	err := r.Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.FirstName, &u.LastName,
		&active, &admin, &manager, &u.ProfilePicture, &u.CustomTitle,
		&u.CompetitiveTitle, &u.CompetitiveTitleReason, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.IsPlatformAdmin = admin != 0
	u.IsManager = manager != 0
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
