// Package identity maps vendor user references onto portal accounts.
// Every assignee and PR author seen during a sync is resolved through
// the same four steps, so one person observed in Jira and GitHub ends
// up attributed to a single account.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

// Ref is what a connector knows about a vendor user.
type Ref struct {
	Provider    string // "jira", "clickup", "azure_devops", "github"
	ExternalID  string // vendor-stable id (accountId, user id, unique name, login)
	DisplayName string
	Email       string
}

// Resolver resolves vendor user references within one tenant.
type Resolver struct {
	store  *store.TenantStore
	logger *zap.Logger
}

// NewResolver creates a resolver bound to a tenant store.
func NewResolver(ts *store.TenantStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: ts, logger: logger}
}

// Resolve returns the portal user for a vendor reference, creating an
// inactive placeholder account when nobody matches. Resolution order:
// stored identity mapping, then email, then display name, then create.
// A ref with no usable key at all resolves to nil without error.
func (r *Resolver) Resolve(ref Ref) (*model.User, error) {
	if ref.ExternalID == "" && ref.Email == "" && ref.DisplayName == "" {
		return nil, nil
	}

	if ref.ExternalID != "" {
		ident, err := r.store.GetExternalIdentity(ref.Provider, ref.ExternalID)
		switch {
		case err == nil:
			u, err := r.store.GetUser(ident.UserID)
			if err != nil {
				return nil, err
			}
			return u, r.backfillName(ref, u)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if ref.Email != "" {
		u, err := r.store.FindUserByEmail(ref.Email)
		switch {
		case err == nil:
			if err := r.backfillName(ref, u); err != nil {
				return nil, err
			}
			return u, r.link(ref, u.ID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if ref.DisplayName != "" {
		u, err := r.store.FindUserByName(ref.DisplayName)
		switch {
		case err == nil:
			return u, r.link(ref, u.ID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	return r.create(ref)
}

// backfillName fills in the name of a user created before any source
// reported a display name for them.
func (r *Resolver) backfillName(ref Ref, u *model.User) error {
	if ref.DisplayName == "" || u.FirstName != "" || u.LastName != "" {
		return nil
	}
	first, last := splitName(ref.DisplayName)
	if err := r.store.UpdateUserName(u.ID, first, last); err != nil {
		return err
	}
	u.FirstName = first
	u.LastName = last
	return nil
}

func (r *Resolver) link(ref Ref, userID string) error {
	if ref.ExternalID == "" {
		return nil
	}
	return r.store.UpsertExternalIdentity(ref.Provider, ref.ExternalID, userID)
}

// create makes an inactive account. It cannot log in until an admin
// invites it; it exists so metrics have somewhere to attribute work.
func (r *Resolver) create(ref Ref) (*model.User, error) {
	username, err := r.uniqueUsername(baseUsername(ref))
	if err != nil {
		return nil, err
	}

	first, last := splitName(ref.DisplayName)
	u := &model.User{
		Username:  username,
		Email:     ref.Email,
		FirstName: first,
		LastName:  last,
		Active:    false,
	}
	if err := r.store.CreateUser(u); err != nil {
		return nil, fmt.Errorf("create placeholder user %q: %w", username, err)
	}
	if err := r.link(ref, u.ID); err != nil {
		return nil, err
	}

	r.logger.Info("created placeholder user",
		zap.String("username", username),
		zap.String("provider", ref.Provider))
	return u, nil
}

// uniqueUsername appends .2, .3, ... until the name is free.
func (r *Resolver) uniqueUsername(base string) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		taken, err := r.store.UsernameExists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s.%d", base, n)
	}
}

// baseUsername is the full lowercased email, so two people who share a
// local part across domains never collide. A ref without an email gets
// a synthetic "<slug>@<provider>.sync" username, which makes the
// account's origin obvious in the admin user list.
func baseUsername(ref Ref) string {
	if ref.Email != "" {
		return strings.ToLower(ref.Email)
	}
	slug := slugify(ref.DisplayName)
	if slug == "" {
		slug = strings.ToLower(ref.ExternalID)
	}
	return slug + "@" + ref.Provider + ".sync"
}

func slugify(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ' ' || c == '.' || c == '-' || c == '_':
			b.WriteRune('.')
		}
	}
	return strings.Trim(b.String(), ".")
}

func splitName(display string) (first, last string) {
	parts := strings.Fields(display)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
