package capability

import (
	"context"
	"fmt"

	"github.com/colloq/colloq/internal/secret"
	"github.com/colloq/colloq/internal/storage"
)

// Users gates access to platform accounts. Email addresses are stored
// encrypted at rest and decrypted here, so plugins holding users:read see
// plaintext without touching the encryption layer themselves.
type Users struct {
	perms   Set
	domain  storage.DomainStore
	secrets *secret.Box
}

// Get returns one user with PII decrypted. Requires users:read.
func (u *Users) Get(ctx context.Context, id string) (storage.User, error) {
	if err := u.perms.require(PermUsersRead); err != nil {
		return storage.User{}, err
	}
	user, err := u.domain.GetUser(ctx, id)
	if err != nil {
		return storage.User{}, err
	}
	return u.decrypt(user)
}

// List returns all users with PII decrypted. Requires users:read.
func (u *Users) List(ctx context.Context) ([]storage.User, error) {
	if err := u.perms.require(PermUsersRead); err != nil {
		return nil, err
	}
	users, err := u.domain.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i], err = u.decrypt(users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// UpdateRole changes a user's platform role. Requires users:manage.
func (u *Users) UpdateRole(ctx context.Context, id, role string) error {
	if err := u.perms.require(PermUsersManage); err != nil {
		return err
	}
	return u.domain.UpdateUserRole(ctx, id, role)
}

func (u *Users) decrypt(user storage.User) (storage.User, error) {
	if u.secrets == nil || !secret.IsEncrypted(user.Email) {
		return user, nil
	}
	email, err := u.secrets.Decrypt(user.Email)
	if err != nil {
		return storage.User{}, fmt.Errorf("decrypt email for user %s: %w", user.ID, err)
	}
	user.Email = email
	return user, nil
}
