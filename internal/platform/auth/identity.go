package auth

import (
	"context"
	"errors"
	"slices"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles recognised by the API's authorisation checks.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// ErrUserLoaderUnavailable means the identity has no way to fetch its user record.
var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// UserLoader fetches the Firebase user record behind a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)

// Identity is the authenticated principal extracted from a Firebase ID token.
// Roles are stored lowercased.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string

	idToken *firebaseauth.Token

	loadUser  UserLoader
	once      sync.Once
	record    *firebaseauth.UserRecord
	recordErr error
}

// Token returns the decoded Firebase ID token, if any.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.idToken
}

// HasRole reports whether the identity carries the role, case-insensitively.
func (i *Identity) HasRole(role string) bool {
	want := normaliseRole(role)
	if i == nil || want == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool {
		return normaliseRole(r) == want
	})
}

// HasAnyRole reports whether the identity carries at least one of the roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// User loads the full Firebase user record on first call and caches the result.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.loadUser == nil {
		return nil, ErrUserLoaderUnavailable
	}
	i.once.Do(func() {
		i.record, i.recordErr = i.loadUser(ctx, i.UID)
	})
	return i.record, i.recordErr
}

type identityContextKey struct{}

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}
