// Package session models who a request acts for. A Session is the only way
// to turn a parsed query into an executable one.
package session

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/store"
)

// Session is an authenticated (or anonymous) principal.
type Session struct {
	UserID   int64
	Username string
	CanWrite bool
}

// Anonymous returns the session used for requests without credentials.
// It reads public content only and cannot write.
func Anonymous() Session {
	return Session{UserID: ast.PublicUserID}
}

// ForUser returns the session of a stored account.
func ForUser(u store.User) Session {
	return Session{UserID: u.ID, Username: u.Username, CanWrite: u.CanWrite}
}

// IsAnonymous reports whether s carries no user.
func (s Session) IsAnonymous() bool {
	return s.UserID == ast.PublicUserID
}

// Scope wraps n so it only matches submissions readable by s.
func (s Session) Scope(n ast.Node) (ast.Scoped, error) {
	return ast.Scope(s.UserID, n)
}

// RequireWrite fails with PERMISSION_DENIED unless s may submit content.
func (s Session) RequireWrite() error {
	if s.IsAnonymous() || !s.CanWrite {
		return apperr.Newf(apperr.CodePermission, "user %q may not submit content", s.Username)
	}
	return nil
}

// UserLookup finds accounts by name.
type UserLookup interface {
	UserByName(ctx context.Context, username string) (store.User, error)
}

// Authenticator checks username/password pairs against stored accounts.
type Authenticator struct {
	users UserLookup
}

// NewAuthenticator creates an Authenticator over users.
func NewAuthenticator(users UserLookup) *Authenticator {
	return &Authenticator{users: users}
}

// dummyHash is compared against when the user does not exist, so unknown
// and known usernames take similar time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("hashrepo"), bcrypt.MinCost)

// Authenticate returns the session for username if password matches.
// Unknown users and wrong passwords both fail with PERMISSION_DENIED.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (Session, error) {
	u, err := a.users.UserByName(ctx, username)
	if err != nil {
		if apperr.IsNotFound(err) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return Session{}, apperr.New(apperr.CodePermission, "invalid credentials")
		}
		return Session{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return Session{}, apperr.New(apperr.CodePermission, "invalid credentials")
	}
	if err != nil {
		return Session{}, apperr.Wrap(apperr.CodePermission, "invalid stored credentials", err)
	}
	return ForUser(u), nil
}

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash stored for a new account.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.New(apperr.CodeValidation, "password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, "hash password", err)
	}
	return string(hash), nil
}
