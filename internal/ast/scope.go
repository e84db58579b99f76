package ast

import (
	"github.com/roach88/hashrepo/internal/apperr"
)

// Scoped is an AST wrapped in exactly one User node. It is the only form
// accepted by projections that execute against stored rows.
//
// The zero value is not usable; build one with Scope.
type Scoped struct {
	root User
}

// Scope wraps n in a User node for userID. It fails if n already contains
// a User node or is structurally invalid.
func Scope(userID int64, n Node) (Scoped, error) {
	if err := Validate(n); err != nil {
		return Scoped{}, apperr.Wrap(apperr.CodeParse, "invalid query", err)
	}
	if ContainsUser(n) {
		return Scoped{}, apperr.New(apperr.CodePermission, "query may not contain access-control nodes")
	}
	return Scoped{root: User{UserID: userID, Child: Normalize(n)}}, nil
}

// Root returns the wrapped tree, whose root is the User node.
func (s Scoped) Root() Node {
	return s.root
}

// UserID returns the user the query is scoped to.
func (s Scoped) UserID() int64 {
	return s.root.UserID
}

// Valid reports whether s was built by Scope.
func (s Scoped) Valid() bool {
	return s.root.Child != nil
}
