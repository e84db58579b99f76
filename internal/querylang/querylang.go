// Package querylang parses client query text into query ASTs.
//
// Two languages are supported:
//
//	simple  fox den -river OR oak
//	json    {"op": "and", "children": [{"op": "term", "text": "fox"}, ...]}
//
// Neither language can express an access-control node; scoping is applied
// afterwards by the session layer.
package querylang

import (
	"strings"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
)

// Language names accepted by Parse.
const (
	Simple = "simple"
	JSON   = "json"
)

// DefaultLanguage is used when the caller names none.
const DefaultLanguage = Simple

// Languages lists every supported language.
func Languages() []string {
	return []string{Simple, JSON}
}

// Parse converts text written in language into an AST.
// Errors carry apperr.CodeParse, except a JSON tree that tries to build an
// access-control node, which carries apperr.CodePermission.
func Parse(text, language string) (ast.Node, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", Simple:
		return parseSimple(text)
	case JSON:
		return parseJSON(text)
	default:
		return nil, apperr.Newf(apperr.CodeParse, "unknown query language %q", language)
	}
}

// Supported reports whether language is accepted by Parse.
func Supported(language string) bool {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", Simple, JSON:
		return true
	}
	return false
}
