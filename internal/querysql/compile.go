// Package querysql compiles query ASTs into parameterized SQLite SQL.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/textindex"
)

// indentUnit is one level of cosmetic indentation.
const indentUnit = "  "

// Compile converts an AST node to a parameterized SQL fragment.
//
// The fragment is a SELECT producing a single column named id (a submission
// id). Placeholders are SQLite numbered parameters ?N. offset is the number
// of parameters already bound to the left; the fragment uses exactly
// ?offset+1 .. ?offset+len(params), in order of appearance, and the caller's
// next offset is offset+len(params).
//
// indent is the nesting depth used for formatting only. It never changes
// parameter numbering.
//
// CRITICAL: values are never interpolated into the fragment.
func Compile(n ast.Node, offset, indent int) (string, []any, error) {
	if offset < 0 {
		return "", nil, fmt.Errorf("parameter offset must be >= 0, got %d", offset)
	}
	if indent < 0 {
		indent = 0
	}
	return compileNode(n, offset, indent)
}

func compileNode(n ast.Node, offset, depth int) (string, []any, error) {
	switch node := n.(type) {
	case nil:
		return "", nil, fmt.Errorf("cannot compile nil node")
	case ast.All:
		return compileAll(depth), nil, nil
	case ast.Term:
		return compileTerm(node, offset, depth)
	case ast.Intersection:
		return compileIntersection(node.Children, offset, depth)
	case ast.Union:
		return compileUnion(node.Children, offset, depth)
	case ast.Negative:
		return compileNegative(node, offset, depth)
	case ast.User:
		return compileUser(node, offset, depth)
	default:
		return "", nil, fmt.Errorf("unsupported node type: %T", n)
	}
}

func compileAll(depth int) string {
	return pad(depth) + "SELECT id FROM submissions"
}

// compileNone selects no rows.
func compileNone(depth int) string {
	return pad(depth) + "SELECT id FROM submissions WHERE 0"
}

// compileTerm tokenizes like the indexer. Blank text degrades to All, but
// text that yields no index tokens (punctuation, or only words longer than
// the indexer keeps) can never match and selects nothing. More than one
// token is the intersection of the single-token terms.
func compileTerm(t ast.Term, offset, depth int) (string, []any, error) {
	if strings.TrimSpace(t.Text) == "" {
		return compileAll(depth), nil, nil
	}
	tokens := textindex.Tokenize(t.Text)
	switch len(tokens) {
	case 0:
		return compileNone(depth), nil, nil
	case 1:
		p := pad(depth)
		sql := lines(
			p+"SELECT s.id FROM submissions s",
			p+"JOIN terms t ON t.content_id = s.content_id",
			p+"WHERE t.term = "+placeholder(offset+1),
		)
		return sql, []any{tokens[0]}, nil
	}

	children := make([]ast.Node, len(tokens))
	for i, tok := range tokens {
		children[i] = ast.Term{Text: tok}
	}
	return compileIntersection(children, offset, depth)
}

// compileIntersection chains the children as derived tables joined on id.
// Each child selects its own matches independently.
func compileIntersection(children []ast.Node, offset, depth int) (string, []any, error) {
	switch len(children) {
	case 0:
		return compileAll(depth), nil, nil
	case 1:
		return compileNode(children[0], offset, depth)
	}

	p := pad(depth)
	var parts []string
	var params []any
	for i, child := range children {
		sql, childParams, err := compileNode(child, offset+len(params), depth+1)
		if err != nil {
			return "", nil, fmt.Errorf("intersection child %d: %w", i, err)
		}
		params = append(params, childParams...)

		alias := fmt.Sprintf("q%d", i+1)
		if i == 0 {
			parts = append(parts, p+"SELECT q1.id FROM (", sql, p+") q1")
			continue
		}
		parts = append(parts, p+"JOIN (", sql, fmt.Sprintf("%s) %s ON %s.id = q1.id", p, alias, alias))
	}
	return lines(parts...), params, nil
}

// compileUnion combines the children with UNION, which deduplicates.
// An empty union matches nothing.
func compileUnion(children []ast.Node, offset, depth int) (string, []any, error) {
	p := pad(depth)
	switch len(children) {
	case 0:
		return compileNone(depth), nil, nil
	case 1:
		return compileNode(children[0], offset, depth)
	}

	var parts []string
	var params []any
	for i, child := range children {
		sql, childParams, err := compileNode(child, offset+len(params), depth+1)
		if err != nil {
			return "", nil, fmt.Errorf("union child %d: %w", i, err)
		}
		params = append(params, childParams...)

		if i > 0 {
			parts = append(parts, p+"UNION")
		}
		parts = append(parts, p+"SELECT id FROM (", sql, p+")")
	}
	return lines(parts...), params, nil
}

// compileNegative takes the complement within all submissions. Access
// pruning happens in the enclosing User node, after the complement.
func compileNegative(n ast.Negative, offset, depth int) (string, []any, error) {
	sql, params, err := compileNode(n.Child, offset, depth+1)
	if err != nil {
		return "", nil, fmt.Errorf("negative: %w", err)
	}
	p := pad(depth)
	return lines(
		p+"SELECT id FROM submissions",
		p+"WHERE id NOT IN (",
		sql,
		p+")",
	), params, nil
}

// compileUser keeps the child's matches whose target set contains the user
// or the public sentinel. The user id is bound after the child's parameters.
func compileUser(n ast.User, offset, depth int) (string, []any, error) {
	sql, params, err := compileNode(n.Child, offset, depth+1)
	if err != nil {
		return "", nil, fmt.Errorf("user: %w", err)
	}
	p := pad(depth)
	userParam := placeholder(offset + len(params) + 1)
	return lines(
		p+"SELECT u.id FROM (",
		sql,
		p+") u",
		fmt.Sprintf("%sWHERE EXISTS (SELECT 1 FROM targets g WHERE g.submission_id = u.id AND g.user_id IN (%s, %d))",
			p, userParam, ast.PublicUserID),
	), append(params, n.UserID), nil
}

func placeholder(n int) string {
	return fmt.Sprintf("?%d", n)
}

func pad(depth int) string {
	return strings.Repeat(indentUnit, depth)
}

func lines(parts ...string) string {
	return strings.Join(parts, "\n")
}
