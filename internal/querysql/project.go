package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/hashrepo/internal/ast"
)

// Page selects a window of matches.
//
// Offset >= 0 is an ascending page starting at Offset. Offset < 0 selects
// the last |Offset| matches. Limit 0 means unbounded. Output is always in
// ascending submission order.
type Page struct {
	Offset int
	Limit  int
}

// matchColumns are the columns every SelectMatches row carries.
const matchColumns = "s.id, c.algorithm, c.digest, c.media_type"

// SelectMatches compiles q into a query returning
// (submission id, algorithm, digest, media type) rows for the page.
// ceiling > 0 excludes submissions with a larger id.
//
// MANDATORY: every result set is ordered by submission id ascending.
func SelectMatches(q ast.Scoped, page Page, ceiling int64) (string, []any, error) {
	if !q.Valid() {
		return "", nil, fmt.Errorf("query is not scoped")
	}
	frag, params, err := Compile(q.Root(), 0, 1)
	if err != nil {
		return "", nil, fmt.Errorf("compile matches: %w", err)
	}

	body := []string{
		"FROM submissions s",
		"JOIN contents c ON c.id = s.content_id",
		"WHERE s.id IN (",
		frag,
		")",
	}
	if ceiling > 0 {
		params = append(params, ceiling)
		body = append(body, "AND s.id <= "+placeholder(len(params)))
	}

	if page.Offset < 0 {
		params = append(params, -page.Offset)
		inner := append([]string{"SELECT s.id AS id, c.algorithm AS algorithm, c.digest AS digest, c.media_type AS media_type"}, body...)
		inner = append(inner, "ORDER BY s.id DESC", "LIMIT "+placeholder(len(params)))
		parts := []string{"SELECT id, algorithm, digest, media_type FROM ("}
		parts = append(parts, indentLines(inner)...)
		parts = append(parts, ")", "ORDER BY id ASC")
		if page.Limit > 0 {
			params = append(params, page.Limit)
			parts = append(parts, "LIMIT "+placeholder(len(params)))
		}
		return lines(parts...), params, nil
	}

	parts := append([]string{"SELECT " + matchColumns}, body...)
	parts = append(parts, "ORDER BY s.id ASC")
	if page.Limit > 0 || page.Offset > 0 {
		limit := page.Limit
		if limit <= 0 {
			limit = -1
		}
		params = append(params, limit, page.Offset)
		parts = append(parts, fmt.Sprintf("LIMIT %s OFFSET %s", placeholder(len(params)-1), placeholder(len(params))))
	}
	return lines(parts...), params, nil
}

// Membership is a compiled "does submission X match" test. It is compiled
// once and executed per candidate with Args.
type Membership struct {
	SQL    string
	Params []any
}

// Args returns the bind arguments for testing submissionID. The candidate
// id is always the last positional parameter.
func (m Membership) Args(submissionID int64) []any {
	args := make([]any, len(m.Params), len(m.Params)+1)
	copy(args, m.Params)
	return append(args, submissionID)
}

// Contains compiles q into a membership test returning a single boolean.
func Contains(q ast.Scoped) (Membership, error) {
	if !q.Valid() {
		return Membership{}, fmt.Errorf("query is not scoped")
	}
	frag, params, err := Compile(q.Root(), 0, 2)
	if err != nil {
		return Membership{}, fmt.Errorf("compile membership: %w", err)
	}
	sql := lines(
		"SELECT EXISTS (",
		indentUnit+"SELECT 1 FROM (",
		frag,
		indentUnit+") m",
		indentUnit+"WHERE m.id = "+placeholder(len(params)+1),
		")",
	)
	return Membership{SQL: sql, Params: params}, nil
}

// Count compiles q into a query returning the number of matches.
func Count(q ast.Scoped) (string, []any, error) {
	if !q.Valid() {
		return "", nil, fmt.Errorf("query is not scoped")
	}
	frag, params, err := Compile(q.Root(), 0, 1)
	if err != nil {
		return "", nil, fmt.Errorf("compile count: %w", err)
	}
	return lines("SELECT COUNT(*) FROM (", frag, ")"), params, nil
}

func indentLines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, chunk := range in {
		for _, l := range strings.Split(chunk, "\n") {
			out = append(out, indentUnit+l)
		}
	}
	return out
}
