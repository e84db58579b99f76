package querylang

import (
	"strings"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
)

// orKeyword separates alternatives. It is case-sensitive so that the word
// "or" can still be searched for.
const orKeyword = "OR"

// parseSimple parses whitespace-separated words. Words within a group are
// intersected, a leading '-' negates a word, and OR separates groups.
// Empty text matches everything.
func parseSimple(text string) (ast.Node, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ast.All{}, nil
	}

	var (
		groups  []ast.Node
		current []ast.Node
	)
	closeGroup := func(pos int) error {
		if len(current) == 0 {
			return apperr.Newf(apperr.CodeParse, "word %d: OR needs a term on both sides", pos+1)
		}
		groups = append(groups, ast.And(current...))
		current = nil
		return nil
	}

	for i, f := range fields {
		if f == orKeyword {
			if err := closeGroup(i); err != nil {
				return nil, err
			}
			continue
		}

		negate := strings.HasPrefix(f, "-")
		word := strings.TrimPrefix(f, "-")
		if word == "" {
			return nil, apperr.Newf(apperr.CodeParse, "word %d: '-' must prefix a term", i+1)
		}
		var n ast.Node = ast.Term{Text: word}
		if negate {
			n = ast.Not(n)
		}
		current = append(current, n)
	}
	if err := closeGroup(len(fields) - 1); err != nil {
		return nil, err
	}

	if len(groups) == 1 {
		return groups[0], nil
	}
	return ast.Or(groups...), nil
}
