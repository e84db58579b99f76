package querylang

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
)

// maxDepth bounds the nesting of a JSON query tree.
const maxDepth = 64

// parseJSON decodes a JSON operator tree. CUE is a superset of JSON, so the
// text is compiled as a CUE value and walked with path lookups.
func parseJSON(text string) (ast.Node, error) {
	v := cuecontext.New().CompileString(text, cue.Filename("query.json"))
	if err := v.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeParse, "malformed json query", formatCUEError(err))
	}
	return decodeNode(v, "$", 0)
}

func decodeNode(v cue.Value, path string, depth int) (ast.Node, error) {
	if depth > maxDepth {
		return nil, parseErrorf(path, "query nested deeper than %d", maxDepth)
	}
	if v.Kind() != cue.StructKind {
		return nil, parseErrorf(path, "expected object, got %s", v.Kind())
	}

	op, err := stringField(v, "op", path)
	if err != nil {
		return nil, err
	}

	switch op {
	case "all":
		return ast.All{}, nil
	case "term":
		text, err := stringField(v, "text", path)
		if err != nil {
			return nil, err
		}
		return ast.Term{Text: text}, nil
	case "and", "or":
		children, err := decodeChildren(v, path, depth)
		if err != nil {
			return nil, err
		}
		if op == "and" {
			return ast.Intersection{Children: children}, nil
		}
		return ast.Union{Children: children}, nil
	case "not":
		childVal := v.LookupPath(cue.ParsePath("child"))
		if !childVal.Exists() {
			return nil, parseErrorf(path, "not requires a child")
		}
		child, err := decodeNode(childVal, path+".child", depth+1)
		if err != nil {
			return nil, err
		}
		return ast.Negative{Child: child}, nil
	case "user":
		return nil, apperr.Newf(apperr.CodePermission, "%s: queries may not contain access-control nodes", path)
	default:
		return nil, parseErrorf(path, "unknown op %q", op)
	}
}

func decodeChildren(v cue.Value, path string, depth int) ([]ast.Node, error) {
	listVal := v.LookupPath(cue.ParsePath("children"))
	if !listVal.Exists() {
		return []ast.Node{}, nil
	}
	iter, err := listVal.List()
	if err != nil {
		return nil, parseErrorf(path+".children", "expected array")
	}

	children := []ast.Node{}
	for i := 0; iter.Next(); i++ {
		child, err := decodeNode(iter.Value(), fmt.Sprintf("%s.children[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func stringField(v cue.Value, field, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return "", parseErrorf(path, "missing %q", field)
	}
	s, err := f.String()
	if err != nil {
		return "", parseErrorf(path+"."+field, "expected string")
	}
	return s, nil
}

func parseErrorf(path, format string, args ...any) error {
	return apperr.Newf(apperr.CodeParse, "%s: %s", path, fmt.Sprintf(format, args...))
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		pos := positions[0]
		return fmt.Errorf("%d:%d: %s", pos.Line(), pos.Column(), first.Error())
	}
	return first
}
