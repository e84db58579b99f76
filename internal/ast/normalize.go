package ast

import "fmt"

// Normalize rewrites degenerate conjunctions and unions:
// Intersection([]) becomes All, Intersection([x]) and Union([x]) become
// the normalized x. Normalize is pure; n is not modified.
func Normalize(n Node) Node {
	switch node := n.(type) {
	case Intersection:
		children := normalizeAll(node.Children)
		switch len(children) {
		case 0:
			return All{}
		case 1:
			return children[0]
		}
		return Intersection{Children: children}
	case Union:
		children := normalizeAll(node.Children)
		if len(children) == 1 {
			return children[0]
		}
		return Union{Children: children}
	case Negative:
		return Negative{Child: Normalize(node.Child)}
	case User:
		return User{UserID: node.UserID, Child: Normalize(node.Child)}
	default:
		return n
	}
}

func normalizeAll(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, c := range nodes {
		out[i] = Normalize(c)
	}
	return out
}

// Walk calls fn for n and every descendant in depth-first pre-order.
// Returning false from fn skips that node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch node := n.(type) {
	case Intersection:
		for _, c := range node.Children {
			Walk(c, fn)
		}
	case Union:
		for _, c := range node.Children {
			Walk(c, fn)
		}
	case Negative:
		Walk(node.Child, fn)
	case User:
		Walk(node.Child, fn)
	}
}

// ContainsUser reports whether any node in the tree is a User node.
func ContainsUser(n Node) bool {
	found := false
	Walk(n, func(node Node) bool {
		if _, ok := node.(User); ok {
			found = true
		}
		return !found
	})
	return found
}

// Validate checks structural well-formedness: no nil nodes, no nil
// children, and only this package's variants.
func Validate(n Node) error {
	var err error
	var check func(Node, string)
	check = func(node Node, path string) {
		if err != nil {
			return
		}
		switch v := node.(type) {
		case nil:
			err = fmt.Errorf("%s: nil node", path)
		case All, Term:
		case Intersection:
			for i, c := range v.Children {
				check(c, fmt.Sprintf("%s.and[%d]", path, i))
			}
		case Union:
			for i, c := range v.Children {
				check(c, fmt.Sprintf("%s.or[%d]", path, i))
			}
		case Negative:
			check(v.Child, path+".not")
		case User:
			check(v.Child, path+".user")
		default:
			err = fmt.Errorf("%s: unsupported node type %T", path, node)
		}
	}
	check(n, "$")
	return err
}
