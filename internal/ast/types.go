package ast

// PublicUserID is the target sentinel meaning "visible to everyone".
// Real user ids start at 1.
const PublicUserID int64 = 0

// Node is a query AST node.
//
// This is a sealed interface - only types in this package implement it.
type Node interface {
	queryNode()
}

// All matches every submission.
type All struct{}

func (All) queryNode() {}

// Term matches submissions whose content was indexed with Text. Text is
// normalized and tokenized like indexed content; text with no tokens
// matches everything, and several tokens must all be present.
type Term struct {
	Text string
}

func (Term) queryNode() {}

// Intersection matches submissions matched by every child. Children are
// evaluated independently; there is no short-circuiting.
type Intersection struct {
	Children []Node
}

func (Intersection) queryNode() {}

// Union matches submissions matched by any child, without duplicates.
// An empty Union matches nothing.
type Union struct {
	Children []Node
}

func (Union) queryNode() {}

// Negative matches submissions not matched by Child.
type Negative struct {
	Child Node
}

func (Negative) queryNode() {}

// User restricts Child's matches to submissions targeted at UserID or at
// the public sentinel.
type User struct {
	UserID int64
	Child  Node
}

func (User) queryNode() {}

// And is shorthand for Intersection.
func And(children ...Node) Node {
	return Intersection{Children: children}
}

// Or is shorthand for Union.
func Or(children ...Node) Node {
	return Union{Children: children}
}

// Not is shorthand for Negative.
func Not(child Node) Node {
	return Negative{Child: child}
}
