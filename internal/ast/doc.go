// Package ast provides the query AST for repository searches.
//
// A query is a small tree of boolean predicates over submissions:
//
//	All                      every submission
//	Term(text)               full-text match on indexed content terms
//	Intersection(children)   conjunction (pure set intersection)
//	Union(children)          deduplicated union
//	Negative(child)          complement within the enclosing population
//	User(userID, child)      access-control boundary
//
// SEALED INTERFACE:
//
// Node is sealed with a marker method, so backends (see internal/querysql)
// can switch exhaustively over the variants.
//
// ACCESS CONTROL:
//
// User is the only access-control boundary. A tree executed on behalf of a
// session must carry exactly one User node at its root, and the only way to
// produce an executable query is Scope, which returns a Scoped value whose
// fields are unexported. Query parsers never emit User nodes. Because the
// single User node sits above everything else, a Negative anywhere below it
// is evaluated before access pruning and cannot reveal inaccessible content.
//
// NORMALIZATION:
//
//	Intersection([])  == All
//	Intersection([x]) == x
//	Union([x])        == x
//
// Normalize applies these rules recursively; the compiler applies them too,
// so an un-normalized tree compiles to the same SQL as its normal form.
package ast
