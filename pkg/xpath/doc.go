/*
Package xpath extracts location-path atoms from YANG when/must and
path expressions. The dependency analyzer feeds each expression through
Atoms and resolves the prefixed steps against the schema context to
find cross-module references.

This is deliberately not an XPath evaluator; runtime evaluation of
when/must constraints is delegated to the schema library. Only the
lexical structure needed for dependency analysis lives here.
*/
package xpath
