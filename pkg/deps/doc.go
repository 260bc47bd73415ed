/*
Package deps derives the cross-module dependency graph from a compiled
schema context: leafref targets, instance-identifier sources, and the
foreign modules reached by when/must expressions, with RPC, action, and
notification subtrees analysed separately under their operation node.

Rebuild is the registry's single entry point — it recomputes every
module record's dependency container and the inverse index in one pass,
keeping the two directions of the graph consistent by construction.
*/
package deps
