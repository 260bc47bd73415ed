/*
Package schema owns the compiled YANG schema set — the schema context.

A Context is immutable: module lifecycle operations build a tentative
context off to the side (Compile) and only after the registry commit
does the daemon swap it in. Readers that started on the old context
finish on it; nothing is mutated in place.

Raw modules are assembled through the builder constructors (NewModule,
Container, List, Leaf, ...) by the YANG text front end or directly by
tests. Compile deep-copies them, prunes nodes gated on disabled
features, links parents, attributes each node with its owning module,
and verifies imports and leafref targets resolve — so a feature toggle
is a full recompile, never an in-place edit.

Canonical paths are JSON-qualified: the module name prefixes the first
step and every step that crosses into another module, as in
"/ietf-interfaces:interfaces/interface/name".
*/
package schema
