/*
Package datatree implements the instantiated YANG data trees Burrow
stores and edits: one tree per (module, datastore).

A Tree is a forest of schema-backed nodes under a synthetic root. Edits
(Set, Delete, Move) resolve canonical paths through ParsePath, which
binds every step to its schema node and canonicalises list-key
predicates through the key leaf's type. Children are kept in schema
order; instances of the same list or leaf-list stay grouped, with
user-ordered entries movable through Move.

Diff produces the ordered change list the commit engine feeds to
subscribers: created and deleted subtrees parent-first, leaf
modifications, and moves detected against the longest stable
subsequence of surviving entries.

ApplyDefaults and StripDefaults convert between the explicit tree and
its defaults-materialised form; stores persist the materialised form so
read-back equals the validated working copy.

The operational datastore reuses the same trees with per-node Origin
annotations; the composer in pkg/oper assembles those from providers
and push overlays.
*/
package datatree
