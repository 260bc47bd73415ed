/*
Package oper composes the operational datastore view. Nothing is stored
for a pull subtree; a read assembles three layers in order of
increasing precedence:

 1. Schema defaults, tagged with the default origin.
 2. Pull-provider contributions, gathered from every provider whose
    subtree intersects the requested path, each bounded by its
    subscription timeout. A missing or late provider yields an empty
    subtree, never an error.
 3. The persisted push-edit overlay, whose entries carry their own
    origins and win over provider values. Keyless and duplicate-key
    list entries are matched positionally through the index predicates
    their paths carry, and discard-items removes overlay entries by
    the same index paths without touching stored configuration.

After assembly, origins resolve per RFC 8342 semantics: unspecified
top-level nodes report unknown and descendants inherit their parent's
origin.
*/
package oper
