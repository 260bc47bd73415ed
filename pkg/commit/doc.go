/*
Package commit is the change transaction engine. A commit moves a
session's working copies through six phases:

 1. Write locks on every touched (module, datastore), sorted module
    order, rolled back entirely on a timeout.
 2. Schema validation with defaults materialised, plus cross-module
    leafref resolution against the transaction's own trees first and
    stored data second.
 3. Diff computation per module — the ordered change list.
 4. CHANGE delivery in descending priority (module name, then
    registration order breaking ties). The first veto aborts: already
    notified subscribers get ABORT in reverse order, locks release,
    the veto error returns to the committer.
 5. Persist through each module's bound storage plugin; a storage
    failure aborts the same way.
 6. DONE delivery, best-effort — errors are logged, never propagated.

Subscriber callbacks are bounded by a timeout; a callback cannot be
cancelled mid-flight, so an expired one keeps running with its result
discarded while the commit aborts.

copy-config runs through the same pipeline with the source datastore's
trees as the target state, so subscribers observe it as an ordinary
change transaction.
*/
package commit
