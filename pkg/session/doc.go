/*
Package session implements client sessions: a transient view combining
the current datastore selection, the user's identity, per-module
working copies created on first touch, and the ordered log of buffered
operations.

Edits (SetItem, DeleteItem, MoveItem, EditBatch, ReplaceConfig) apply
immediately to the working copy — so the session's own reads observe
its uncommitted changes — and append to the operation log the commit
engine later consumes. DiscardChanges drops both.

Refresh replays the operation log against freshly loaded baselines
after the underlying data changed; each operation carries a has-error
flag so a partial replay can surface the offenders individually while
keeping the rest when continue-on-error is requested.

Reads resolve through the working copy for touched modules and the
stored baseline otherwise, with "/*" wildcard fan-out and the bounded
subtree chunk view (offset and child-limit at the second level,
child-limit below, depth-limit overall).

The Manager's AnyModified probe backs the lock manager's
modification-before-lock rule.
*/
package session
