/*
Package lock is Burrow's lock manager: per-(module, datastore)
reader/writer locks with bounded waits, optionally mirrored into
advisory file locks so cooperating processes observe them.

Two acquisition surfaces exist on purpose. Lock/LockAll implement the
client rules — the candidate datastore is never lockable, and a module
with uncommitted changes in any session cannot be locked until those
changes are applied or discarded. Acquire is the internal surface the
commit engine uses to serialise writers on the modules a transaction
touches; it skips the client rules but shares the same lock table, so
an explicit client lock and a concurrent commit still exclude each
other.

A datastore-wide lock is the atomic acquisition of every module's
lock, taken in sorted module order; partial failure rolls back what
was already acquired.

Waiters park on a broadcast channel replaced on every release, with
the deadline enforced per acquisition; expiry surfaces TIMEOUT and
leaves no partial state behind.
*/
package lock
