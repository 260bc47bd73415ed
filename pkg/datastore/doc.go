/*
Package datastore assembles Burrow's components into the daemon
service: the module registry, lock manager, subscription registry,
session table, change transaction engine, and operational composer,
behind the operation surface clients drive.

The wire transport in front of this surface is out of scope here; the
daemon binary mounts it behind whatever IPC it is built with, and the
tests drive the surface directly.

Reads route by the session's datastore: operational reads assemble
through the composer (defaults, pull providers, push overlay),
everything else reads the session view — working copies for touched
modules, stored baselines otherwise. Edits buffer in the session until
apply-changes hands them to the transaction engine.

Session stop is the cleanup point: held locks release, subscriptions
garbage-collect, working copies drop.
*/
package datastore
