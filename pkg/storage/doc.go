/*
Package storage defines the storage plugin interface (SPI) every
datastore backend implements, and ships two implementations plus the
registry the daemon wires them through.

Each (module, datastore) pair is one logical slot holding a serialized
tree document. The engine above the SPI owns parsing and validation;
plugins only move bytes. The candidate datastore has one special
behavior both implementations share: until first written, loading the
candidate falls through to running, so an untouched candidate always
mirrors it, and CandidateReset simply drops the private copy.

# Implementations

BoltPlugin stores documents in a single BoltDB file, one bucket per
datastore keyed by module name, with ACID write transactions and
fsync-on-commit durability. It doubles as the notification plugin:
notifications land in per-module sub-buckets keyed by big-endian
timestamp plus sequence number, which makes replay a cursor range scan.

MemPlugin keeps everything in process memory behind an RWMutex. It is
the default binding for the operational datastore, whose content is
rebuilt from providers anyway, and the backend tests run against.

# Access metadata

Plugins persist an (owner, group, perm) triple per slot and evaluate
checks like a unix file mode: owner bits, then group bits, then world
bits. An unset triple allows everything; the daemon's access-control
hook decides when to consult it.
*/
package storage
