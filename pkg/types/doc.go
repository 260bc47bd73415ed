/*
Package types defines the entities shared across Burrow's packages:
datastores, module registry records, dependency records, leaf values,
change diffs, subscription events, edit options, lock records, and the
stable error-code taxonomy.

All cross-package data flows through these types so the component
packages (schema, storage, registry, lock, subscription, session,
commit, oper) never import each other's internals.

# Error codes

Every caller-facing operation returns a *types.Error carrying one of the
stable codes (INVAL_ARG, NOT_FOUND, VALIDATION_FAILED, LOCKED, TIMEOUT,
CALLBACK_FAILED, ...). Validation failures attach a list of (path,
message) entries. Use types.CodeOf to classify any error, including
wrapped ones.

# Module records

A Module is the persistent registry record of one installed YANG module:
its revision, enabled features, per-datastore plugin bindings, replay
state, and the dependency sets computed by the analyzer. InverseDeps is
rebuilt together with Deps on every registry mutation so the two
directions never drift apart.
*/
package types
