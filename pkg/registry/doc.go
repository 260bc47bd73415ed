/*
Package registry is the persistent module registry — the core of the
module lifecycle. One document records every installed module: name,
revision, enabled features, per-datastore plugin bindings, replay
state, the computed dependency container, and the inverse index.

Every mutation (install, remove, update, feature toggle, replay
toggle) follows the same transaction shape:

 1. Build a tentative raw schema set and a tentative document.
 2. Compile the tentative set; compilation failure fails the batch.
 3. Rebuild every module's dependencies and the inverse index together.
 4. Bump the content ID.
 5. Validate the document — structural invariants plus the document
    rendered into a data tree of the self module's schema (dependency
    records and operation dependencies are not part of that tree).
 6. Persist through the self module's startup plugin; only on success
    swap the live document, raw set, and schema context.

The document is never partially written. Failures after the swap
(plugin data init or destroy) are surfaced or logged but cannot undo
the committed registry state, matching the fail-hard contract for
post-swap storage errors.

Removal is guarded by the inverse index: a module still named in some
survivor's dependency set cannot be removed. Install pulls
not-yet-registered implemented imports into the batch through the
module loader, inheriting the request's plugin binding and access.

The raw (uncompiled) schemas are reloaded through the ModuleLoader on
startup; the loader fronts the external YANG parser.
*/
package registry
