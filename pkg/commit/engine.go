package commit

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/subscription"
	"github.com/cuemby/burrow/pkg/types"
)

// Engine drives change transactions through the
// lock → validate → diff → CHANGE → persist → DONE pipeline, with the
// reverse-order ABORT unwind on veto or storage failure.
type Engine struct {
	reg    *registry.Registry
	locks  *lock.Manager
	subs   *subscription.Registry
	logger zerolog.Logger

	// callbackTimeout bounds each subscriber callback; an expired CHANGE
	// callback aborts the commit.
	callbackTimeout time.Duration
}

// NewEngine wires a transaction engine.
func NewEngine(reg *registry.Registry, locks *lock.Manager, subs *subscription.Registry, callbackTimeout time.Duration) *Engine {
	if callbackTimeout <= 0 {
		callbackTimeout = 10 * time.Second
	}
	return &Engine{
		reg:             reg,
		locks:           locks,
		subs:            subs,
		logger:          log.WithComponent("commit"),
		callbackTimeout: callbackTimeout,
	}
}

// moduleTxn is one module's slice of a transaction.
type moduleTxn struct {
	name    string
	base    *datatree.Tree
	next    *datatree.Tree // defaults materialised
	changes []types.Change
}

// ApplyChanges commits a session's buffered edits. The per-(module,
// datastore) write locks linearise overlapping commits; disjoint
// commits interleave freely.
func (e *Engine) ApplyChanges(sess *session.Session, timeout time.Duration) error {
	ds := sess.Datastore()
	if ds == types.DSOperational {
		return types.Errorf(types.CodeUnsupported,
			"operational data is edited through the push-edit surface, not apply-changes")
	}
	touched := sess.TouchedModules()
	sort.Strings(touched)
	if len(touched) == 0 {
		return nil
	}

	ctx := e.reg.Context()
	var mods []*moduleTxn
	for _, name := range touched {
		working, base, ok := sess.Working(name)
		if !ok {
			continue
		}
		next := working.DeepCopy()
		if mod := ctx.Module(name); mod != nil {
			next.ApplyDefaults(mod)
		}
		mods = append(mods, &moduleTxn{name: name, base: base, next: next})
	}

	if err := e.run(sess.ID, ds, mods, timeout); err != nil {
		return err
	}
	sess.Reset()
	return nil
}

// CopyConfig replicates one module's data (or every module's, when
// module is empty) from src to dst through the same transaction
// pipeline, so subscribers observe the copy as an ordinary change.
func (e *Engine) CopyConfig(sessionID, module string, src, dst types.Datastore) error {
	if !src.Valid() || !dst.Valid() || src == dst {
		return types.Errorf(types.CodeInvalArg, "invalid copy-config %s -> %s", src, dst)
	}
	if dst == types.DSOperational {
		return types.Errorf(types.CodeUnsupported, "cannot copy into the operational datastore")
	}

	var names []string
	if module != "" {
		names = []string{module}
	} else {
		for _, rec := range e.reg.Modules() {
			if rec.Name == registry.SelfModule {
				continue
			}
			names = append(names, rec.Name)
		}
		sort.Strings(names)
	}

	var mods []*moduleTxn
	for _, name := range names {
		base, err := e.loadTree(name, dst)
		if err != nil {
			return err
		}
		next, err := e.loadTree(name, src)
		if err != nil {
			return err
		}
		mods = append(mods, &moduleTxn{name: name, base: base, next: next})
	}
	return e.run(sessionID, dst, mods, 0)
}

// run executes the transaction phases over the prepared module set.
func (e *Engine) run(sessionID string, ds types.Datastore, mods []*moduleTxn, timeout time.Duration) error {
	started := time.Now()

	// Phase 1: write locks, sorted module order, all-or-nothing.
	lockStart := time.Now()
	var held []string
	for _, m := range mods {
		if err := e.locks.Acquire(sessionID, m.name, ds, types.LockExclusive, timeout); err != nil {
			for _, h := range held {
				_ = e.locks.Release(sessionID, h, ds)
			}
			if types.CodeOf(err) == types.CodeTimeout {
				metrics.LockTimeouts.Inc()
			}
			metrics.ObserveCommit("lock_failed", started, 0)
			return err
		}
		held = append(held, m.name)
	}
	metrics.ObserveLockWait(lockStart)
	release := func() {
		for _, h := range held {
			_ = e.locks.Release(sessionID, h, ds)
		}
	}

	// Phase 2: validation.
	if err := e.validate(mods); err != nil {
		release()
		metrics.ObserveCommit("validation_failed", started, 0)
		return err
	}

	// Phase 3: diff.
	total := 0
	for _, m := range mods {
		m.changes = datatree.Diff(m.base, m.next)
		total += len(m.changes)
	}
	if total == 0 {
		release()
		metrics.ObserveCommit("empty", started, 0)
		return nil
	}

	// Phase 4: CHANGE events, descending priority then module order;
	// the first veto aborts with reverse-order ABORT delivery.
	notified, err := e.dispatchChange(mods)
	if err != nil {
		e.abort(notified)
		release()
		metrics.ObserveCommit("vetoed", started, 0)
		return err
	}

	// Phase 5: persist.
	for _, m := range mods {
		if len(m.changes) == 0 {
			continue
		}
		if err := e.persist(m, ds); err != nil {
			e.abort(notified)
			release()
			metrics.ObserveCommit("store_failed", started, 0)
			return err
		}
	}

	// Phase 6: DONE, best-effort.
	for _, d := range notified {
		if !d.sub.Mask.Has(types.EventDone) {
			continue
		}
		if err := e.invoke(d.sub, types.EventDone, d.module, d.changes); err != nil {
			e.logger.Warn().Err(err).Str("module", d.module).Msg("DONE callback failed")
		}
	}

	release()
	metrics.ObserveCommit("applied", started, total)
	e.logger.Info().Str("session_id", sessionID).Str("datastore", string(ds)).
		Int("modules", len(mods)).Int("changes", total).Msg("commit applied")
	return nil
}

// validate runs schema validation plus cross-module leafref
// resolution over the transaction's target trees.
func (e *Engine) validate(mods []*moduleTxn) error {
	ctx := e.reg.Context()
	var infos []types.ErrorInfo

	inTxn := make(map[string]*datatree.Tree, len(mods))
	for _, m := range mods {
		inTxn[m.name] = m.next
	}

	for _, m := range mods {
		mod := ctx.Module(m.name)
		if mod == nil {
			infos = append(infos, types.ErrorInfo{
				Path:    "/" + m.name + ":",
				Message: "module is no longer installed",
			})
			continue
		}
		infos = append(infos, m.next.Validate(mod)...)
		infos = append(infos, e.validateLeafrefs(ctx, m.next, inTxn)...)
	}

	if len(infos) > 0 {
		err := types.NewError(types.CodeValidationFailed, "validation failed")
		err.Info = infos
		return err
	}
	return nil
}

// validateLeafrefs checks require-instance leafrefs: every referencing
// value must match an existing instance of the target leaf, looked up
// in the transaction's own trees first and the stored data otherwise.
func (e *Engine) validateLeafrefs(ctx *schema.Context, tree *datatree.Tree, inTxn map[string]*datatree.Tree) []types.ErrorInfo {
	var infos []types.ErrorInfo
	targets := map[*schema.Node][]string{}

	tree.Visit(func(n *datatree.Node) bool {
		if n.Value == nil || n.Schema.Type == nil {
			return true
		}
		for _, lt := range n.Schema.Type.Leafrefs() {
			if !lt.RequireInstance {
				continue
			}
			target, err := ctx.ResolveLeafref(n.Schema)
			if err != nil {
				continue
			}
			values, cached := targets[target]
			if !cached {
				values = e.leafValues(target, inTxn)
				targets[target] = values
			}
			found := false
			for _, v := range values {
				if v == n.Value.Canonical() {
					found = true
					break
				}
			}
			if !found {
				infos = append(infos, types.ErrorInfo{
					Path:    n.Path(),
					Message: "leafref target " + target.Path() + " has no instance " + n.Value.Canonical(),
				})
			}
		}
		return true
	})
	return infos
}

// leafValues collects the instances of a target leaf from the
// transaction's tree for its module, or from storage.
func (e *Engine) leafValues(target *schema.Node, inTxn map[string]*datatree.Tree) []string {
	top := target.Top()
	if t, ok := inTxn[top.Module]; ok {
		return t.LeafValues(target)
	}
	t, err := e.loadTree(top.Module, types.DSRunning)
	if err != nil {
		return nil
	}
	return t.LeafValues(target)
}

// notifiedSub records one delivered CHANGE for the abort unwind.
type notifiedSub struct {
	sub     *subscription.ModuleChangeSub
	module  string
	changes []types.Change
}

// dispatchChange delivers CHANGE to every matching subscriber in
// descending priority, module name breaking ties, registration order
// within a module's priority level.
func (e *Engine) dispatchChange(mods []*moduleTxn) ([]notifiedSub, error) {
	type entry struct {
		sub     *subscription.ModuleChangeSub
		module  string
		changes []types.Change
		order   int
	}
	var entries []entry
	for _, m := range mods {
		if len(m.changes) == 0 {
			continue
		}
		for order, sub := range e.subs.ModuleChangeSubs(m.name) {
			filtered := subscription.FilterChanges(sub.XPath, m.changes)
			if len(filtered) == 0 {
				continue
			}
			entries = append(entries, entry{sub: sub, module: m.name, changes: filtered, order: order})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].sub.Priority != entries[j].sub.Priority {
			return entries[i].sub.Priority > entries[j].sub.Priority
		}
		if entries[i].module != entries[j].module {
			return entries[i].module < entries[j].module
		}
		return entries[i].order < entries[j].order
	})

	var notified []notifiedSub
	for _, en := range entries {
		if !en.sub.Mask.Has(types.EventChange) {
			notified = append(notified, notifiedSub{sub: en.sub, module: en.module, changes: en.changes})
			continue
		}
		if err := e.invoke(en.sub, types.EventChange, en.module, en.changes); err != nil {
			e.logger.Warn().Err(err).Str("module", en.module).Msg("CHANGE callback vetoed commit")
			wrapped := types.WrapError(types.CodeCallbackFailed, err, "subscriber rejected the change")
			wrapped.Info = append(wrapped.Info, types.InfoOf(err)...)
			return notified, wrapped
		}
		notified = append(notified, notifiedSub{sub: en.sub, module: en.module, changes: en.changes})
	}
	return notified, nil
}

// abort delivers ABORT to already-notified subscribers in reverse
// order; failures are logged, never propagated.
func (e *Engine) abort(notified []notifiedSub) {
	for i := len(notified) - 1; i >= 0; i-- {
		d := notified[i]
		if !d.sub.Mask.Has(types.EventAbort) {
			continue
		}
		if err := e.invoke(d.sub, types.EventAbort, d.module, d.changes); err != nil {
			e.logger.Warn().Err(err).Str("module", d.module).Msg("ABORT callback failed")
		}
	}
}

// invoke runs one callback bounded by the engine's callback timeout. A
// callback cannot be cancelled mid-flight; an expired one keeps
// running but its result is discarded.
func (e *Engine) invoke(sub *subscription.ModuleChangeSub, event types.Event, module string, changes []types.Change) error {
	if sub.Callback == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- sub.Callback(event, module, changes)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(e.callbackTimeout):
		return types.Errorf(types.CodeTimeout, "%s callback timed out", event)
	}
}

func (e *Engine) persist(m *moduleTxn, ds types.Datastore) error {
	plugin, err := e.reg.Plugin(m.name, ds)
	if err != nil {
		return err
	}
	data, err := m.next.Marshal()
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "cannot serialise tree")
	}
	if err := plugin.Store(m.name, ds, data); err != nil {
		return types.WrapError(types.CodeSys, err, "store failed for "+m.name)
	}
	return nil
}

func (e *Engine) loadTree(module string, ds types.Datastore) (*datatree.Tree, error) {
	plugin, err := e.reg.Plugin(module, ds)
	if err != nil {
		return nil, err
	}
	data, err := plugin.Load(module, ds, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeSys, err, "load failed for "+module)
	}
	tree, err := datatree.Unmarshal(e.reg.Context(), module, data)
	if err != nil {
		return nil, types.WrapError(types.CodeLy, err, "stored tree does not match the schema")
	}
	return tree, nil
}

// LoadTree exposes the engine's storage-backed tree loader; the daemon
// facade serves session baselines through it.
func (e *Engine) LoadTree(module string, ds types.Datastore) (*datatree.Tree, error) {
	return e.loadTree(module, ds)
}
