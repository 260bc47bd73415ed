package datastore

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/commit"
	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/oper"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/subscription"
	"github.com/cuemby/burrow/pkg/types"
)

// Config holds the assembly options of a datastore service.
type Config struct {
	// DataDir roots the default bolt plugin's database; LockDir the
	// advisory lock files ("" keeps locks in-process only).
	DataDir string
	LockDir string

	// SelfPlugin names the plugin persisting the module registry.
	// Defaults to "bolt" with the default wiring.
	SelfPlugin string

	LockTimeout     time.Duration
	CallbackTimeout time.Duration

	// Loader fronts the external YANG parser for reloading recorded
	// modules on startup.
	Loader registry.ModuleLoader

	// Plugins overrides the default plugin wiring (a bolt plugin named
	// "bolt" plus a volatile "mem" plugin).
	Plugins *storage.Registry
}

// Datastore is the assembled daemon service: it owns the module
// registry, lock manager, subscription registry, session table, change
// transaction engine, and operational composer, and exposes the
// per-session and module-lifecycle operation surface.
type Datastore struct {
	plugins  *storage.Registry
	reg      *registry.Registry
	locks    *lock.Manager
	subs     *subscription.Registry
	sessions *session.Manager
	engine   *commit.Engine
	composer *oper.Composer
	logger   zerolog.Logger
}

// New assembles a datastore service.
func New(cfg Config) (*Datastore, error) {
	plugins := cfg.Plugins
	if plugins == nil {
		plugins = storage.NewRegistry()
		boltPlugin, err := storage.NewBoltPlugin("bolt", cfg.DataDir)
		if err != nil {
			return nil, types.WrapError(types.CodeSys, err, "cannot open bolt plugin")
		}
		if err := plugins.Register(boltPlugin); err != nil {
			return nil, err
		}
		if err := plugins.RegisterNotification(boltPlugin); err != nil {
			return nil, err
		}
		if err := plugins.Register(storage.NewMemPlugin("mem")); err != nil {
			return nil, err
		}
	}
	selfPlugin := cfg.SelfPlugin
	if selfPlugin == "" {
		selfPlugin = "bolt"
	}
	loader := cfg.Loader
	if loader == nil {
		loader = registry.LoaderFunc(func(name, _ string) (*schema.Module, error) {
			return nil, types.Errorf(types.CodeNotFound, "no module loader configured for %q", name)
		})
	}

	reg, err := registry.Open(plugins, selfPlugin, loader)
	if err != nil {
		return nil, err
	}

	d := &Datastore{
		plugins: plugins,
		reg:     reg,
		locks:   lock.NewManager(cfg.LockDir, cfg.LockTimeout),
		subs:    subscription.NewRegistry(),
		logger:  log.WithComponent("datastore"),
	}
	d.engine = commit.NewEngine(reg, d.locks, d.subs, cfg.CallbackTimeout)
	d.composer = oper.NewComposer(reg, d.subs)
	d.sessions = session.NewManager(d)
	d.locks.SetModifiedCheck(d.sessions.AnyModified)

	metrics.ModulesInstalled.Set(float64(len(reg.Modules())))
	metrics.ContentID.Set(float64(reg.ContentID()))
	return d, nil
}

// Close shuts the service down, closing every storage plugin.
func (d *Datastore) Close() error {
	return d.plugins.Close()
}

// Context implements session.Store.
func (d *Datastore) Context() *schema.Context { return d.reg.Context() }

// LoadTree implements session.Store: the stored baseline of (module,
// datastore).
func (d *Datastore) LoadTree(module string, ds types.Datastore) (*datatree.Tree, error) {
	return d.engine.LoadTree(module, ds)
}

// Registry exposes the module registry to the admin surfaces.
func (d *Datastore) Registry() *registry.Registry { return d.reg }

// SessionStart opens a session.
func (d *Datastore) SessionStart(user string, groups []string, ds types.Datastore) (*session.Session, error) {
	s, err := d.sessions.Start(user, groups, ds)
	if err != nil {
		return nil, err
	}
	metrics.SessionsActive.Set(float64(d.sessions.Count()))
	return s, nil
}

// SessionStop ends a session: locks release, subscriptions are
// garbage-collected, working copies are discarded.
func (d *Datastore) SessionStop(sessionID string) error {
	if err := d.sessions.Stop(sessionID); err != nil {
		return err
	}
	d.locks.ReleaseSession(sessionID)
	d.subs.UnsubscribeSession(sessionID)
	metrics.SessionsActive.Set(float64(d.sessions.Count()))
	d.updateSubGauges()
	return nil
}

// Session resolves a session by ID.
func (d *Datastore) Session(sessionID string) (*session.Session, error) {
	return d.sessions.Get(sessionID)
}

// SessionSwitchDS changes a session's datastore selection.
func (d *Datastore) SessionSwitchDS(sessionID string, ds types.Datastore) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.SwitchDatastore(ds)
}

// GetItems reads every value matching the path. Operational sessions
// read through the composer, everything else through the session view.
func (d *Datastore) GetItems(sessionID, path string) ([]*session.Item, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Datastore() != types.DSOperational {
		return s.GetItems(path)
	}
	nodes, err := d.operNodes(path)
	if err != nil {
		return nil, err
	}
	var items []*session.Item
	for _, n := range nodes {
		if n.Value == nil {
			continue
		}
		items = append(items, &session.Item{Path: n.Path(), Value: n.Value})
	}
	return items, nil
}

// GetItem reads the single value at path.
func (d *Datastore) GetItem(sessionID, path string) (*session.Item, error) {
	items, err := d.GetItems(sessionID, path)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, types.Errorf(types.CodeNotFound, "no data at %s", path)
	}
	if len(items) > 1 {
		return nil, types.Errorf(types.CodeInvalArg, "%s matches %d nodes", path, len(items))
	}
	return items[0], nil
}

// GetSubtree returns a detached subtree copy.
func (d *Datastore) GetSubtree(sessionID, path string) (*datatree.Node, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Datastore() != types.DSOperational {
		return s.GetSubtree(path)
	}
	nodes, err := d.operNodes(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, types.Errorf(types.CodeNotFound, "no data at %s", path)
	}
	if len(nodes) > 1 {
		return nil, types.Errorf(types.CodeInvalArg, "%s matches %d nodes", path, len(nodes))
	}
	return datatree.Detach(nodes[0]), nil
}

// GetSubtreeChunk returns the bounded chunk view at xpath.
func (d *Datastore) GetSubtreeChunk(sessionID, xpath string, opts session.ChunkOpts) (*datatree.Node, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.GetSubtreeChunk(xpath, opts)
}

// operNodes assembles the operational view and resolves the path,
// honouring the "/*" wildcard tail.
func (d *Datastore) operNodes(path string) ([]*datatree.Node, error) {
	module, err := moduleOfPath(path)
	if err != nil {
		return nil, err
	}
	tree, err := d.composer.Read(module, trimWildcard(path))
	if err != nil {
		return nil, err
	}
	return resolveInTree(d.reg.Context(), tree, path)
}

// SetItem buffers a set in the session.
func (d *Datastore) SetItem(sessionID, path string, value *types.Value, flags types.EditFlag) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.SetItem(path, value, flags)
}

// DeleteItem buffers a delete in the session.
func (d *Datastore) DeleteItem(sessionID, path string, flags types.EditFlag) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.DeleteItem(path, flags)
}

// MoveItem buffers a move in the session.
func (d *Datastore) MoveItem(sessionID, path string, position types.MovePosition, relPath string) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.MoveItem(path, position, relPath)
}

// EditBatch buffers a batch of edits.
func (d *Datastore) EditBatch(sessionID string, edits []session.BatchEdit, defaultOp string) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.EditBatch(edits, defaultOp)
}

// ReplaceConfig replaces a module's working copy.
func (d *Datastore) ReplaceConfig(sessionID, module string, tree *datatree.Tree) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.ReplaceConfig(module, tree)
}

// Validate checks the session's pending changes without committing.
func (d *Datastore) Validate(sessionID string) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Validate()
}

// ApplyChanges commits the session's pending changes.
func (d *Datastore) ApplyChanges(sessionID string, timeout time.Duration) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return d.engine.ApplyChanges(s, timeout)
}

// RefreshSession replays the session's buffered operations against
// freshly loaded baselines after the underlying data changed.
func (d *Datastore) RefreshSession(sessionID string, continueOnError bool) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Refresh(continueOnError)
}

// SessionGetPending returns the session's buffered operation log.
func (d *Datastore) SessionGetPending(sessionID string) ([]session.PendingOp, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Pending(), nil
}

// DiscardChanges drops the session's pending changes.
func (d *Datastore) DiscardChanges(sessionID string) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	s.DiscardChanges()
	return nil
}

// CopyConfig replicates module data between datastores (module ""
// copies every installed module).
func (d *Datastore) CopyConfig(sessionID, module string, src, dst types.Datastore) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	return d.engine.CopyConfig(sessionID, module, src, dst)
}

// CandidateReset drops a module's private candidate copy so it mirrors
// running again.
func (d *Datastore) CandidateReset(sessionID, module string) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	plugin, err := d.reg.Plugin(module, types.DSCandidate)
	if err != nil {
		return err
	}
	return plugin.CandidateReset(module)
}

// Lock takes a client lock on one module (or, with module "", on every
// installed module atomically).
func (d *Datastore) Lock(sessionID, module string, ds types.Datastore) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if module != "" {
		if _, err := d.reg.Module(module); err != nil {
			return err
		}
		return d.locks.Lock(s.ID, module, ds, types.LockExclusive, 0)
	}
	return d.locks.LockAll(s.ID, d.moduleNames(), ds, types.LockExclusive, 0)
}

// Unlock releases a client lock.
func (d *Datastore) Unlock(sessionID, module string, ds types.Datastore) error {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if module != "" {
		return d.locks.Unlock(s.ID, module, ds)
	}
	d.locks.UnlockAll(s.ID, d.moduleNames(), ds)
	return nil
}

func (d *Datastore) moduleNames() []string {
	var names []string
	for _, rec := range d.reg.Modules() {
		if rec.Name == registry.SelfModule {
			continue
		}
		names = append(names, rec.Name)
	}
	return names
}

func (d *Datastore) updateSubGauges() {
	mc, op, rpc, notif := d.subs.Counts()
	metrics.SubscriptionsActive.WithLabelValues("module-change").Set(float64(mc))
	metrics.SubscriptionsActive.WithLabelValues("oper-get").Set(float64(op))
	metrics.SubscriptionsActive.WithLabelValues("rpc").Set(float64(rpc))
	metrics.SubscriptionsActive.WithLabelValues("notification").Set(float64(notif))
}

func moduleOfPath(path string) (string, error) {
	segs, err := schema.SplitPath(trimWildcard(path))
	if err != nil {
		return "", types.WrapError(types.CodeInvalArg, err, "malformed path")
	}
	if len(segs) == 0 || segs[0].Module == "" {
		return "", types.Errorf(types.CodeInvalArg, "path %q does not name a module", path)
	}
	return segs[0].Module, nil
}

func trimWildcard(path string) string {
	if len(path) >= 2 && path[len(path)-2:] == "/*" {
		return path[:len(path)-2]
	}
	return path
}

func resolveInTree(ctx *schema.Context, tree *datatree.Tree, path string) ([]*datatree.Node, error) {
	wildcard := trimWildcard(path) != path
	p, err := datatree.ParsePath(ctx, trimWildcard(path))
	if err != nil {
		return nil, err
	}
	nodes := tree.GetAll(p)
	if !wildcard {
		return nodes, nil
	}
	var out []*datatree.Node
	for _, n := range nodes {
		out = append(out, n.Children...)
	}
	return out, nil
}
