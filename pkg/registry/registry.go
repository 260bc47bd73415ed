package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/deps"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// SelfModule is the well-known module whose startup slot stores the
// registry document itself.
const SelfModule = "burrow"

// ModuleLoader resolves a module name to its parsed raw schema. The
// YANG text parser behind it is an external collaborator; tests supply
// an in-memory loader.
type ModuleLoader interface {
	Load(name, revision string) (*schema.Module, error)
}

// LoaderFunc adapts a function to the ModuleLoader interface.
type LoaderFunc func(name, revision string) (*schema.Module, error)

func (f LoaderFunc) Load(name, revision string) (*schema.Module, error) {
	return f(name, revision)
}

// Registry is the persistent module registry. It owns the registry
// document, the raw schema set, and the currently compiled schema
// context; every mutation rebuilds dependencies, bumps the content ID,
// persists the document, and only then swaps the live context.
type Registry struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	plugins *storage.Registry
	loader  ModuleLoader

	// selfPlugin names the storage plugin persisting the registry
	// document through the self module's startup slot.
	selfPlugin string

	doc *types.RegistryDoc
	raw map[string]*schema.Module
	ctx *schema.Context
}

// InstallRequest describes one install batch.
type InstallRequest struct {
	// Modules are the parsed modules explicitly requested. Implemented
	// imports not yet registered must be resolvable through the loader
	// and join the batch inheriting the request's binding and access.
	Modules []*schema.Module

	Plugins types.PluginBinding
	Access  types.DSAccess

	// Features to enable per module name.
	Features map[string][]string

	// InitialData per module name, a serialized tree document seeded
	// into the configuration datastores.
	InitialData map[string][]byte
}

// Open loads or bootstraps the registry. Recorded modules are reloaded
// through the loader so the context can be recompiled; a missing
// document bootstraps a fresh registry containing only the self
// module.
func Open(plugins *storage.Registry, selfPlugin string, loader ModuleLoader) (*Registry, error) {
	r := &Registry{
		logger:     log.WithComponent("registry"),
		plugins:    plugins,
		loader:     loader,
		selfPlugin: selfPlugin,
		raw:        map[string]*schema.Module{SelfModule: selfSchema()},
	}

	p, err := plugins.Get(selfPlugin)
	if err != nil {
		return nil, err
	}
	data, err := p.Load(SelfModule, types.DSStartup, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeSys, err, "cannot load registry document")
	}

	if len(data) == 0 {
		r.doc = &types.RegistryDoc{
			ContentID: 1,
			Modules: []*types.Module{{
				Name: SelfModule,
				Plugins: types.PluginBinding{
					Startup: selfPlugin, Running: selfPlugin, Candidate: selfPlugin,
					Operational: selfPlugin, FactoryDefault: selfPlugin,
				},
				InstalledAt: time.Now(),
			}},
		}
	} else {
		var doc types.RegistryDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "corrupt registry document")
		}
		r.doc = &doc
		for _, rec := range doc.Modules {
			if rec.Name == SelfModule {
				continue
			}
			mod, err := loader.Load(rec.Name, rec.Revision)
			if err != nil {
				return nil, types.WrapError(types.CodeLy, err,
					fmt.Sprintf("cannot reload module %q", rec.Name))
			}
			r.raw[rec.Name] = mod
		}
	}

	ctx, err := r.compile(r.raw, r.doc)
	if err != nil {
		return nil, types.WrapError(types.CodeLy, err, "cannot compile installed modules")
	}
	r.ctx = ctx

	if len(data) == 0 {
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// compile builds a schema context from a raw set and the features the
// document records.
func (r *Registry) compile(raw map[string]*schema.Module, doc *types.RegistryDoc) (*schema.Context, error) {
	mods := make([]*schema.Module, 0, len(raw))
	for _, m := range raw {
		mods = append(mods, m)
	}
	features := make(map[string][]string)
	for _, rec := range doc.Modules {
		if len(rec.Features) > 0 {
			features[rec.Name] = rec.Features
		}
	}
	return schema.Compile(mods, features)
}

// Context returns the current compiled schema context. The pointer is
// immutable; callers may use it for as long as they like.
func (r *Registry) Context() *schema.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

// ContentID returns the current registry content ID.
func (r *Registry) ContentID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.ContentID
}

// Module returns a copy of the named module record.
func (r *Registry) Module(name string) (*types.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.doc.Find(name)
	if rec == nil {
		return nil, types.Errorf(types.CodeNotFound, "module %q is not installed", name)
	}
	cp := *rec
	return &cp, nil
}

// Modules returns copies of every module record.
func (r *Registry) Modules() []*types.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Module, 0, len(r.doc.Modules))
	for _, rec := range r.doc.Modules {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Plugin resolves the storage plugin bound to (module, datastore).
func (r *Registry) Plugin(module string, ds types.Datastore) (storage.Plugin, error) {
	r.mu.RLock()
	rec := r.doc.Find(module)
	r.mu.RUnlock()
	if rec == nil {
		return nil, types.Errorf(types.CodeNotFound, "module %q is not installed", module)
	}
	name := rec.Plugins.For(ds)
	if name == "" {
		return nil, types.Errorf(types.CodeUnsupported, "module %q has no plugin for %s", module, ds)
	}
	return r.plugins.Get(name)
}

// NotificationPlugin resolves the notification plugin of a module.
func (r *Registry) NotificationPlugin(module string) (storage.NotificationPlugin, error) {
	r.mu.RLock()
	rec := r.doc.Find(module)
	r.mu.RUnlock()
	if rec == nil {
		return nil, types.Errorf(types.CodeNotFound, "module %q is not installed", module)
	}
	if rec.Plugins.Notification == "" {
		return nil, types.Errorf(types.CodeUnsupported, "module %q has no notification plugin", module)
	}
	return r.plugins.GetNotification(rec.Plugins.Notification)
}

// Install runs the install transaction: compile a tentative superset
// context, pull in implemented imports, rebuild every module's
// dependencies, validate and persist the document, swap the live
// context, and initialise the new modules' data slots. All-or-nothing
// up to the context swap.
func (r *Registry) Install(req InstallRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(req.Modules) == 0 {
		return types.Errorf(types.CodeInvalArg, "no modules to install")
	}

	tentativeRaw := make(map[string]*schema.Module, len(r.raw)+len(req.Modules))
	for k, v := range r.raw {
		tentativeRaw[k] = v
	}

	batch := make([]*schema.Module, 0, len(req.Modules))
	queued := map[string]struct{}{}
	var queue []*schema.Module
	for _, m := range req.Modules {
		if r.doc.Find(m.Name) != nil {
			return types.Errorf(types.CodeDataExists, "module %q is already installed", m.Name)
		}
		if _, dup := queued[m.Name]; dup {
			return types.Errorf(types.CodeInvalArg, "module %q appears twice in the batch", m.Name)
		}
		queued[m.Name] = struct{}{}
		queue = append(queue, m)
	}

	// Recursively add not-yet-registered implemented imports, each
	// inheriting the request's binding and access.
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		batch = append(batch, m)
		tentativeRaw[m.Name] = m
		for _, imp := range m.Imports {
			if _, have := tentativeRaw[imp]; have {
				continue
			}
			if _, have := queued[imp]; have {
				continue
			}
			dep, err := r.loader.Load(imp, "")
			if err != nil {
				return types.WrapError(types.CodeNotFound, err,
					fmt.Sprintf("module %q imports %q which is neither installed nor loadable", m.Name, imp))
			}
			queued[imp] = struct{}{}
			queue = append(queue, dep)
		}
	}

	tentativeDoc := r.cloneDoc()
	now := time.Now()
	for _, m := range batch {
		tentativeDoc.Modules = append(tentativeDoc.Modules, &types.Module{
			Name:        m.Name,
			Revision:    m.Revision,
			Features:    req.Features[m.Name],
			Plugins:     req.Plugins,
			Access:      req.Access,
			InstalledAt: now,
		})
	}

	ctx, err := r.compile(tentativeRaw, tentativeDoc)
	if err != nil {
		return types.WrapError(types.CodeLy, err, "install batch does not compile")
	}

	deps.Rebuild(ctx, tentativeDoc.Modules)
	tentativeDoc.ContentID++

	if err := r.commitDoc(tentativeDoc, tentativeRaw, ctx); err != nil {
		return err
	}

	// Past the swap: initialisation failures are surfaced but the
	// registry is already committed.
	for _, m := range batch {
		if err := r.initModuleData(m.Name, req.Plugins, req.Access, req.InitialData[m.Name]); err != nil {
			return types.WrapError(types.CodeSys, err,
				fmt.Sprintf("module %q installed but data initialisation failed", m.Name))
		}
	}
	r.logger.Info().Int("modules", len(batch)).Uint32("content_id", r.doc.ContentID).Msg("modules installed")
	return nil
}

// Remove runs the removal transaction. It refuses while any module
// outside the removal set still depends on a removed one.
func (r *Registry) Remove(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removing := map[string]struct{}{}
	for _, name := range names {
		if name == SelfModule {
			return types.Errorf(types.CodeInvalArg, "cannot remove the %q module", SelfModule)
		}
		rec := r.doc.Find(name)
		if rec == nil {
			return types.Errorf(types.CodeNotFound, "module %q is not installed", name)
		}
		removing[name] = struct{}{}
	}

	for _, name := range names {
		rec := r.doc.Find(name)
		for _, dependent := range rec.InverseDeps {
			if _, alsoRemoved := removing[dependent]; !alsoRemoved {
				return types.Errorf(types.CodeOperationFailed,
					"module %q is required by %q", name, dependent)
			}
		}
	}

	tentativeRaw := make(map[string]*schema.Module, len(r.raw))
	for k, v := range r.raw {
		if _, gone := removing[k]; !gone {
			tentativeRaw[k] = v
		}
	}
	tentativeDoc := &types.RegistryDoc{ContentID: r.doc.ContentID}
	for _, rec := range r.doc.Modules {
		if _, gone := removing[rec.Name]; gone {
			continue
		}
		cp := *rec
		tentativeDoc.Modules = append(tentativeDoc.Modules, &cp)
	}

	ctx, err := r.compile(tentativeRaw, tentativeDoc)
	if err != nil {
		return types.WrapError(types.CodeLy, err,
			"removal leaves the schema set inconsistent (a survivor imports a removed module)")
	}

	deps.Rebuild(ctx, tentativeDoc.Modules)
	tentativeDoc.ContentID++

	// Resolve plugin bindings before the records disappear.
	bindings := map[string]types.PluginBinding{}
	for _, name := range names {
		bindings[name] = r.doc.Find(name).Plugins
	}

	if err := r.commitDoc(tentativeDoc, tentativeRaw, ctx); err != nil {
		return err
	}

	for _, name := range names {
		r.destroyModuleData(name, bindings[name])
	}
	r.logger.Info().Strs("modules", names).Uint32("content_id", r.doc.ContentID).Msg("modules removed")
	return nil
}

// Update replaces a module's schema with a new revision in place, then
// rebuilds every module's dependencies (foreign leafrefs and xpaths may
// now resolve differently).
func (r *Registry) Update(newMod *schema.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.doc.Find(newMod.Name)
	if rec == nil {
		return types.Errorf(types.CodeNotFound, "module %q is not installed", newMod.Name)
	}
	if rec.Revision == newMod.Revision {
		return types.Errorf(types.CodeInvalArg,
			"module %q is already at revision %q", newMod.Name, newMod.Revision)
	}

	tentativeRaw := make(map[string]*schema.Module, len(r.raw))
	for k, v := range r.raw {
		tentativeRaw[k] = v
	}
	tentativeRaw[newMod.Name] = newMod

	tentativeDoc := r.cloneDoc()
	tentativeDoc.Find(newMod.Name).Revision = newMod.Revision

	ctx, err := r.compile(tentativeRaw, tentativeDoc)
	if err != nil {
		return types.WrapError(types.CodeLy, err, "updated module does not compile")
	}

	deps.Rebuild(ctx, tentativeDoc.Modules)
	tentativeDoc.ContentID++

	if err := r.commitDoc(tentativeDoc, tentativeRaw, ctx); err != nil {
		return err
	}
	r.logger.Info().Str("module", newMod.Name).Str("revision", newMod.Revision).Msg("module updated")
	return nil
}

// SetFeature enables or disables a feature. Feature visibility changes
// the compiled schema, so the whole context is rebuilt and every
// module's dependencies recomputed.
func (r *Registry) SetFeature(module, feature string, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.doc.Find(module)
	if rec == nil {
		return types.Errorf(types.CodeNotFound, "module %q is not installed", module)
	}
	raw := r.raw[module]
	if raw == nil || !raw.DefinesFeature(feature) {
		return types.Errorf(types.CodeNotFound, "module %q does not define feature %q", module, feature)
	}

	tentativeDoc := r.cloneDoc()
	trec := tentativeDoc.Find(module)
	has := trec.HasFeature(feature)
	switch {
	case enable && has:
		return types.Errorf(types.CodeDataExists, "feature %q is already enabled", feature)
	case !enable && !has:
		return types.Errorf(types.CodeDataMissing, "feature %q is not enabled", feature)
	case enable:
		trec.Features = append(trec.Features, feature)
	default:
		kept := trec.Features[:0]
		for _, f := range trec.Features {
			if f != feature {
				kept = append(kept, f)
			}
		}
		trec.Features = kept
	}

	ctx, err := r.compile(r.raw, tentativeDoc)
	if err != nil {
		return types.WrapError(types.CodeLy, err, "schema does not compile with the feature change")
	}

	deps.Rebuild(ctx, tentativeDoc.Modules)
	tentativeDoc.ContentID++

	if err := r.commitDoc(tentativeDoc, r.raw, ctx); err != nil {
		return err
	}
	r.logger.Info().Str("module", module).Str("feature", feature).Bool("enable", enable).Msg("feature toggled")
	return nil
}

// SetReplay toggles notification replay support for one module, or for
// every module with a notification plugin when module is empty. When
// enabling, the notification plugin's earliest-timestamp probe seeds
// the record; an empty log falls back to the current wall clock.
func (r *Registry) SetReplay(module string, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tentativeDoc := r.cloneDoc()
	var targets []*types.Module
	if module == "" {
		for _, rec := range tentativeDoc.Modules {
			if rec.Plugins.Notification != "" {
				targets = append(targets, rec)
			}
		}
	} else {
		rec := tentativeDoc.Find(module)
		if rec == nil {
			return types.Errorf(types.CodeNotFound, "module %q is not installed", module)
		}
		targets = append(targets, rec)
	}

	for _, rec := range targets {
		if !enable {
			rec.Replay = nil
			continue
		}
		if rec.Plugins.Notification == "" {
			return types.Errorf(types.CodeUnsupported,
				"module %q has no notification plugin", rec.Name)
		}
		np, err := r.plugins.GetNotification(rec.Plugins.Notification)
		if err != nil {
			return err
		}
		earliest, err := np.Earliest(rec.Name)
		if err != nil {
			return types.WrapError(types.CodeSys, err, "earliest-timestamp probe failed")
		}
		if earliest.IsZero() {
			earliest = time.Now()
		}
		rec.Replay = &types.ReplaySupport{EarliestNotif: earliest}
	}

	tentativeDoc.ContentID++
	if err := r.commitDoc(tentativeDoc, r.raw, r.ctx); err != nil {
		return err
	}
	return nil
}

// commitDoc validates and persists a tentative document, then swaps
// the live state. The document is never partially written: on persist
// failure the registry keeps its previous document and context.
func (r *Registry) commitDoc(doc *types.RegistryDoc, raw map[string]*schema.Module, ctx *schema.Context) error {
	if err := validateDoc(doc, ctx, r.plugins); err != nil {
		return err
	}
	prevDoc, prevRaw, prevCtx := r.doc, r.raw, r.ctx
	r.doc, r.raw, r.ctx = doc, raw, ctx
	if err := r.persistLocked(); err != nil {
		r.doc, r.raw, r.ctx = prevDoc, prevRaw, prevCtx
		return err
	}
	return nil
}

func (r *Registry) persistLocked() error {
	p, err := r.plugins.Get(r.selfPlugin)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r.doc)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "cannot marshal registry document")
	}
	if err := p.Store(SelfModule, types.DSStartup, data); err != nil {
		return types.WrapError(types.CodeSys, err, "cannot persist registry document")
	}
	return nil
}

func (r *Registry) cloneDoc() *types.RegistryDoc {
	out := &types.RegistryDoc{ContentID: r.doc.ContentID}
	for _, rec := range r.doc.Modules {
		cp := *rec
		cp.Features = append([]string(nil), rec.Features...)
		out.Modules = append(out.Modules, &cp)
	}
	return out
}

// initModuleData calls every bound datastore plugin's init hook for a
// new module. Initial data seeds the configuration datastores.
func (r *Registry) initModuleData(module string, binding types.PluginBinding, access types.DSAccess, initial []byte) error {
	for _, ds := range types.Datastores {
		name := binding.For(ds)
		if name == "" {
			continue
		}
		p, err := r.plugins.Get(name)
		if err != nil {
			return err
		}
		var seed []byte
		switch ds {
		case types.DSStartup, types.DSRunning, types.DSFactoryDefault:
			seed = initial
		}
		if err := p.Init(module, ds, seed); err != nil {
			return err
		}
		if access.Owner != "" || access.Group != "" || access.Perm != 0 {
			if err := p.AccessSet(module, ds, access); err != nil {
				return err
			}
		}
	}
	return nil
}

// destroyModuleData tells every bound plugin to discard a removed
// module's data. Failures are logged; the registry transition has
// already committed.
func (r *Registry) destroyModuleData(module string, binding types.PluginBinding) {
	for _, ds := range types.Datastores {
		name := binding.For(ds)
		if name == "" {
			continue
		}
		p, err := r.plugins.Get(name)
		if err != nil {
			r.logger.Warn().Err(err).Str("module", module).Msg("cannot resolve plugin for data destroy")
			continue
		}
		if err := p.Destroy(module, ds); err != nil {
			r.logger.Warn().Err(err).Str("module", module).Str("datastore", string(ds)).
				Msg("failed to destroy module data")
		}
	}
	if binding.Notification != "" {
		if np, err := r.plugins.GetNotification(binding.Notification); err == nil {
			if err := np.DestroyLog(module); err != nil {
				r.logger.Warn().Err(err).Str("module", module).Msg("failed to destroy notification log")
			}
		}
	}
}
