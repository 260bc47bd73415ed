package datastore

import (
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// InstallModule installs parsed modules with empty initial data.
func (d *Datastore) InstallModule(mods []*schema.Module, binding types.PluginBinding, access types.DSAccess, features map[string][]string) error {
	return d.InstallModule2(mods, binding, access, features, nil)
}

// InstallModule2 installs modules seeding the configuration datastores
// with per-module initial data.
func (d *Datastore) InstallModule2(mods []*schema.Module, binding types.PluginBinding, access types.DSAccess, features map[string][]string, initialData map[string][]byte) error {
	err := d.reg.Install(registry.InstallRequest{
		Modules:     mods,
		Plugins:     binding,
		Access:      access,
		Features:    features,
		InitialData: initialData,
	})
	d.lifecycleGauges()
	return err
}

// RemoveModule removes modules, guarded by the inverse-dependency
// index.
func (d *Datastore) RemoveModule(names ...string) error {
	err := d.reg.Remove(names)
	d.lifecycleGauges()
	return err
}

// UpdateModule replaces a module's schema with a new revision.
func (d *Datastore) UpdateModule(mod *schema.Module) error {
	err := d.reg.Update(mod)
	d.lifecycleGauges()
	return err
}

// EnableFeature enables a feature, rebuilding the schema context.
func (d *Datastore) EnableFeature(module, feature string) error {
	err := d.reg.SetFeature(module, feature, true)
	d.lifecycleGauges()
	return err
}

// DisableFeature disables a feature, rebuilding the schema context.
func (d *Datastore) DisableFeature(module, feature string) error {
	err := d.reg.SetFeature(module, feature, false)
	d.lifecycleGauges()
	return err
}

// SetModuleReplaySupport toggles notification replay for one module,
// or for every module with a notification plugin when module is "".
func (d *Datastore) SetModuleReplaySupport(module string, enable bool) error {
	err := d.reg.SetReplay(module, enable)
	d.lifecycleGauges()
	return err
}

// GetModuleInfo returns the registry record of a module.
func (d *Datastore) GetModuleInfo(name string) (*types.Module, error) {
	return d.reg.Module(name)
}

// ListModules returns every module record.
func (d *Datastore) ListModules() []*types.Module {
	return d.reg.Modules()
}

// ContentID returns the current registry content ID, for client-side
// schema-drift detection.
func (d *Datastore) ContentID() uint32 {
	return d.reg.ContentID()
}

// GetModuleDSAccess reads the (owner, group, perm) triple of a
// module's datastore slot.
func (d *Datastore) GetModuleDSAccess(module string, ds types.Datastore) (types.DSAccess, error) {
	plugin, err := d.reg.Plugin(module, ds)
	if err != nil {
		return types.DSAccess{}, err
	}
	return plugin.AccessGet(module, ds)
}

// SetModuleDSAccess updates the access triple of a module's datastore
// slot.
func (d *Datastore) SetModuleDSAccess(module string, ds types.Datastore, access types.DSAccess) error {
	plugin, err := d.reg.Plugin(module, ds)
	if err != nil {
		return err
	}
	return plugin.AccessSet(module, ds, access)
}

// CheckModuleDSAccess evaluates whether the session's user may read or
// write the module's datastore slot.
func (d *Datastore) CheckModuleDSAccess(sessionID, module string, ds types.Datastore, write bool) (bool, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return false, err
	}
	plugin, err := d.reg.Plugin(module, ds)
	if err != nil {
		return false, err
	}
	return plugin.AccessCheck(module, ds, s.User, s.Groups, write)
}

func (d *Datastore) lifecycleGauges() {
	metrics.ModulesInstalled.Set(float64(len(d.reg.Modules())))
	metrics.ContentID.Set(float64(d.reg.ContentID()))
}
