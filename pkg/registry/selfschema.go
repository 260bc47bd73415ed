package registry

import (
	"fmt"
	"strconv"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// selfSchema is the self-describing schema of the registry document.
// It is compiled into every context, which keeps the MR completeness
// invariant honest: the self module is a module like any other, with a
// record of its own.
func selfSchema() *schema.Module {
	depList := func(name string) *schema.Node {
		return schema.List(name, nil,
			schema.Leaf("kind", schema.EnumType("leafref", "instance-identifier", "xpath")).WithMandatory(),
			schema.Leaf("target-module", schema.StringType()),
			schema.Leaf("target-path", schema.StringType()),
			schema.Leaf("source-path", schema.StringType()),
			schema.Leaf("default-target-path", schema.StringType()),
			schema.Leaf("expression", schema.StringType()),
			schema.LeafList("target-modules", schema.StringType()),
		)
	}
	return schema.NewModule(SelfModule, "2026-02-01").AddNode(
		schema.Container("registry",
			schema.Leaf("content-id", schema.Uint32Type()).WithMandatory(),
			schema.List("module", []string{"name"},
				schema.Leaf("name", schema.StringType()),
				schema.Leaf("revision", schema.StringType()),
				schema.LeafList("enabled-feature", schema.StringType()),
				schema.Container("plugins",
					schema.Leaf("startup", schema.StringType()),
					schema.Leaf("running", schema.StringType()),
					schema.Leaf("candidate", schema.StringType()),
					schema.Leaf("operational", schema.StringType()),
					schema.Leaf("factory-default", schema.StringType()),
					schema.Leaf("notification", schema.StringType()),
				),
				schema.PresenceContainer("replay-support",
					schema.Leaf("earliest-notif", schema.StringType()).WithMandatory(),
				),
				depList("dep"),
				schema.LeafList("inverse-dep", schema.StringType()),
				schema.List("op-dep", []string{"path"},
					schema.Leaf("path", schema.StringType()),
					depList("dep"),
				),
			),
		),
	)
}

// validateDoc checks a tentative registry document before it may be
// persisted: structural invariants first, then the document rendered
// into a data tree and validated against the self schema.
func validateDoc(doc *types.RegistryDoc, ctx *schema.Context, plugins *storage.Registry) error {
	seen := map[string]struct{}{}
	for _, rec := range doc.Modules {
		if rec.Name == "" {
			return types.Errorf(types.CodeInvalArg, "registry document has a module without a name")
		}
		if _, dup := seen[rec.Name]; dup {
			return types.Errorf(types.CodeInternal, "registry document has two records for %q", rec.Name)
		}
		seen[rec.Name] = struct{}{}

		if !ctx.HasModule(rec.Name) {
			return types.Errorf(types.CodeInternal,
				"module %q is recorded but not compiled", rec.Name)
		}
		for _, ds := range types.Datastores {
			name := rec.Plugins.For(ds)
			if name == "" {
				continue
			}
			if _, err := plugins.Get(name); err != nil {
				return types.Errorf(types.CodeInvalArg,
					"module %q binds %s to unregistered plugin %q", rec.Name, ds, name)
			}
		}
		if rec.Replay != nil && rec.Replay.EarliestNotif.IsZero() {
			return types.Errorf(types.CodeInternal,
				"module %q has replay support without an earliest timestamp", rec.Name)
		}
	}
	for _, name := range ctx.ModuleNames() {
		if _, ok := seen[name]; !ok {
			return types.Errorf(types.CodeInternal,
				"module %q is compiled but has no registry record", name)
		}
	}

	// Inverse symmetry both ways.
	for _, rec := range doc.Modules {
		for _, dep := range rec.InverseDeps {
			dependent := doc.Find(dep)
			if dependent == nil || !dependent.DependsOn(rec.Name) {
				return types.Errorf(types.CodeInternal,
					"inverse dependency %q -> %q has no forward edge", rec.Name, dep)
			}
		}
	}
	for _, rec := range doc.Modules {
		for _, d := range allDeps(rec) {
			for _, target := range d.Modules() {
				t := doc.Find(target)
				if t == nil {
					continue // dep on a module outside the registry, tolerated for imports-only refs
				}
				if !contains(t.InverseDeps, rec.Name) {
					return types.Errorf(types.CodeInternal,
						"dependency %q -> %q has no inverse edge", rec.Name, target)
				}
			}
		}
	}

	return validateAgainstSelfSchema(doc, ctx)
}

// validateAgainstSelfSchema renders the document into a data tree of
// the self module and runs schema validation on it. Only the content ID
// and each module's revision, features, plugin bindings, replay support
// and inverse dependencies are rendered; dependency records, operation
// dependencies, access metadata and install time are not.
func validateAgainstSelfSchema(doc *types.RegistryDoc, ctx *schema.Context) error {
	self := ctx.Module(SelfModule)
	if self == nil {
		return types.Errorf(types.CodeInternal, "self module missing from the schema context")
	}
	tree := datatree.New(SelfModule)

	set := func(path string, v *types.Value) error {
		p, err := datatree.ParsePath(ctx, path)
		if err != nil {
			return err
		}
		return tree.Set(p, v, 0)
	}

	if err := set("/burrow:registry/content-id", types.UintVal(uint64(doc.ContentID))); err != nil {
		return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
	}
	for _, rec := range doc.Modules {
		base := fmt.Sprintf("/burrow:registry/module[name='%s']", rec.Name)
		if rec.Revision != "" {
			if err := set(base+"/revision", types.StringVal(rec.Revision)); err != nil {
				return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
			}
		}
		for _, f := range rec.Features {
			if err := set(base+"/enabled-feature", types.StringVal(f)); err != nil {
				return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
			}
		}
		for ds, name := range map[string]string{
			"startup": rec.Plugins.Startup, "running": rec.Plugins.Running,
			"candidate": rec.Plugins.Candidate, "operational": rec.Plugins.Operational,
			"factory-default": rec.Plugins.FactoryDefault, "notification": rec.Plugins.Notification,
		} {
			if name == "" {
				continue
			}
			if err := set(base+"/plugins/"+ds, types.StringVal(name)); err != nil {
				return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
			}
		}
		if rec.Replay != nil {
			ts := strconv.FormatInt(rec.Replay.EarliestNotif.UnixNano(), 10)
			if err := set(base+"/replay-support/earliest-notif", types.StringVal(ts)); err != nil {
				return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
			}
		}
		for _, inv := range rec.InverseDeps {
			if err := set(base+"/inverse-dep", types.StringVal(inv)); err != nil {
				return types.WrapError(types.CodeInternal, err, "registry document fails its schema")
			}
		}
	}

	if errs := tree.Validate(self); len(errs) > 0 {
		e := types.NewError(types.CodeInternal, "registry document fails its schema")
		for _, info := range errs {
			e.Info = append(e.Info, info)
		}
		return e
	}
	return nil
}

func allDeps(rec *types.Module) []types.Dependency {
	out := append([]types.Dependency(nil), rec.Deps...)
	for _, op := range rec.OpDeps {
		out = append(out, op.Deps...)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
