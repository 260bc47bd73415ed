package deps

import (
	"sort"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/xpath"
)

// Result is the computed dependency set of one module: data
// dependencies, per-operation dependencies, and the set of foreign
// modules referenced anywhere.
type Result struct {
	Deps           []types.Dependency
	OpDeps         []types.OperationDeps
	ForeignModules []string
}

// Analyze walks the compiled module depth-first and materialises the
// three dependency kinds. Operation subtrees (RPC, action,
// notification) are skipped by the data walk and analysed separately
// with the operation as the top ancestor.
func Analyze(ctx *schema.Context, mod *schema.Module) Result {
	a := &analyzer{ctx: ctx, module: mod.Name}

	var ops []*schema.Node
	schema.Walk(mod, func(n *schema.Node) bool {
		if n.Kind.IsOperation() {
			ops = append(ops, n)
			return false
		}
		a.visit(n, mod.Name)
		return true
	})

	res := Result{Deps: a.take()}

	for _, op := range ops {
		oa := &analyzer{ctx: ctx, module: mod.Name}
		oa.visitSubtree(op)
		res.OpDeps = append(res.OpDeps, types.OperationDeps{
			Path: op.Path(),
			Deps: oa.take(),
		})
	}

	res.ForeignModules = foreignModules(res, mod.Name)
	return res
}

type analyzer struct {
	ctx    *schema.Context
	module string

	deps []types.Dependency
	seen map[string]struct{}
}

// visitSubtree analyses an operation subtree, the operation node as
// top.
func (a *analyzer) visitSubtree(op *schema.Node) {
	var rec func(n *schema.Node)
	rec = func(n *schema.Node) {
		a.visit(n, a.module)
		for _, c := range n.Children {
			rec(c)
		}
	}
	rec(op)
}

// visit collects the dependencies one node contributes: its leaf type
// (leafref, instance-identifier, union recursion) and its when/must
// expressions.
func (a *analyzer) visit(n *schema.Node, topModule string) {
	for _, t := range flatTypes(n.Type) {
		switch {
		case t.LeafrefPath != "":
			a.addLeafref(n, t, topModule)
		case t.Name == "instance-identifier":
			if t.RequireInstance {
				a.add(types.Dependency{
					Kind:              types.DepInstID,
					SourcePath:        n.Path(),
					DefaultTargetPath: t.DefaultTargetPath,
				})
			}
		}
	}
	for _, expr := range n.When {
		a.addXPath(n, expr, topModule)
	}
	for _, expr := range n.Must {
		a.addXPath(n, expr, topModule)
	}
}

// addLeafref records exactly one target module per leafref, the module
// of the resolved target, and only when it is foreign.
func (a *analyzer) addLeafref(n *schema.Node, t *schema.Type, topModule string) {
	target, err := a.ctx.ResolveLeafref(n)
	if err != nil {
		// Target unresolved (wildcards, deviations); fall back to the
		// first prefixed step of the path expression.
		prefixes := xpath.Prefixes(t.LeafrefPath)
		if len(prefixes) == 0 || prefixes[0] == topModule {
			return
		}
		a.add(types.Dependency{
			Kind:         types.DepLeafref,
			TargetModule: prefixes[0],
			TargetPath:   t.LeafrefPath,
		})
		return
	}
	if target.Module == topModule {
		return
	}
	a.add(types.Dependency{
		Kind:         types.DepLeafref,
		TargetModule: target.Module,
		TargetPath:   target.Path(),
	})
}

// addXPath records a when/must expression whose atoms reach into
// foreign modules.
func (a *analyzer) addXPath(n *schema.Node, expr string, topModule string) {
	var targets []string
	seen := map[string]struct{}{}
	for _, atom := range xpath.Atoms(expr) {
		module := a.resolveAtomModule(n, atom)
		if module == "" || module == topModule {
			continue
		}
		if _, dup := seen[module]; dup {
			continue
		}
		seen[module] = struct{}{}
		targets = append(targets, module)
	}
	if len(targets) == 0 {
		return
	}
	a.add(types.Dependency{
		Kind:          types.DepXPath,
		Expression:    expr,
		TargetModules: targets,
	})
}

// resolveAtomModule resolves an atom to the module of its target node,
// falling back to the atom's textual prefixes when schema resolution
// fails.
func (a *analyzer) resolveAtomModule(n *schema.Node, atom xpath.Atom) string {
	if target, err := a.ctx.ResolveAtom(startOf(n, atom), a.module, atom); err == nil {
		return target.Module
	}
	for _, pfx := range atom.Prefixes() {
		if pfx != a.module {
			return pfx
		}
	}
	return ""
}

// startOf picks the resolution start: when/must contexts evaluate
// relative paths from the node itself.
func startOf(n *schema.Node, atom xpath.Atom) *schema.Node {
	if atom.Absolute {
		return nil
	}
	return n
}

// add appends a dependency, suppressing duplicates by (kind, target,
// path) while preserving first-seen traversal order.
func (a *analyzer) add(d types.Dependency) {
	if a.seen == nil {
		a.seen = make(map[string]struct{})
	}
	if _, dup := a.seen[d.Key()]; dup {
		return
	}
	a.seen[d.Key()] = struct{}{}
	a.deps = append(a.deps, d)
}

func (a *analyzer) take() []types.Dependency { return a.deps }

// foreignModules unions every module named by the result's deps,
// sorted, the analysed module excluded.
func foreignModules(res Result, self string) []string {
	set := map[string]struct{}{}
	collect := func(deps []types.Dependency) {
		for _, d := range deps {
			for _, m := range d.Modules() {
				if m != self {
					set[m] = struct{}{}
				}
			}
		}
	}
	collect(res.Deps)
	for _, op := range res.OpDeps {
		collect(op.Deps)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// flatTypes flattens union branches recursively, including the type
// itself when it is not a union.
func flatTypes(t *schema.Type) []*schema.Type {
	if t == nil {
		return nil
	}
	if len(t.Union) == 0 {
		return []*schema.Type{t}
	}
	var out []*schema.Type
	for _, b := range t.Union {
		out = append(out, flatTypes(b)...)
	}
	return out
}

// Rebuild recomputes the dependency containers of every module record
// against the given schema context, including the inverse index:
// A in deps(B) targets implies B in inverse(A). Both directions are
// rebuilt together so they cannot drift.
func Rebuild(ctx *schema.Context, records []*types.Module) {
	inverse := make(map[string]map[string]struct{}, len(records))
	for _, rec := range records {
		inverse[rec.Name] = map[string]struct{}{}
	}

	for _, rec := range records {
		mod := ctx.Module(rec.Name)
		if mod == nil {
			rec.Deps, rec.OpDeps = nil, nil
			continue
		}
		res := Analyze(ctx, mod)
		rec.Deps = res.Deps
		rec.OpDeps = res.OpDeps
		for _, target := range res.ForeignModules {
			if _, known := inverse[target]; known {
				inverse[target][rec.Name] = struct{}{}
			}
		}
	}

	for _, rec := range records {
		rec.InverseDeps = types.SortedModuleNames(inverse[rec.Name])
		if len(rec.InverseDeps) == 0 {
			rec.InverseDeps = nil
		}
	}
}
