package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/burrow/pkg/xpath"
)

// Context is a compiled, immutable schema set. Module lifecycle builds
// a new Context off to the side and swaps it in atomically; readers
// holding an old Context finish on it.
type Context struct {
	modules map[string]*Module
}

// Compile builds a Context from raw modules. enabledFeatures maps a
// module name to the features enabled for it; nodes gated on disabled
// features are pruned. Compilation fails on duplicate modules, imports
// not satisfied within the set, features enabled but never defined, and
// leafrefs whose target cannot be resolved.
func Compile(raw []*Module, enabledFeatures map[string][]string) (*Context, error) {
	ctx := &Context{modules: make(map[string]*Module, len(raw))}

	for _, m := range raw {
		if _, dup := ctx.modules[m.Name]; dup {
			return nil, fmt.Errorf("duplicate module %q", m.Name)
		}
		ctx.modules[m.Name] = compileModule(m, featureSet(enabledFeatures[m.Name]))
	}

	for _, m := range raw {
		for _, f := range enabledFeatures[m.Name] {
			if !m.DefinesFeature(f) {
				return nil, fmt.Errorf("module %q does not define feature %q", m.Name, f)
			}
		}
		for _, imp := range m.Imports {
			if _, ok := ctx.modules[imp]; !ok {
				return nil, fmt.Errorf("module %q imports %q which is not in the schema set", m.Name, imp)
			}
		}
	}

	// Leafref targets must resolve in the compiled set.
	for _, m := range ctx.modules {
		var bad error
		walk(m, func(n *Node) bool {
			if bad != nil {
				return false
			}
			for _, t := range leafTypes(n.Type) {
				if t.LeafrefPath == "" {
					continue
				}
				if _, err := ctx.resolveLeafref(n, t); err != nil {
					bad = fmt.Errorf("module %q: leafref at %s: %w", m.Name, n.Path(), err)
					return false
				}
			}
			return true
		})
		if bad != nil {
			return nil, bad
		}
	}

	return ctx, nil
}

func featureSet(features []string) map[string]struct{} {
	s := make(map[string]struct{}, len(features))
	for _, f := range features {
		s[f] = struct{}{}
	}
	return s
}

// compileModule deep-copies the raw module, prunes feature-gated nodes,
// and links parents. Raw modules are never mutated so a later compile
// with different features starts clean.
func compileModule(raw *Module, features map[string]struct{}) *Module {
	out := &Module{
		Name:        raw.Name,
		Revision:    raw.Revision,
		Namespace:   raw.Namespace,
		Prefix:      raw.Prefix,
		Imports:     append([]string(nil), raw.Imports...),
		FeatureDefs: append([]string(nil), raw.FeatureDefs...),
	}
	order := 0
	out.Root = compileNodes(raw.Root, nil, raw.Name, features, &order)
	out.RPCs = compileNodes(raw.RPCs, nil, raw.Name, features, &order)
	out.Notifications = compileNodes(raw.Notifications, nil, raw.Name, features, &order)
	return out
}

func compileNodes(nodes []*Node, parent *Node, module string, features map[string]struct{}, order *int) []*Node {
	var out []*Node
	for _, n := range nodes {
		if !featuresSatisfied(n.IfFeatures, features) {
			continue
		}
		c := &Node{
			Name:        n.Name,
			Module:      n.Module,
			Kind:        n.Kind,
			Parent:      parent,
			Type:        n.Type,
			Default:     n.Default,
			Mandatory:   n.Mandatory,
			Config:      n.Config,
			Presence:    n.Presence,
			UserOrdered: n.UserOrdered,
			Keys:        append([]string(nil), n.Keys...),
			When:        append([]string(nil), n.When...),
			Must:        append([]string(nil), n.Must...),
			IfFeatures:  append([]string(nil), n.IfFeatures...),
		}
		if c.Module == "" {
			c.Module = module
		}
		c.Order = *order
		*order++
		c.Children = compileNodes(n.Children, c, c.Module, features, order)
		out = append(out, c)
	}
	return out
}

func featuresSatisfied(required []string, enabled map[string]struct{}) bool {
	for _, f := range required {
		if _, ok := enabled[f]; !ok {
			return false
		}
	}
	return true
}

// Module returns the named compiled module, or nil.
func (c *Context) Module(name string) *Module { return c.modules[name] }

// HasModule reports whether the named module is compiled in.
func (c *Context) HasModule(name string) bool {
	_, ok := c.modules[name]
	return ok
}

// ModuleNames returns the compiled module names sorted lexically.
func (c *Context) ModuleNames() []string {
	names := make([]string, 0, len(c.modules))
	for n := range c.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Modules returns the compiled modules in name order.
func (c *Context) Modules() []*Module {
	out := make([]*Module, 0, len(c.modules))
	for _, n := range c.ModuleNames() {
		out = append(out, c.modules[n])
	}
	return out
}

// FindNode resolves a canonical JSON-qualified schema path, with any
// list predicates ignored, to its schema node. Operations resolve too.
func (c *Context) FindNode(path string) (*Node, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	if segs[0].Module == "" {
		return nil, fmt.Errorf("path %q does not name a module on its first step", path)
	}
	mod := c.modules[segs[0].Module]
	if mod == nil {
		return nil, fmt.Errorf("unknown module %q", segs[0].Module)
	}
	cur := topLevel(mod, segs[0].Name)
	if cur == nil {
		return nil, fmt.Errorf("module %q has no top-level node %q", mod.Name, segs[0].Name)
	}
	for _, seg := range segs[1:] {
		next := cur.Child(seg.Module, seg.Name)
		if next == nil {
			// Actions and nested notifications are not data children.
			next = operationChild(cur, seg.Name)
		}
		if next == nil {
			return nil, fmt.Errorf("%s has no child %q", cur.Path(), seg.Name)
		}
		cur = next
	}
	return cur, nil
}

func operationChild(n *Node, name string) *Node {
	for _, ch := range n.Children {
		if ch.Kind.IsOperation() && ch.Name == name {
			return ch
		}
	}
	return nil
}

func topLevel(m *Module, name string) *Node {
	for _, n := range m.Root {
		if n.Name == name {
			return n
		}
		if n.Kind == KindChoice || n.Kind == KindCase {
			if found := n.Child("", name); found != nil {
				return found
			}
		}
	}
	for _, n := range m.RPCs {
		if n.Name == name {
			return n
		}
	}
	for _, n := range m.Notifications {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// FindOperation resolves a path and verifies it names an RPC, action,
// or notification.
func (c *Context) FindOperation(path string) (*Node, error) {
	n, err := c.FindNode(path)
	if err != nil {
		return nil, err
	}
	if !n.Kind.IsOperation() {
		return nil, fmt.Errorf("%s is a %s, not an operation", path, n.Kind)
	}
	return n, nil
}

// ResolveAtom resolves a location-path atom against the context.
// Relative atoms resolve from start (the node carrying the expression);
// absolute ones from the root, with unprefixed steps inheriting the
// module of curModule. Wildcard steps do not resolve to a single node.
func (c *Context) ResolveAtom(start *Node, curModule string, atom xpath.Atom) (*Node, error) {
	cur := start
	if atom.Absolute {
		cur = nil
	} else {
		for i := 0; i < atom.UpLevels; i++ {
			if cur == nil {
				return nil, fmt.Errorf("path %q escapes the schema root", atom.String())
			}
			cur = dataParent(cur)
		}
	}
	module := curModule
	if cur != nil {
		module = cur.Module
	}
	for _, step := range atom.Steps {
		if step.Name == "*" {
			return nil, fmt.Errorf("wildcard step in %q", atom.String())
		}
		stepModule := step.Prefix
		if stepModule == "" {
			stepModule = module
		}
		var next *Node
		if cur == nil {
			mod := c.modules[stepModule]
			if mod == nil {
				return nil, fmt.Errorf("unknown module %q in %q", stepModule, atom.String())
			}
			next = topLevel(mod, step.Name)
		} else {
			next = cur.Child(stepModule, step.Name)
		}
		if next == nil {
			return nil, fmt.Errorf("cannot resolve step %q of %q", step.Name, atom.String())
		}
		cur = next
		module = cur.Module
	}
	if cur == nil {
		return nil, fmt.Errorf("path %q resolves to the root", atom.String())
	}
	return cur, nil
}

// dataParent skips choice/case layers when walking up.
func dataParent(n *Node) *Node {
	p := n.Parent
	for p != nil && (p.Kind == KindChoice || p.Kind == KindCase) {
		p = p.Parent
	}
	return p
}

// ResolveLeafref resolves the target node of a leafref-typed leaf.
func (c *Context) ResolveLeafref(leaf *Node) (*Node, error) {
	for _, t := range leafTypes(leaf.Type) {
		if t.LeafrefPath != "" {
			return c.resolveLeafref(leaf, t)
		}
	}
	return nil, fmt.Errorf("%s is not a leafref", leaf.Path())
}

func (c *Context) resolveLeafref(leaf *Node, t *Type) (*Node, error) {
	atoms := xpath.Atoms(t.LeafrefPath)
	if len(atoms) == 0 {
		return nil, fmt.Errorf("leafref path %q has no location path", t.LeafrefPath)
	}
	start := leaf
	if !atoms[0].Absolute {
		// Relative leafref paths start at the leaf's parent.
		start = dataParent(leaf)
		a := atoms[0]
		if a.UpLevels > 0 {
			a.UpLevels--
			return c.ResolveAtom(start, leaf.Module, a)
		}
	}
	return c.ResolveAtom(start, leaf.Module, atoms[0])
}

// leafTypes flattens a type's union branches (recursively), including
// the type itself for non-unions.
func leafTypes(t *Type) []*Type {
	if t == nil {
		return nil
	}
	if len(t.Union) == 0 {
		return []*Type{t}
	}
	var out []*Type
	for _, b := range t.Union {
		out = append(out, leafTypes(b)...)
	}
	return out
}

// walk runs fn over every node of the module depth-first in schema
// order, operations included. fn returning false prunes the subtree.
func walk(m *Module, fn func(*Node) bool) {
	var rec func(ns []*Node)
	rec = func(ns []*Node) {
		for _, n := range ns {
			if !fn(n) {
				continue
			}
			rec(n.Children)
		}
	}
	rec(m.Root)
	rec(m.RPCs)
	rec(m.Notifications)
}

// Walk exposes the module traversal to other packages (the dependency
// analyzer drives its DFS through it).
func Walk(m *Module, fn func(*Node) bool) { walk(m, fn) }

// PathSeg is one step of a parsed canonical path.
type PathSeg struct {
	Module string
	Name   string
	// Predicates carries the raw text inside any [...] predicates,
	// unparsed; data-path handling interprets them.
	Predicates []string
}

// SplitPath splits a canonical path into segments, keeping predicate
// text but not interpreting it. Accepts "/mod:a/b[k='v']/c" forms.
func SplitPath(path string) ([]PathSeg, error) {
	if path == "" || path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", path)
	}
	var segs []PathSeg
	i := 1
	n := len(path)
	for i < n {
		j := i
		var preds []string
		for j < n && path[j] != '/' && path[j] != '[' {
			j++
		}
		name := path[i:j]
		for j < n && path[j] == '[' {
			depth := 0
			k := j
			inQuote := byte(0)
			for ; k < n; k++ {
				c := path[k]
				if inQuote != 0 {
					if c == inQuote {
						inQuote = 0
					}
					continue
				}
				if c == '\'' || c == '"' {
					inQuote = c
				} else if c == '[' {
					depth++
				} else if c == ']' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if k >= n {
				return nil, fmt.Errorf("unterminated predicate in %q", path)
			}
			preds = append(preds, path[j+1:k])
			j = k + 1
		}
		if name == "" {
			return nil, fmt.Errorf("empty step in %q", path)
		}
		seg := PathSeg{Name: name, Predicates: preds}
		if idx := strings.Index(name, ":"); idx >= 0 {
			seg.Module = name[:idx]
			seg.Name = name[idx+1:]
			if seg.Module == "" || seg.Name == "" {
				return nil, fmt.Errorf("malformed step %q in %q", name, path)
			}
		}
		segs = append(segs, seg)
		if j < n {
			if path[j] != '/' {
				return nil, fmt.Errorf("malformed path %q", path)
			}
			j++
		}
		i = j
	}
	return segs, nil
}
