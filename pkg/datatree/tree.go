package datatree

import (
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// Node is one instantiated data node. List instances of the same
// schema node sit as siblings under their parent; leaf-list entries
// likewise.
type Node struct {
	Schema *schema.Node
	Parent *Node

	Children []*Node

	// Leaf and leaf-list instances only.
	Value *types.Value

	// Keys holds the canonical key values of a keyed list instance.
	Keys map[string]string

	// Default marks a node materialised from a schema default rather
	// than written explicitly.
	Default bool

	// Origin is the provenance annotation carried by operational data.
	Origin types.Origin
}

// Tree is the data of one module in one datastore: an unnamed root
// whose children are the module's instantiated top-level nodes.
type Tree struct {
	Module string
	root   *Node
}

// New creates an empty tree for the named module.
func New(module string) *Tree {
	return &Tree{Module: module, root: &Node{}}
}

// Root returns the synthetic root node.
func (t *Tree) Root() *Node { return t.root }

// Empty reports whether the tree holds no data.
func (t *Tree) Empty() bool { return len(t.root.Children) == 0 }

// instanceKey identifies a node among its siblings of the same schema:
// list instances by their key tuple, leaf-list entries by value,
// everything else by name alone.
func (n *Node) instanceKey() string {
	if n.Schema == nil {
		return ""
	}
	switch n.Schema.Kind {
	case schema.KindList:
		if len(n.Schema.Keys) == 0 {
			return "" // keyless: positional identity only
		}
		parts := make([]string, 0, len(n.Schema.Keys))
		for _, k := range n.Schema.Keys {
			parts = append(parts, n.Keys[k])
		}
		return strings.Join(parts, "\x00")
	case schema.KindLeafList:
		return n.Value.Canonical()
	}
	return ""
}

// Path renders the node's full data path with key predicates, in the
// canonical JSON-qualified form.
func (n *Node) Path() string {
	if n.Schema == nil {
		return "/"
	}
	var chain []*Node
	for cur := n; cur != nil && cur.Schema != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	var b strings.Builder
	prevModule := ""
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		b.WriteString("/")
		if c.Schema.Module != prevModule {
			b.WriteString(c.Schema.Module)
			b.WriteString(":")
		}
		b.WriteString(c.Schema.Name)
		prevModule = c.Schema.Module
		switch c.Schema.Kind {
		case schema.KindList:
			if len(c.Schema.Keys) > 0 {
				for _, k := range c.Schema.Keys {
					fmt.Fprintf(&b, "[%s='%s']", k, c.Keys[k])
				}
			} else {
				fmt.Fprintf(&b, "[%d]", c.position())
			}
		case schema.KindLeafList:
			fmt.Fprintf(&b, "[.='%s']", c.Value.Canonical())
		}
	}
	return b.String()
}

// position returns the node's index among same-schema siblings.
func (n *Node) position() int {
	if n.Parent == nil {
		return 0
	}
	idx := 0
	for _, sib := range n.Parent.Children {
		if sib == n {
			return idx
		}
		if sib.Schema == n.Schema {
			idx++
		}
	}
	return 0
}

// instances returns the children of parent instantiating the given
// schema node, in tree order.
func instances(parent *Node, snode *schema.Node) []*Node {
	var out []*Node
	for _, c := range parent.Children {
		if c.Schema == snode {
			out = append(out, c)
		}
	}
	return out
}

// findChild finds the child of parent for the schema node, keys, and
// position of one path segment. Returns nil when absent.
func findChild(parent *Node, seg Seg) *Node {
	matches := instances(parent, seg.SNode)
	if len(matches) == 0 {
		return nil
	}
	switch seg.SNode.Kind {
	case schema.KindList:
		if len(seg.SNode.Keys) == 0 || len(seg.Keys) == 0 {
			if seg.Pos >= 0 && seg.Pos < len(matches) {
				return matches[seg.Pos]
			}
			if seg.Pos < 0 && len(matches) == 1 {
				return matches[0]
			}
			return nil
		}
		for _, m := range matches {
			if keysMatch(m.Keys, seg.Keys) {
				return m
			}
		}
		return nil
	case schema.KindLeafList:
		if seg.Value != "" {
			for _, m := range matches {
				if m.Value.Canonical() == seg.Value {
					return m
				}
			}
			return nil
		}
		if seg.Pos >= 0 && seg.Pos < len(matches) {
			return matches[seg.Pos]
		}
		return matches[0]
	}
	return matches[0]
}

func keysMatch(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// DeepCopy clones the tree; schema pointers are shared, data nodes are
// not.
func (t *Tree) DeepCopy() *Tree {
	out := New(t.Module)
	out.root = copyNode(t.root, nil)
	return out
}

func copyNode(n *Node, parent *Node) *Node {
	c := &Node{
		Schema:  n.Schema,
		Parent:  parent,
		Default: n.Default,
		Origin:  n.Origin,
	}
	if n.Value != nil {
		v := *n.Value
		c.Value = &v
	}
	if n.Keys != nil {
		c.Keys = make(map[string]string, len(n.Keys))
		for k, v := range n.Keys {
			c.Keys[k] = v
		}
	}
	c.Children = make([]*Node, 0, len(n.Children))
	for _, ch := range n.Children {
		c.Children = append(c.Children, copyNode(ch, c))
	}
	return c
}

// Equal reports deep equality of data content (values, keys, order of
// user-ordered lists), ignoring default flags and origins.
func (t *Tree) Equal(o *Tree) bool {
	return nodesEqual(t.root, o.root)
}

func nodesEqual(a, b *Node) bool {
	if (a.Value == nil) != (b.Value == nil) {
		return false
	}
	if a.Value != nil && !a.Value.Equal(b.Value) {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	// Children must match pairwise in order for user-ordered data; for
	// system-ordered we still compare in order since edits keep trees in
	// insertion order consistently.
	for i := range a.Children {
		ca, cb := a.Children[i], b.Children[i]
		if ca.Schema != cb.Schema {
			return false
		}
		if ca.instanceKey() != cb.instanceKey() {
			return false
		}
		if !nodesEqual(ca, cb) {
			return false
		}
	}
	return true
}

// Visit walks the tree depth-first in order; fn returning false prunes
// the subtree.
func (t *Tree) Visit(fn func(*Node) bool) {
	var rec func(*Node)
	rec = func(n *Node) {
		for _, c := range n.Children {
			if fn(c) {
				rec(c)
			}
		}
	}
	rec(t.root)
}

// LeafValues collects the canonical values of every instance of the
// given schema leaf in the tree; leafref validation matches referenced
// values against this set.
func (t *Tree) LeafValues(snode *schema.Node) []string {
	var out []string
	t.Visit(func(n *Node) bool {
		if n.Schema == snode && n.Value != nil {
			out = append(out, n.Value.Canonical())
		}
		return true
	})
	return out
}
