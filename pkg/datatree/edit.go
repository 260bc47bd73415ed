package datatree

import (
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// Get returns the node a fully-qualified path addresses, or nil when
// absent.
func (t *Tree) Get(p *Path) *Node {
	cur := t.root
	for _, seg := range p.Segs {
		cur = findChild(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// GetAll returns every node matching the path. When the final step is
// a list or leaf-list without a discriminating predicate, all instances
// are returned.
func (t *Tree) GetAll(p *Path) []*Node {
	cur := t.root
	for i, seg := range p.Segs {
		last := i == len(p.Segs)-1
		if last {
			switch seg.SNode.Kind {
			case schema.KindList:
				if len(seg.Keys) == 0 && seg.Pos < 0 {
					return instances(cur, seg.SNode)
				}
			case schema.KindLeafList:
				if seg.Value == "" && seg.Pos < 0 {
					return instances(cur, seg.SNode)
				}
			}
		}
		cur = findChild(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return []*Node{cur}
}

// Set writes a value (or creates a presence node) at the path,
// creating intermediate nodes unless EditNonRecursive is set.
func (t *Tree) Set(p *Path, value *types.Value, flags types.EditFlag) error {
	if len(p.Segs) == 0 {
		return types.Errorf(types.CodeInvalArg, "empty path")
	}
	cur := t.root
	for _, seg := range p.Segs[:len(p.Segs)-1] {
		next := findChild(cur, seg)
		if next == nil {
			if flags.Has(types.EditNonRecursive) {
				return types.Errorf(types.CodeDataMissing, "parent %s does not exist", seg.SNode.Path())
			}
			var err error
			next, err = createChild(cur, seg)
			if err != nil {
				return err
			}
		}
		cur = next
	}

	last := p.Segs[len(p.Segs)-1]
	snode := last.SNode
	switch snode.Kind {
	case schema.KindLeaf:
		if isKey(parentList(snode), snode.Name) {
			if existing := findChild(cur, last); existing != nil {
				// Re-setting a key to its own value is a no-op; changing
				// it would change the instance identity.
				if value != nil && existing.Value.Canonical() == value.Canonical() {
					return nil
				}
				return types.Errorf(types.CodeInvalArg, "cannot overwrite list key %s", snode.Path())
			}
		}
		if value == nil {
			return types.Errorf(types.CodeInvalArg, "no value for leaf %s", snode.Path())
		}
		if err := snode.Type.CheckValue(value); err != nil {
			return types.WrapError(types.CodeValidationFailed, err, "invalid value for "+snode.Path()).
				WithInfo(snode.Path(), err.Error())
		}
		existing := findChild(cur, last)
		if existing != nil {
			if flags.Has(types.EditStrict) {
				return types.Errorf(types.CodeDataExists, "%s already exists", existing.Path())
			}
			if existing.Default && flags.Has(types.EditDefaultMayReplaceDefault) &&
				value.Canonical() == snode.Default {
				existing.Value = value
				return nil
			}
			existing.Value = value
			existing.Default = false
			return nil
		}
		leaf := &Node{Schema: snode, Parent: cur, Value: value}
		insertChild(cur, leaf)
		return nil

	case schema.KindLeafList:
		if value == nil {
			return types.Errorf(types.CodeInvalArg, "no value for leaf-list %s", snode.Path())
		}
		if err := snode.Type.CheckValue(value); err != nil {
			return types.WrapError(types.CodeValidationFailed, err, "invalid value for "+snode.Path()).
				WithInfo(snode.Path(), err.Error())
		}
		for _, inst := range instances(cur, snode) {
			if inst.Value.Canonical() == value.Canonical() {
				if flags.Has(types.EditStrict) {
					return types.Errorf(types.CodeDataExists, "%s already exists", inst.Path())
				}
				return nil
			}
		}
		entry := &Node{Schema: snode, Parent: cur, Value: value}
		insertChild(cur, entry)
		return nil

	default:
		if snode.Kind == schema.KindList && len(snode.Keys) == 0 && last.Pos < 0 {
			// Keyless list: set without a positional predicate appends.
			_, err := createChild(cur, last)
			return err
		}
		existing := findChild(cur, last)
		if existing != nil {
			if flags.Has(types.EditStrict) {
				return types.Errorf(types.CodeDataExists, "%s already exists", existing.Path())
			}
			return nil
		}
		_, err := createChild(cur, last)
		return err
	}
}

// Delete removes the node at the path. Absent targets are an error only
// under EditStrict.
func (t *Tree) Delete(p *Path, flags types.EditFlag) error {
	target := t.Get(p)
	if target == nil {
		if flags.Has(types.EditStrict) {
			return types.Errorf(types.CodeDataMissing, "%s does not exist", p.String())
		}
		return nil
	}
	if target.Schema.Kind == schema.KindLeaf && isKey(parentList(target.Schema), target.Schema.Name) {
		return types.Errorf(types.CodeInvalArg, "cannot delete list key %s", target.Path())
	}
	removeChild(target.Parent, target)
	return nil
}

// DeleteNode removes a node located by pointer (used by the composer's
// discard-items).
func (t *Tree) DeleteNode(n *Node) {
	if n.Parent != nil {
		removeChild(n.Parent, n)
	}
}

// Move repositions a user-ordered list entry or leaf-list entry.
// relative locates the sibling for MoveBefore/MoveAfter.
func (t *Tree) Move(p *Path, position types.MovePosition, relative *Path) error {
	target := t.Get(p)
	if target == nil {
		return types.Errorf(types.CodeDataMissing, "%s does not exist", p.String())
	}
	snode := target.Schema
	if snode.Kind != schema.KindList && snode.Kind != schema.KindLeafList {
		return types.Errorf(types.CodeInvalArg, "%s is not a list", target.Path())
	}
	if !snode.UserOrdered {
		return types.Errorf(types.CodeUnsupported, "%s is not ordered-by user", target.Path())
	}
	parent := target.Parent
	var rel *Node
	switch position {
	case types.MoveBefore, types.MoveAfter:
		if relative == nil {
			return types.Errorf(types.CodeInvalArg, "move %s requires a relative entry", position)
		}
		rel = t.Get(relative)
		if rel == nil || rel.Schema != snode || rel.Parent != parent {
			return types.Errorf(types.CodeDataMissing, "relative entry does not exist")
		}
	case types.MoveFirst, types.MoveLast:
	default:
		return types.Errorf(types.CodeInvalArg, "unknown move position %q", position)
	}

	removeChild(parent, target)
	switch position {
	case types.MoveFirst:
		insertAt(parent, target, firstIndex(parent, snode))
	case types.MoveLast:
		insertAt(parent, target, lastIndex(parent, snode))
	case types.MoveBefore:
		insertAt(parent, target, indexOf(parent, rel))
	case types.MoveAfter:
		insertAt(parent, target, indexOf(parent, rel)+1)
	}
	return nil
}

// createChild instantiates the node a path segment describes under
// parent, including key leaves of a keyed list instance.
func createChild(parent *Node, seg Seg) (*Node, error) {
	snode := seg.SNode
	switch snode.Kind {
	case schema.KindLeaf, schema.KindLeafList:
		return nil, types.Errorf(types.CodeInvalArg, "%s is a leaf, set a value instead", snode.Path())
	case schema.KindList:
		if len(snode.Keys) > 0 {
			for _, k := range snode.Keys {
				if _, ok := seg.Keys[k]; !ok {
					return nil, types.Errorf(types.CodeInvalArg,
						"list %s instance needs key %q", snode.Path(), k)
				}
			}
		}
		inst := &Node{Schema: snode, Parent: parent}
		if len(seg.Keys) > 0 {
			inst.Keys = make(map[string]string, len(seg.Keys))
			for k, v := range seg.Keys {
				inst.Keys[k] = v
			}
			for _, k := range snode.Keys {
				keyLeaf := snode.Child("", k)
				val, err := keyLeaf.Type.ParseValue(seg.Keys[k])
				if err != nil {
					return nil, types.WrapError(types.CodeInvalArg, err, "bad key value")
				}
				kn := &Node{Schema: keyLeaf, Parent: inst, Value: val}
				inst.Children = append(inst.Children, kn)
			}
		}
		insertChild(parent, inst)
		return inst, nil
	default:
		inst := &Node{Schema: snode, Parent: parent}
		insertChild(parent, inst)
		return inst, nil
	}
}

// insertChild places a node among parent's children per schema order:
// before the first child of a later schema position, after existing
// instances of the same schema node.
func insertChild(parent *Node, n *Node) {
	last := -1
	for i, c := range parent.Children {
		if c.Schema == n.Schema {
			last = i
		}
	}
	if last >= 0 {
		insertAt(parent, n, last+1)
		return
	}
	idx := len(parent.Children)
	for i, c := range parent.Children {
		if c.Schema != nil && n.Schema != nil && c.Schema.Order > n.Schema.Order {
			idx = i
			break
		}
	}
	insertAt(parent, n, idx)
}

func insertAt(parent *Node, n *Node, idx int) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(parent.Children) {
		idx = len(parent.Children)
	}
	n.Parent = parent
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[idx+1:], parent.Children[idx:])
	parent.Children[idx] = n
}

func removeChild(parent *Node, n *Node) {
	for i, c := range parent.Children {
		if c == n {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			n.Parent = nil
			return
		}
	}
}

func indexOf(parent *Node, n *Node) int {
	for i, c := range parent.Children {
		if c == n {
			return i
		}
	}
	return len(parent.Children)
}

func firstIndex(parent *Node, snode *schema.Node) int {
	for i, c := range parent.Children {
		if c.Schema == snode {
			return i
		}
	}
	return len(parent.Children)
}

func lastIndex(parent *Node, snode *schema.Node) int {
	last := -1
	for i, c := range parent.Children {
		if c.Schema == snode {
			last = i
		}
	}
	if last < 0 {
		return len(parent.Children)
	}
	return last + 1
}

// parentList returns the list schema node a leaf belongs to, or nil.
func parentList(leaf *schema.Node) *schema.Node {
	if leaf.Parent != nil && leaf.Parent.Kind == schema.KindList {
		return leaf.Parent
	}
	return nil
}
