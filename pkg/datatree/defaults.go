package datatree

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// ApplyDefaults materialises schema defaults: under every existing
// container and list instance (and at top level), absent leaves with a
// default get created flagged Default, and non-presence containers
// holding defaults spring into existence.
func (t *Tree) ApplyDefaults(mod *schema.Module) {
	applyDefaults(t.root, mod.TopLevel())
}

func applyDefaults(parent *Node, schemas []*schema.Node) {
	for _, sn := range schemas {
		switch sn.Kind {
		case schema.KindChoice, schema.KindCase:
			applyDefaults(parent, sn.Children)
			continue
		case schema.KindLeaf:
			if sn.Default == "" {
				continue
			}
			if len(instances(parent, sn)) > 0 {
				continue
			}
			val, err := sn.Type.ParseValue(sn.Default)
			if err != nil {
				continue
			}
			leaf := &Node{Schema: sn, Parent: parent, Value: val, Default: true}
			insertChild(parent, leaf)
		case schema.KindContainer:
			existing := instances(parent, sn)
			if len(existing) == 0 {
				if sn.Presence || !subtreeHasDefaults(sn) {
					continue
				}
				inst := &Node{Schema: sn, Parent: parent, Default: true}
				insertChild(parent, inst)
				existing = []*Node{inst}
			}
			for _, inst := range existing {
				applyDefaults(inst, sn.Children)
			}
		case schema.KindList:
			for _, inst := range instances(parent, sn) {
				applyDefaults(inst, sn.Children)
			}
		}
	}
}

// subtreeHasDefaults reports whether any leaf below the container
// carries a default, without crossing presence containers or lists.
func subtreeHasDefaults(sn *schema.Node) bool {
	for _, c := range sn.Children {
		switch c.Kind {
		case schema.KindLeaf:
			if c.Default != "" {
				return true
			}
		case schema.KindContainer:
			if !c.Presence && subtreeHasDefaults(c) {
				return true
			}
		case schema.KindChoice, schema.KindCase:
			if subtreeHasDefaults(c) {
				return true
			}
		}
	}
	return false
}

// StripDefaults removes every node materialised by ApplyDefaults,
// returning the tree to its explicitly-written content.
func (t *Tree) StripDefaults() {
	stripDefaults(t.root)
}

func stripDefaults(n *Node) {
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.Default && c.Value != nil {
			continue
		}
		stripDefaults(c)
		if c.Default && len(c.Children) == 0 && c.Value == nil {
			continue
		}
		kept = append(kept, c)
	}
	n.Children = kept
}

// Validate runs the schema-level checks that do not need other
// modules' data: mandatory leaves under instantiated parents, list key
// completeness, and value types of every present leaf. Violations come
// back as (path, message) entries.
func (t *Tree) Validate(mod *schema.Module) []types.ErrorInfo {
	var errs []types.ErrorInfo
	validateLevel(t.root, mod.TopLevel(), &errs)
	return errs
}

func validateLevel(parent *Node, schemas []*schema.Node, errs *[]types.ErrorInfo) {
	for _, sn := range schemas {
		switch sn.Kind {
		case schema.KindChoice, schema.KindCase:
			validateLevel(parent, sn.Children, errs)
			continue
		case schema.KindLeaf:
			insts := instances(parent, sn)
			// validateLevel only descends into instantiated parents, so a
			// missing mandatory leaf here is a real violation.
			if sn.Mandatory && len(insts) == 0 {
				*errs = append(*errs, types.ErrorInfo{
					Path:    sn.Path(),
					Message: "mandatory leaf is missing",
				})
			}
			for _, inst := range insts {
				if err := sn.Type.CheckValue(inst.Value); err != nil {
					*errs = append(*errs, types.ErrorInfo{Path: inst.Path(), Message: err.Error()})
				}
			}
		case schema.KindList:
			for _, inst := range instances(parent, sn) {
				for _, k := range sn.Keys {
					if inst.Keys[k] == "" && len(instances(inst, sn.Child("", k))) == 0 {
						*errs = append(*errs, types.ErrorInfo{
							Path:    inst.Path(),
							Message: fmt.Sprintf("list instance is missing key %q", k),
						})
					}
				}
				validateLevel(inst, sn.Children, errs)
			}
		case schema.KindContainer:
			for _, inst := range instances(parent, sn) {
				validateLevel(inst, sn.Children, errs)
			}
		}
	}
}
