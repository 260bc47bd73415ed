package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// NodeKind classifies a schema node.
type NodeKind int

const (
	KindContainer NodeKind = iota
	KindList
	KindLeaf
	KindLeafList
	KindChoice
	KindCase
	KindRPC
	KindAction
	KindNotification
)

func (k NodeKind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindList:
		return "list"
	case KindLeaf:
		return "leaf"
	case KindLeafList:
		return "leaf-list"
	case KindChoice:
		return "choice"
	case KindCase:
		return "case"
	case KindRPC:
		return "rpc"
	case KindAction:
		return "action"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// IsOperation reports whether the node is an RPC, action, or
// notification: the subtrees the data-dependency walk skips and the
// analyzer records separately.
func (k NodeKind) IsOperation() bool {
	return k == KindRPC || k == KindAction || k == KindNotification
}

// Type describes a leaf or leaf-list type.
type Type struct {
	Name string
	// Base is the value kind instances of this type carry.
	Base types.ValueType

	// Leafref only.
	LeafrefPath string

	// Leafref and instance-identifier.
	RequireInstance bool

	// Instance-identifier only: the schema path instances point at when
	// the model constrains them to one target.
	DefaultTargetPath string

	// Union only.
	Union []*Type

	// Enumeration only.
	Enums []string

	// Integer range bounds, when constrained.
	HasRange bool
	RangeMin int64
	RangeMax int64
}

// Leafrefs returns the leafref branches of the type, unions flattened;
// empty for non-leafref types.
func (t *Type) Leafrefs() []*Type {
	var out []*Type
	for _, b := range leafTypes(t) {
		if b.LeafrefPath != "" {
			out = append(out, b)
		}
	}
	return out
}

// CheckValue verifies v is a valid instance of the type. Union types
// accept a value valid under any branch.
func (t *Type) CheckValue(v *types.Value) error {
	if t == nil || v == nil {
		return fmt.Errorf("no type or value")
	}
	if len(t.Union) > 0 {
		for _, b := range t.Union {
			if b.CheckValue(v) == nil {
				return nil
			}
		}
		return fmt.Errorf("value %q matches no union branch of %s", v.Canonical(), t.Name)
	}
	if t.Base != v.Type {
		// Enumerations are carried as strings.
		if !(len(t.Enums) > 0 && v.Type == types.ValString) {
			return fmt.Errorf("value %q has wrong type for %s", v.Canonical(), t.Name)
		}
	}
	if len(t.Enums) > 0 {
		for _, e := range t.Enums {
			if e == v.Str {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enumeration %s", v.Str, t.Name)
	}
	if t.HasRange && v.Type == types.ValInt {
		if v.Int < t.RangeMin || v.Int > t.RangeMax {
			return fmt.Errorf("value %d outside range [%d, %d]", v.Int, t.RangeMin, t.RangeMax)
		}
	}
	return nil
}

// ParseValue converts a canonical string into a typed value under the
// type, used when reading stored trees and initial data.
func (t *Type) ParseValue(s string) (*types.Value, error) {
	if t == nil {
		return nil, fmt.Errorf("no type")
	}
	if len(t.Union) > 0 {
		var lastErr error
		for _, b := range t.Union {
			v, err := b.ParseValue(s)
			if err == nil {
				return v, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	switch t.Base {
	case types.ValInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", s)
		}
		return types.IntVal(i), nil
	case types.ValUint:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an unsigned integer: %q", s)
		}
		return types.UintVal(u), nil
	case types.ValBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", s)
		}
		return types.BoolVal(b), nil
	case types.ValDecimal:
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a decimal: %q", s)
		}
		return types.DecimalVal(d), nil
	case types.ValEmpty:
		return types.EmptyVal(), nil
	case types.ValIdentityref:
		return types.IdentityrefVal(s), nil
	case types.ValInstanceID:
		return types.InstanceIDVal(s), nil
	default:
		return types.StringVal(s), nil
	}
}

// Node is one compiled schema node. Children are kept in schema order,
// the order the YANG text declares them in.
type Node struct {
	Name   string
	Module string
	Kind   NodeKind

	Parent   *Node
	Children []*Node

	// Order is the node's position in the module-wide schema traversal,
	// assigned at compile; data trees use it to keep children in schema
	// order.
	Order int

	// Leaf and leaf-list only.
	Type    *Type
	Default string

	Mandatory   bool
	Config      bool
	Presence    bool
	UserOrdered bool

	// List only; empty for keyless lists.
	Keys []string

	When []string
	Must []string

	// Features that must all be enabled for the node to be compiled in.
	IfFeatures []string
}

// Child finds a direct data child by name, descending transparently
// through choice and case nodes. A module qualifier of "" matches any.
func (n *Node) Child(module, name string) *Node {
	for _, c := range n.Children {
		if c.Kind == KindChoice || c.Kind == KindCase {
			if found := c.Child(module, name); found != nil {
				return found
			}
			continue
		}
		if c.Name == name && (module == "" || c.Module == module) {
			return c
		}
	}
	return nil
}

// DataChildren returns the node's data children with choice/case
// layers flattened away, in schema order.
func (n *Node) DataChildren() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == KindChoice || c.Kind == KindCase {
			out = append(out, c.DataChildren()...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Path renders the canonical JSON-qualified schema path of the node:
// the module name qualifies the first step and every step whose module
// differs from its parent's.
func (n *Node) Path() string {
	var parts []*Node
	for cur := n; cur != nil; cur = cur.Parent {
		parts = append(parts, cur)
	}
	var b strings.Builder
	prevModule := ""
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		b.WriteString("/")
		if p.Module != prevModule {
			b.WriteString(p.Module)
			b.WriteString(":")
		}
		b.WriteString(p.Name)
		prevModule = p.Module
	}
	return b.String()
}

// Top returns the node's top-level ancestor. For nodes under an
// operation this is still the data top; use OperationAncestor for the
// enclosing operation.
func (n *Node) Top() *Node {
	cur := n
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// OperationAncestor returns the nearest enclosing RPC, action, or
// notification node, or nil for plain data nodes.
func (n *Node) OperationAncestor() *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Kind.IsOperation() {
			return cur
		}
	}
	return nil
}

// Module is one schema module, raw (as built) or compiled (feature
// pruned, attributed, parent linked).
type Module struct {
	Name      string
	Revision  string
	Namespace string
	Prefix    string

	// Imported module names; implemented imports pull the module into an
	// install batch.
	Imports []string

	// Features the module defines.
	FeatureDefs []string

	// Top-level data nodes in schema order.
	Root []*Node

	// Operations.
	RPCs          []*Node
	Notifications []*Node
}

// TopLevel returns the module's top-level data nodes.
func (m *Module) TopLevel() []*Node { return m.Root }

// DefinesFeature reports whether the module defines the named feature.
func (m *Module) DefinesFeature(name string) bool {
	for _, f := range m.FeatureDefs {
		if f == name {
			return true
		}
	}
	return false
}
