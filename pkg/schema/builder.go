package schema

import "github.com/cuemby/burrow/pkg/types"

// Constructors for building raw modules in-process. The daemon's YANG
// text front end and the tests both assemble modules through these; the
// compiler attributes, prunes, and links the result.

// NewModule creates an empty raw module. Prefix defaults to the module
// name, which is also how compiled paths are qualified.
func NewModule(name, revision string) *Module {
	return &Module{Name: name, Revision: revision, Prefix: name}
}

// AddNode appends top-level data nodes.
func (m *Module) AddNode(nodes ...*Node) *Module {
	m.Root = append(m.Root, nodes...)
	return m
}

// AddRPC appends an RPC definition.
func (m *Module) AddRPC(rpcs ...*Node) *Module {
	m.RPCs = append(m.RPCs, rpcs...)
	return m
}

// AddNotification appends a notification definition.
func (m *Module) AddNotification(notifs ...*Node) *Module {
	m.Notifications = append(m.Notifications, notifs...)
	return m
}

// AddImport records an import of another module.
func (m *Module) AddImport(names ...string) *Module {
	m.Imports = append(m.Imports, names...)
	return m
}

// AddFeature records a feature definition.
func (m *Module) AddFeature(names ...string) *Module {
	m.FeatureDefs = append(m.FeatureDefs, names...)
	return m
}

// Container builds a container node.
func Container(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindContainer, Config: true, Children: children}
}

// PresenceContainer builds a presence container node.
func PresenceContainer(name string, children ...*Node) *Node {
	n := Container(name, children...)
	n.Presence = true
	return n
}

// List builds a keyed list node. Pass no keys for a keyless list.
func List(name string, keys []string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindList, Config: true, Keys: keys, Children: children}
}

// Leaf builds a leaf node.
func Leaf(name string, typ *Type) *Node {
	return &Node{Name: name, Kind: KindLeaf, Config: true, Type: typ}
}

// LeafList builds a leaf-list node.
func LeafList(name string, typ *Type) *Node {
	return &Node{Name: name, Kind: KindLeafList, Config: true, Type: typ}
}

// Choice builds a choice node with case children.
func Choice(name string, cases ...*Node) *Node {
	return &Node{Name: name, Kind: KindChoice, Config: true, Children: cases}
}

// Case builds a case node.
func Case(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindCase, Config: true, Children: children}
}

// RPC builds an rpc node; input and output may be nil.
func RPC(name string, input, output *Node) *Node {
	n := &Node{Name: name, Kind: KindRPC, Config: true}
	if input != nil {
		n.Children = append(n.Children, input)
	}
	if output != nil {
		n.Children = append(n.Children, output)
	}
	return n
}

// Input wraps RPC input children.
func Input(children ...*Node) *Node {
	return &Node{Name: "input", Kind: KindContainer, Config: true, Children: children}
}

// Output wraps RPC output children.
func Output(children ...*Node) *Node {
	return &Node{Name: "output", Kind: KindContainer, Config: true, Children: children}
}

// Action builds an action node nested under data.
func Action(name string, input, output *Node) *Node {
	n := RPC(name, input, output)
	n.Kind = KindAction
	return n
}

// Notification builds a notification node.
func Notification(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindNotification, Config: true, Children: children}
}

// Node option setters; each returns the node for chaining.

// WithDefault sets the leaf's default value in canonical form.
func (n *Node) WithDefault(v string) *Node { n.Default = v; return n }

// WithMandatory marks the node mandatory.
func (n *Node) WithMandatory() *Node { n.Mandatory = true; return n }

// WithConfigFalse marks the subtree state data.
func (n *Node) WithConfigFalse() *Node { n.Config = false; return n }

// WithWhen attaches a when expression.
func (n *Node) WithWhen(expr string) *Node { n.When = append(n.When, expr); return n }

// WithMust attaches a must expression.
func (n *Node) WithMust(expr string) *Node { n.Must = append(n.Must, expr); return n }

// WithIfFeature gates the node on a feature.
func (n *Node) WithIfFeature(feature string) *Node {
	n.IfFeatures = append(n.IfFeatures, feature)
	return n
}

// WithUserOrdered marks a list or leaf-list ordered-by user.
func (n *Node) WithUserOrdered() *Node { n.UserOrdered = true; return n }

// Type constructors.

// StringType builds the string type.
func StringType() *Type { return &Type{Name: "string", Base: types.ValString} }

// Int32Type builds a 32-bit signed integer type.
func Int32Type() *Type {
	return &Type{Name: "int32", Base: types.ValInt, HasRange: true, RangeMin: -1 << 31, RangeMax: 1<<31 - 1}
}

// Int64Type builds a 64-bit signed integer type.
func Int64Type() *Type { return &Type{Name: "int64", Base: types.ValInt} }

// Uint32Type builds a 32-bit unsigned integer type.
func Uint32Type() *Type {
	return &Type{Name: "uint32", Base: types.ValUint}
}

// BoolType builds the boolean type.
func BoolType() *Type { return &Type{Name: "boolean", Base: types.ValBool} }

// DecimalType builds the decimal64 type.
func DecimalType() *Type { return &Type{Name: "decimal64", Base: types.ValDecimal} }

// EmptyType builds the empty type.
func EmptyType() *Type { return &Type{Name: "empty", Base: types.ValEmpty} }

// EnumType builds an enumeration.
func EnumType(values ...string) *Type {
	return &Type{Name: "enumeration", Base: types.ValString, Enums: values}
}

// IdentityrefType builds an identityref type.
func IdentityrefType() *Type {
	return &Type{Name: "identityref", Base: types.ValIdentityref}
}

// LeafrefType builds a leafref with the given path expression.
// require-instance defaults to true, per YANG 1.1.
func LeafrefType(path string) *Type {
	return &Type{Name: "leafref", Base: types.ValString, LeafrefPath: path, RequireInstance: true}
}

// LeafrefTypeNoRequire builds a leafref with require-instance false.
func LeafrefTypeNoRequire(path string) *Type {
	t := LeafrefType(path)
	t.RequireInstance = false
	return t
}

// InstanceIDType builds an instance-identifier type. defaultTarget may
// name the one schema path instances are constrained to, or be empty.
func InstanceIDType(requireInstance bool, defaultTarget string) *Type {
	return &Type{
		Name:              "instance-identifier",
		Base:              types.ValInstanceID,
		RequireInstance:   requireInstance,
		DefaultTargetPath: defaultTarget,
	}
}

// UnionType builds a union over the given branches.
func UnionType(branches ...*Type) *Type {
	return &Type{Name: "union", Base: types.ValString, Union: branches}
}
