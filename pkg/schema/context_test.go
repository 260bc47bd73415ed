package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/xpath"
)

func intVal(i int64) *types.Value  { return types.IntVal(i) }
func strVal(s string) *types.Value { return types.StringVal(s) }

func testModule() *Module {
	return NewModule("net", "2024-01-15").
		AddFeature("vlan").
		AddNode(
			Container("interfaces",
				List("interface", []string{"name"},
					Leaf("name", StringType()),
					Leaf("mtu", Int32Type()).WithDefault("1500"),
					Leaf("enabled", BoolType()).WithDefault("true"),
					Leaf("vlan-id", Int32Type()).WithIfFeature("vlan"),
				),
			),
		)
}

func TestCompileAndLookup(t *testing.T) {
	ctx, err := Compile([]*Module{testModule()}, nil)
	require.NoError(t, err)

	n, err := ctx.FindNode("/net:interfaces/interface/mtu")
	require.NoError(t, err)
	assert.Equal(t, "mtu", n.Name)
	assert.Equal(t, "net", n.Module)
	assert.Equal(t, "/net:interfaces/interface/mtu", n.Path())
}

func TestCompileFeaturePruning(t *testing.T) {
	ctx, err := Compile([]*Module{testModule()}, nil)
	require.NoError(t, err)
	_, err = ctx.FindNode("/net:interfaces/interface/vlan-id")
	assert.Error(t, err, "feature-gated node must be pruned when disabled")

	ctx, err = Compile([]*Module{testModule()}, map[string][]string{"net": {"vlan"}})
	require.NoError(t, err)
	_, err = ctx.FindNode("/net:interfaces/interface/vlan-id")
	assert.NoError(t, err)
}

func TestCompileUndefinedFeatureRejected(t *testing.T) {
	_, err := Compile([]*Module{testModule()}, map[string][]string{"net": {"nope"}})
	assert.Error(t, err)
}

func TestCompileMissingImportRejected(t *testing.T) {
	m := NewModule("a", "").AddImport("missing")
	_, err := Compile([]*Module{m}, nil)
	assert.Error(t, err)
}

func TestCompileLeafrefTargetChecked(t *testing.T) {
	target := testModule()
	ref := NewModule("ref", "").
		AddImport("net").
		AddNode(Leaf("primary", LeafrefType("/net:interfaces/net:interface/net:name")))
	_, err := Compile([]*Module{target, ref}, nil)
	require.NoError(t, err)

	broken := NewModule("ref", "").
		AddImport("net").
		AddNode(Leaf("primary", LeafrefType("/net:interfaces/net:nonexistent")))
	_, err = Compile([]*Module{target, broken}, nil)
	assert.Error(t, err)
}

func TestResolveLeafrefRelative(t *testing.T) {
	m := NewModule("m", "").AddNode(
		Container("c",
			List("l", []string{"k"},
				Leaf("k", StringType()),
				Leaf("ref", LeafrefType("../../name")),
			),
			Leaf("name", StringType()),
		),
	)
	ctx, err := Compile([]*Module{m}, nil)
	require.NoError(t, err)
	leaf, err := ctx.FindNode("/m:c/l/ref")
	require.NoError(t, err)
	target, err := ctx.ResolveLeafref(leaf)
	require.NoError(t, err)
	assert.Equal(t, "/m:c/name", target.Path())
}

func TestResolveAtomAcrossModules(t *testing.T) {
	net := testModule()
	other := NewModule("other", "").AddImport("net").AddNode(Leaf("x", StringType()))
	ctx, err := Compile([]*Module{net, other}, nil)
	require.NoError(t, err)

	atoms := xpath.Atoms("/net:interfaces/net:interface/net:name")
	require.Len(t, atoms, 1)
	n, err := ctx.ResolveAtom(nil, "other", atoms[0])
	require.NoError(t, err)
	assert.Equal(t, "name", n.Name)
	assert.Equal(t, "net", n.Module)
}

func TestSplitPathPredicates(t *testing.T) {
	segs, err := SplitPath("/net:interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "net", segs[0].Module)
	assert.Equal(t, "interfaces", segs[0].Name)
	assert.Equal(t, []string{"name='eth0'"}, segs[1].Predicates)
	assert.Equal(t, "mtu", segs[2].Name)
}

func TestSplitPathRejectsRelative(t *testing.T) {
	_, err := SplitPath("interfaces/interface")
	assert.Error(t, err)
}

func TestFindOperation(t *testing.T) {
	m := NewModule("sys", "").AddRPC(
		RPC("reboot", Input(Leaf("delay", Int32Type())), nil),
	)
	ctx, err := Compile([]*Module{m}, nil)
	require.NoError(t, err)
	op, err := ctx.FindOperation("/sys:reboot")
	require.NoError(t, err)
	assert.Equal(t, KindRPC, op.Kind)
	_, err = ctx.FindOperation("/sys:reboot/input/delay")
	assert.Error(t, err)
}

func TestTypeCheckValue(t *testing.T) {
	assert.NoError(t, Int32Type().CheckValue(intVal(1500)))
	assert.Error(t, Int32Type().CheckValue(intVal(1<<40)))
	assert.Error(t, Int32Type().CheckValue(strVal("x")))
	assert.NoError(t, EnumType("a", "b").CheckValue(strVal("a")))
	assert.Error(t, EnumType("a", "b").CheckValue(strVal("c")))
	u := UnionType(Int32Type(), StringType())
	assert.NoError(t, u.CheckValue(strVal("hello")))
	assert.NoError(t, u.CheckValue(intVal(7)))
}
