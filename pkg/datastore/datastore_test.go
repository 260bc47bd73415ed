package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

func newTreeWith(t *testing.T, ctx *schema.Context, path string, v *types.Value) *datatree.Tree {
	t.Helper()
	segs, err := schema.SplitPath(path)
	require.NoError(t, err)
	tree := datatree.New(segs[0].Module)
	p, err := datatree.ParsePath(ctx, path)
	require.NoError(t, err)
	require.NoError(t, tree.Set(p, v, 0))
	return tree
}

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func memBinding() types.PluginBinding {
	return types.PluginBinding{
		Startup: "mem", Running: "mem", Candidate: "mem",
		Operational: "mem", FactoryDefault: "mem", Notification: "mem",
	}
}

func newDatastore(t *testing.T) *Datastore {
	t.Helper()
	plugins := storage.NewRegistry()
	mem := storage.NewMemPlugin("mem")
	require.NoError(t, plugins.Register(mem))
	require.NoError(t, plugins.RegisterNotification(mem))

	d, err := New(Config{
		SelfPlugin:      "mem",
		Plugins:         plugins,
		LockTimeout:     300 * time.Millisecond,
		CallbackTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func pluginModule() *schema.Module {
	return schema.NewModule("plugin", "").AddNode(
		schema.Container("simple-cont",
			schema.Container("simple-cont2",
				schema.Container("ac1",
					schema.List("acl1", []string{"acs1"},
						schema.Leaf("acs1", schema.StringType()),
						schema.Leaf("acs2", schema.StringType()),
						schema.Leaf("acs3", schema.StringType()),
					),
				),
			),
		),
	)
}

func stateModule() *schema.Module {
	return schema.NewModule("state-module", "").AddNode(
		schema.Container("bus",
			schema.Leaf("gps_located", schema.BoolType()).WithConfigFalse(),
			schema.Leaf("distance_travelled", schema.Uint32Type()).WithConfigFalse(),
		).WithConfigFalse(),
	)
}

func ietfInterfaces() *schema.Module {
	return schema.NewModule("ietf-interfaces", "").AddNode(
		schema.Container("interfaces",
			schema.List("interface", []string{"name"},
				schema.Leaf("name", schema.StringType()),
				schema.Leaf("type", schema.StringType()),
				schema.Leaf("enabled", schema.BoolType()).WithDefault("true"),
			),
		),
	)
}

func alarmsModule() *schema.Module {
	return schema.NewModule("alarms", "").
		AddRPC(schema.RPC("clear-all",
			schema.Input(schema.Leaf("severity", schema.StringType())),
			schema.Output(schema.Leaf("cleared", schema.Uint32Type())),
		)).
		AddNotification(schema.Notification("alarm-raised",
			schema.Leaf("source", schema.StringType()),
		))
}

// Scenario 1: install, set a nested list leaf, apply, read back the
// exact stored tree.
func TestScenarioInstallSetApplyRead(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{pluginModule()}, memBinding(), types.DSAccess{}, nil))

	s, err := d.SessionStart("alice", nil, types.DSRunning)
	require.NoError(t, err)

	const path = "/plugin:simple-cont/simple-cont2/ac1/acl1[acs1='a']/acs2"
	require.NoError(t, d.SetItem(s.ID, path, types.StringVal("a"), 0))
	require.NoError(t, d.ApplyChanges(s.ID, 0))

	item, err := d.GetItem(s.ID, path)
	require.NoError(t, err)
	assert.Equal(t, "a", item.Value.Str)
	assert.Equal(t, path, item.Path)

	// A fresh session observes the same stored tree.
	s2, _ := d.SessionStart("bob", nil, types.DSRunning)
	item, err = d.GetItem(s2.ID, path)
	require.NoError(t, err)
	assert.Equal(t, "a", item.Value.Str)
}

// Scenario 2: one pull provider, wildcard read returns exactly its
// value.
func TestScenarioSingleOperProvider(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{stateModule()}, memBinding(), types.DSAccess{}, nil))

	prov, _ := d.SessionStart("provider", nil, types.DSOperational)
	_, err := d.SubscribeOperGet(prov.ID, "/state-module:bus/gps_located", time.Second,
		func(string) ([]types.Field, error) {
			return []types.Field{{Path: "/state-module:bus/gps_located", Value: types.BoolVal(false)}}, nil
		})
	require.NoError(t, err)

	s, _ := d.SessionStart("alice", nil, types.DSOperational)
	items, err := d.GetItems(s.ID, "/state-module:bus/*")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.ValBool, items[0].Value.Type)
	assert.False(t, items[0].Value.Bool)
}

// Scenario 3: two providers, both values come back.
func TestScenarioTwoOperProviders(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{stateModule()}, memBinding(), types.DSAccess{}, nil))

	prov, _ := d.SessionStart("provider", nil, types.DSOperational)
	_, err := d.SubscribeOperGet(prov.ID, "/state-module:bus/gps_located", time.Second,
		func(string) ([]types.Field, error) {
			return []types.Field{{Path: "/state-module:bus/gps_located", Value: types.BoolVal(true)}}, nil
		})
	require.NoError(t, err)
	_, err = d.SubscribeOperGet(prov.ID, "/state-module:bus/distance_travelled", time.Second,
		func(string) ([]types.Field, error) {
			return []types.Field{{Path: "/state-module:bus/distance_travelled", Value: types.UintVal(123)}}, nil
		})
	require.NoError(t, err)

	s, _ := d.SessionStart("alice", nil, types.DSOperational)
	items, err := d.GetItems(s.ID, "/state-module:bus/*")
	require.NoError(t, err)
	require.Len(t, items, 2)
	got := map[string]*types.Value{}
	for _, it := range items {
		got[it.Path] = it.Value
	}
	assert.True(t, got["/state-module:bus/gps_located"].Bool)
	assert.Equal(t, uint64(123), got["/state-module:bus/distance_travelled"].Uint)
}

// Scenario 4: candidate edits stay invisible to running until
// copy-config, then candidate reset converges it back.
func TestScenarioCandidateWorkflow(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{ietfInterfaces()}, memBinding(), types.DSAccess{}, nil))

	// Seed running with eth64.
	seed, _ := d.SessionStart("seed", nil, types.DSRunning)
	require.NoError(t, d.SetItem(seed.ID, "/ietf-interfaces:interfaces/interface[name='eth64']", nil, 0))
	require.NoError(t, d.ApplyChanges(seed.ID, 0))

	// Candidate session: add eth32, delete eth64, apply to candidate.
	cand, _ := d.SessionStart("alice", nil, types.DSCandidate)
	require.NoError(t, d.SetItem(cand.ID, "/ietf-interfaces:interfaces/interface[name='eth32']", nil, 0))
	require.NoError(t, d.DeleteItem(cand.ID, "/ietf-interfaces:interfaces/interface[name='eth64']", 0))
	require.NoError(t, d.ApplyChanges(cand.ID, 0))

	// Running still holds only eth64.
	run, _ := d.SessionStart("bob", nil, types.DSRunning)
	_, err := d.GetItem(run.ID, "/ietf-interfaces:interfaces/interface[name='eth64']/name")
	assert.NoError(t, err)
	_, err = d.GetItem(run.ID, "/ietf-interfaces:interfaces/interface[name='eth32']/name")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// copy-config candidate -> running flips it.
	require.NoError(t, d.CopyConfig(run.ID, "ietf-interfaces", types.DSCandidate, types.DSRunning))
	_, err = d.GetItem(run.ID, "/ietf-interfaces:interfaces/interface[name='eth32']/name")
	assert.NoError(t, err)
	_, err = d.GetItem(run.ID, "/ietf-interfaces:interfaces/interface[name='eth64']/name")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// Candidate reset: candidate mirrors running again.
	require.NoError(t, d.CandidateReset(cand.ID, "ietf-interfaces"))
	_, err = d.GetItem(cand.ID, "/ietf-interfaces:interfaces/interface[name='eth32']/name")
	assert.NoError(t, err)
}

// Scenario 5: locking a module with uncommitted changes fails with
// OPERATION_FAILED; after discard it succeeds.
func TestScenarioLockVsUncommitted(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{ietfInterfaces()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	require.NoError(t, d.SetItem(s.ID, "/ietf-interfaces:interfaces/interface[name='eth0']", nil, 0))

	err := d.Lock(s.ID, "ietf-interfaces", types.DSRunning)
	assert.Equal(t, types.CodeOperationFailed, types.CodeOf(err))

	require.NoError(t, d.DiscardChanges(s.ID))
	require.NoError(t, d.Lock(s.ID, "ietf-interfaces", types.DSRunning))
	require.NoError(t, d.Unlock(s.ID, "ietf-interfaces", types.DSRunning))
}

// Scenario 6: removal is guarded by inverse dependencies at the
// service surface.
func TestScenarioRemoveGuard(t *testing.T) {
	d := newDatastore(t)
	b := schema.NewModule("b", "").AddNode(
		schema.Container("root", schema.Leaf("name", schema.StringType())),
	)
	a := schema.NewModule("a", "").
		AddImport("b").
		AddNode(schema.Leaf("ref", schema.LeafrefType("/b:root/b:name")))
	require.NoError(t, d.InstallModule([]*schema.Module{b}, memBinding(), types.DSAccess{}, nil))
	require.NoError(t, d.InstallModule([]*schema.Module{a}, memBinding(), types.DSAccess{}, nil))

	err := d.RemoveModule("b")
	assert.Equal(t, types.CodeOperationFailed, types.CodeOf(err))

	require.NoError(t, d.RemoveModule("a"))
	require.NoError(t, d.RemoveModule("b"))
	_, err = d.GetModuleInfo("a")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	_, err = d.GetModuleInfo("b")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestSessionStopReleasesEverything(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{ietfInterfaces()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	require.NoError(t, d.Lock(s.ID, "ietf-interfaces", types.DSRunning))
	_, err := d.SubscribeModuleChange(s.ID, "ietf-interfaces", "", 0, 0, nil)
	require.NoError(t, err)

	require.NoError(t, d.SessionStop(s.ID))

	// The lock is free for another session now.
	s2, _ := d.SessionStart("bob", nil, types.DSRunning)
	require.NoError(t, d.Lock(s2.ID, "ietf-interfaces", types.DSRunning))
	mc, _, _, _ := d.subs.Counts()
	assert.Zero(t, mc)
}

func TestDatastoreWideLock(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{ietfInterfaces(), stateModule()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	require.NoError(t, d.Lock(s.ID, "", types.DSRunning))

	s2, _ := d.SessionStart("bob", nil, types.DSRunning)
	err := d.Lock(s2.ID, "ietf-interfaces", types.DSRunning)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))

	require.NoError(t, d.Unlock(s.ID, "", types.DSRunning))
	require.NoError(t, d.Lock(s2.ID, "ietf-interfaces", types.DSRunning))
}

func TestRPCDispatch(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{alarmsModule()}, memBinding(), types.DSAccess{}, nil))

	h, _ := d.SessionStart("handler", nil, types.DSRunning)
	_, err := d.SubscribeRPC(h.ID, "/alarms:clear-all", func(input []types.Field) ([]types.Field, error) {
		return []types.Field{{Path: "/alarms:clear-all/cleared", Value: types.UintVal(3)}}, nil
	})
	require.NoError(t, err)

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	out, err := d.SendRPC(s.ID, "/alarms:clear-all",
		[]types.Field{{Path: "/alarms:clear-all/severity", Value: types.StringVal("minor")}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(3), out[0].Value.Uint)

	_, err = d.SendRPC(s.ID, "/alarms:alarm-raised", nil)
	assert.Equal(t, types.CodeInvalArg, types.CodeOf(err))
}

func TestNotificationLiveAndReplay(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{alarmsModule()}, memBinding(), types.DSAccess{}, nil))
	require.NoError(t, d.SetModuleReplaySupport("alarms", true))

	sender, _ := d.SessionStart("sender", nil, types.DSRunning)
	start := time.Now().Add(-time.Minute)
	require.NoError(t, d.SendNotification(sender.ID, &types.Notification{
		Path: "/alarms:alarm-raised",
		Fields: []types.Field{
			{Path: "/alarms:alarm-raised/source", Value: types.StringVal("ps1")},
		},
	}))

	// A later subscriber with a replay window sees the stored
	// notification tagged replayed, then the completion marker.
	got := make(chan string, 4)
	sub, _ := d.SessionStart("subscriber", nil, types.DSRunning)
	_, err := d.SubscribeNotification(sub.ID, "alarms", "", start,
		func(n *types.Notification, done bool) {
			switch {
			case done:
				got <- "replay-complete"
			case n.Replayed:
				got <- "replayed"
			default:
				got <- "live"
			}
		})
	require.NoError(t, err)

	expect := func(want string) {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	expect("replayed")
	expect("replay-complete")

	require.NoError(t, d.SendNotification(sender.ID, &types.Notification{Path: "/alarms:alarm-raised"}))
	expect("live")
}

func TestReplaySubscriptionRequiresSupport(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{alarmsModule()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	_, err := d.SubscribeNotification(s.ID, "alarms", "", time.Now().Add(-time.Hour),
		func(*types.Notification, bool) {})
	assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
}

func TestOperPushEditVisible(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{stateModule()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSOperational)
	require.NoError(t, d.SetOperItem(s.ID, "/state-module:bus/distance_travelled",
		types.UintVal(7), types.OriginLearned))

	items, err := d.GetItems(s.ID, "/state-module:bus/*")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(7), items[0].Value.Uint)

	require.NoError(t, d.DiscardOperItems(s.ID, "/state-module:bus/distance_travelled"))
	items, err = d.GetItems(s.ID, "/state-module:bus/*")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestModuleDSAccessRoundTrip(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{stateModule()}, memBinding(),
		types.DSAccess{Owner: "alice", Group: "ops", Perm: 0640}, nil))

	access, err := d.GetModuleDSAccess("state-module", types.DSRunning)
	require.NoError(t, err)
	assert.Equal(t, "alice", access.Owner)

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	ok, err := d.CheckModuleDSAccess(s.ID, "state-module", types.DSRunning, true)
	require.NoError(t, err)
	assert.True(t, ok)

	other, _ := d.SessionStart("mallory", nil, types.DSRunning)
	ok, err = d.CheckModuleDSAccess(other.ID, "state-module", types.DSRunning, false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.SetModuleDSAccess("state-module", types.DSRunning,
		types.DSAccess{Owner: "alice", Group: "ops", Perm: 0644}))
	ok, _ = d.CheckModuleDSAccess(other.ID, "state-module", types.DSRunning, false)
	assert.True(t, ok)
}

func TestInstallWithInitialData(t *testing.T) {
	d := newDatastore(t)

	// Build initial data by serialising a tree of a scratch context.
	mod := ietfInterfaces()
	ctx, err := schema.Compile([]*schema.Module{mod}, nil)
	require.NoError(t, err)
	tree := newTreeWith(t, ctx, "/ietf-interfaces:interfaces/interface[name='lo']/type", types.StringVal("loopback"))
	data, err := tree.Marshal()
	require.NoError(t, err)

	require.NoError(t, d.InstallModule2([]*schema.Module{ietfInterfaces()}, memBinding(),
		types.DSAccess{}, nil, map[string][]byte{"ietf-interfaces": data}))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	item, err := d.GetItem(s.ID, "/ietf-interfaces:interfaces/interface[name='lo']/type")
	require.NoError(t, err)
	assert.Equal(t, "loopback", item.Value.Str)

	// Startup got the same seed.
	require.NoError(t, d.SessionSwitchDS(s.ID, types.DSStartup))
	item, err = d.GetItem(s.ID, "/ietf-interfaces:interfaces/interface[name='lo']/type")
	require.NoError(t, err)
	assert.Equal(t, "loopback", item.Value.Str)
}

func TestContentIDAdvancesOnLifecycle(t *testing.T) {
	d := newDatastore(t)
	before := d.ContentID()
	require.NoError(t, d.InstallModule([]*schema.Module{stateModule()}, memBinding(), types.DSAccess{}, nil))
	afterInstall := d.ContentID()
	assert.Greater(t, afterInstall, before)
	require.NoError(t, d.RemoveModule("state-module"))
	assert.Greater(t, d.ContentID(), afterInstall)
}

func TestSubtreeChunkThroughFacade(t *testing.T) {
	d := newDatastore(t)
	require.NoError(t, d.InstallModule([]*schema.Module{ietfInterfaces()}, memBinding(), types.DSAccess{}, nil))

	s, _ := d.SessionStart("alice", nil, types.DSRunning)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, d.SetItem(s.ID, "/ietf-interfaces:interfaces/interface[name='"+name+"']", nil, 0))
	}
	require.NoError(t, d.ApplyChanges(s.ID, 0))

	chunk, err := d.GetSubtreeChunk(s.ID, "/ietf-interfaces:interfaces", session.ChunkOpts{
		Single: true, Offset: 1, ChildLimit: 1, DepthLimit: 2,
	})
	require.NoError(t, err)
	require.Len(t, chunk.Children, 1)
	assert.Equal(t, "b", chunk.Children[0].Keys["name"])
}
