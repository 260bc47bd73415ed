package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeStore serves baselines from an in-memory table.
type fakeStore struct {
	mu    sync.Mutex
	ctx   *schema.Context
	trees map[string]*datatree.Tree // module@ds
}

func (f *fakeStore) Context() *schema.Context { return f.ctx }

func (f *fakeStore) LoadTree(module string, ds types.Datastore) (*datatree.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trees[types.FormatLockKey(module, ds)]; ok {
		return t.DeepCopy(), nil
	}
	return datatree.New(module), nil
}

func (f *fakeStore) put(module string, ds types.Datastore, t *datatree.Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[types.FormatLockKey(module, ds)] = t
}

func newStore(t *testing.T) *fakeStore {
	t.Helper()
	mod := schema.NewModule("net", "").AddNode(
		schema.Container("interfaces",
			schema.List("interface", []string{"name"},
				schema.Leaf("name", schema.StringType()),
				schema.Leaf("mtu", schema.Int32Type()),
				schema.Leaf("enabled", schema.BoolType()).WithDefault("true"),
			),
		),
	)
	sys := schema.NewModule("sys", "").AddNode(
		schema.Container("server",
			schema.Leaf("host", schema.StringType()).WithMandatory(),
		),
	)
	ctx, err := schema.Compile([]*schema.Module{mod, sys}, nil)
	require.NoError(t, err)
	return &fakeStore{ctx: ctx, trees: map[string]*datatree.Tree{}}
}

func TestEditsVisibleToOwnReads(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, err := mgr.Start("alice", nil, types.DSRunning)
	require.NoError(t, err)

	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))

	item, err := s.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), item.Value.Int)
	assert.True(t, s.Modified())
	assert.True(t, s.ModifiedIn("net", types.DSRunning))
	assert.False(t, s.ModifiedIn("net", types.DSStartup))
	assert.True(t, mgr.AnyModified("net", types.DSRunning))
}

func TestBaselineUntouchedUntilCommit(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))

	// A second session reads the stored baseline, not the edit.
	s2, _ := mgr.Start("bob", nil, types.DSRunning)
	_, err := s2.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestDiscardChanges(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))

	s.DiscardChanges()
	assert.False(t, s.Modified())
	assert.Empty(t, s.TouchedModules())
	_, err := s.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestSwitchDatastoreRefusedWhileDirty(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))

	err := s.SwitchDatastore(types.DSStartup)
	assert.Equal(t, types.CodeOperationFailed, types.CodeOf(err))

	s.DiscardChanges()
	require.NoError(t, s.SwitchDatastore(types.DSStartup))
	assert.Equal(t, types.DSStartup, s.Datastore())
}

func TestGetItemsWildcard(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	for _, set := range []struct {
		path string
		v    *types.Value
	}{
		{"/net:interfaces/interface[name='eth0']/mtu", types.IntVal(1500)},
		{"/net:interfaces/interface[name='eth0']/enabled", types.BoolVal(false)},
	} {
		p, err := datatree.ParsePath(store.ctx, set.path)
		require.NoError(t, err)
		require.NoError(t, base.Set(p, set.v, 0))
	}
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	items, err := s.GetItems("/net:interfaces/interface[name='eth0']/*")
	require.NoError(t, err)
	// name key, mtu, enabled all carry values.
	assert.Len(t, items, 3)
}

func TestEditBatchDefaultOp(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	require.NoError(t, s.EditBatch([]BatchEdit{
		{Path: "/net:interfaces/interface[name='eth0']/mtu", Value: types.IntVal(1500)},
		{Path: "/net:interfaces/interface[name='eth1']/mtu", Value: types.IntVal(9000)},
	}, "merge"))
	require.NoError(t, s.EditBatch([]BatchEdit{
		{Path: "/net:interfaces/interface[name='eth1']", Op: "remove"},
	}, "merge"))

	items, err := s.GetItems("/net:interfaces/interface/mtu")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1500), items[0].Value.Int)
}

func TestReplaceConfig(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	p, _ := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='old']")
	require.NoError(t, base.Set(p, nil, 0))
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	repl := datatree.New("net")
	p2, _ := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='new']/mtu")
	require.NoError(t, repl.Set(p2, types.IntVal(1400), 0))
	require.NoError(t, s.ReplaceConfig("net", repl))

	_, err := s.GetItem("/net:interfaces/interface[name='old']")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	item, err := s.GetItem("/net:interfaces/interface[name='new']/mtu")
	require.NoError(t, err)
	assert.Equal(t, int64(1400), item.Value.Int)
}

func TestValidateReportsPerPath(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	// Instantiate the server container without its mandatory host.
	require.NoError(t, s.SetItem("/sys:server", nil, 0))
	err := s.Validate()
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
	info := types.InfoOf(err)
	require.NotEmpty(t, info)
	assert.Contains(t, info[0].Message, "mandatory")

	require.NoError(t, s.SetItem("/sys:server/host", types.StringVal("h"), 0))
	assert.NoError(t, s.Validate())
}

func TestRefreshTagsFailedOps(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	p, _ := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='gone']")
	require.NoError(t, base.Set(p, nil, 0))
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(1500), 0))
	require.NoError(t, s.DeleteItem("/net:interfaces/interface[name='gone']", types.EditStrict))

	// The entry disappears underneath the session.
	store.put("net", types.DSRunning, datatree.New("net"))

	err := s.Refresh(true)
	assert.NoError(t, err, "continue-on-error keeps the survivors")
	ops := s.Pending()
	require.Len(t, ops, 2, "the failed op stays in the log, tagged")
	assert.Equal(t, OpSet, ops[0].Kind)
	assert.False(t, ops[0].HasError)
	assert.True(t, ops[1].HasError)

	item, err := s.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), item.Value.Int)
}

func TestRefreshStrictFailureSurfaces(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	p, _ := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='gone']")
	require.NoError(t, base.Set(p, nil, 0))
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.DeleteItem("/net:interfaces/interface[name='gone']", types.EditStrict))

	store.put("net", types.DSRunning, datatree.New("net"))
	err := s.Refresh(false)
	assert.Equal(t, types.CodeDataMissing, types.CodeOf(err))
}

func TestSubtreeChunkBounds(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	for _, name := range []string{"a", "b", "c", "d"} {
		p, err := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='"+name+"']/mtu")
		require.NoError(t, err)
		require.NoError(t, base.Set(p, types.IntVal(1500), 0))
	}
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	chunk, err := s.GetSubtreeChunk("/net:interfaces", ChunkOpts{
		Single: true, Offset: 1, ChildLimit: 2, DepthLimit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "interfaces", chunk.Schema.Name)
	require.Len(t, chunk.Children, 2, "offset 1, limit 2 of 4 instances")
	assert.Equal(t, "b", chunk.Children[0].Keys["name"])
	assert.Equal(t, "c", chunk.Children[1].Keys["name"])
	assert.Empty(t, chunk.Children[0].Children, "depth limit cuts below level 2")
}

func TestSubtreeChunkSingleRejectsMultiple(t *testing.T) {
	store := newStore(t)
	base := datatree.New("net")
	for _, name := range []string{"a", "b"} {
		p, err := datatree.ParsePath(store.ctx, "/net:interfaces/interface[name='"+name+"']")
		require.NoError(t, err)
		require.NoError(t, base.Set(p, nil, 0))
	}
	store.put("net", types.DSRunning, base)

	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)

	_, err := s.GetSubtreeChunk("/net:interfaces/interface", ChunkOpts{Single: true})
	assert.Equal(t, types.CodeInvalArg, types.CodeOf(err))

	chunk, err := s.GetSubtreeChunk("/net:interfaces/interface", ChunkOpts{})
	require.NoError(t, err)
	assert.Equal(t, "a", chunk.Keys["name"], "non-single takes the first match")
}

func TestSessionStopRemoves(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store)
	s, _ := mgr.Start("alice", nil, types.DSRunning)
	assert.Equal(t, 1, mgr.Count())
	require.NoError(t, mgr.Stop(s.ID))
	assert.Zero(t, mgr.Count())
	_, err := mgr.Get(s.ID)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}
