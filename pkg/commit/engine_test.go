package commit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/subscription"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type stack struct {
	reg      *registry.Registry
	locks    *lock.Manager
	subs     *subscription.Registry
	engine   *Engine
	sessions *session.Manager
}

// engineStore adapts the engine's loader to the session Store.
type engineStore struct {
	reg    *registry.Registry
	engine *Engine
}

func (s *engineStore) Context() *schema.Context { return s.reg.Context() }
func (s *engineStore) LoadTree(module string, ds types.Datastore) (*datatree.Tree, error) {
	return s.engine.LoadTree(module, ds)
}

func netModule() *schema.Module {
	return schema.NewModule("net", "2024-01-01").AddNode(
		schema.Container("interfaces",
			schema.List("interface", []string{"name"},
				schema.Leaf("name", schema.StringType()),
				schema.Leaf("mtu", schema.Int32Type()).WithDefault("1500"),
			),
		),
	)
}

func refModule() *schema.Module {
	return schema.NewModule("ref", "").
		AddImport("net").
		AddNode(
			schema.Leaf("primary", schema.LeafrefType("/net:interfaces/net:interface/net:name")),
		)
}

func newStack(t *testing.T, mods ...*schema.Module) *stack {
	t.Helper()
	plugins := storage.NewRegistry()
	mem := storage.NewMemPlugin("mem")
	require.NoError(t, plugins.Register(mem))
	require.NoError(t, plugins.RegisterNotification(mem))

	reg, err := registry.Open(plugins, "mem", registry.LoaderFunc(
		func(name, _ string) (*schema.Module, error) {
			return nil, types.Errorf(types.CodeNotFound, "no source for %q", name)
		}))
	require.NoError(t, err)

	binding := types.PluginBinding{
		Startup: "mem", Running: "mem", Candidate: "mem",
		Operational: "mem", FactoryDefault: "mem", Notification: "mem",
	}
	if len(mods) > 0 {
		require.NoError(t, reg.Install(registry.InstallRequest{Modules: mods, Plugins: binding}))
	}

	locks := lock.NewManager("", 500*time.Millisecond)
	subs := subscription.NewRegistry()
	engine := NewEngine(reg, locks, subs, 2*time.Second)
	sessions := session.NewManager(&engineStore{reg: reg, engine: engine})
	locks.SetModifiedCheck(func(module string, ds types.Datastore) bool {
		return sessions.AnyModified(module, ds)
	})
	return &stack{reg: reg, locks: locks, subs: subs, engine: engine, sessions: sessions}
}

func TestApplyAndReadBack(t *testing.T) {
	st := newStack(t, netModule())
	s, err := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, err)

	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	require.NoError(t, st.engine.ApplyChanges(s, 0))
	assert.False(t, s.Modified(), "commit clears the session")

	// Post-commit equality: reading back returns the committed value.
	item, err := s.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), item.Value.Int)
}

func TestDefaultsMaterialisedOnCommit(t *testing.T) {
	st := newStack(t, netModule())
	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']", nil, 0))
	require.NoError(t, st.engine.ApplyChanges(s, 0))

	item, err := s.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), item.Value.Int, "schema default stored")
}

func TestSubscriberSeesOrderedEvents(t *testing.T) {
	st := newStack(t, netModule())

	var mu sync.Mutex
	var events []types.Event
	st.subs.SubscribeModuleChange("sub", "net", "", 0, 0,
		func(ev types.Event, module string, changes []types.Change) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
			if ev == types.EventChange {
				assert.Equal(t, "net", module)
				assert.NotEmpty(t, changes)
			}
			return nil
		})

	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	require.NoError(t, st.engine.ApplyChanges(s, 0))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.Event{types.EventChange, types.EventDone}, events)
}

func TestVetoAbortsAtomically(t *testing.T) {
	st := newStack(t, netModule())

	var mu sync.Mutex
	var order []string
	st.subs.SubscribeModuleChange("high", "net", "", 10, 0,
		func(ev types.Event, _ string, _ []types.Change) error {
			mu.Lock()
			order = append(order, "high:"+ev.String())
			mu.Unlock()
			return nil
		})
	st.subs.SubscribeModuleChange("veto", "net", "", 5, 0,
		func(ev types.Event, _ string, _ []types.Change) error {
			mu.Lock()
			order = append(order, "veto:"+ev.String())
			mu.Unlock()
			if ev == types.EventChange {
				return types.NewError(types.CodeOperationFailed, "not on my watch")
			}
			return nil
		})

	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	err := st.engine.ApplyChanges(s, 0)
	assert.Equal(t, types.CodeCallbackFailed, types.CodeOf(err))

	// Abort atomicity: nothing persisted.
	s2, _ := st.sessions.Start("bob", nil, types.DSRunning)
	_, err = s2.GetItem("/net:interfaces/interface[name='eth0']/mtu")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// The higher-priority subscriber saw CHANGE first and ABORT after
	// the veto; the vetoing subscriber itself gets no ABORT.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high:change", "veto:change", "high:abort"}, order)

	// The session keeps its pending changes after an aborted commit.
	assert.True(t, s.Modified())
}

func TestPriorityAndRegistrationOrder(t *testing.T) {
	st := newStack(t, netModule())

	var mu sync.Mutex
	var order []string
	cb := func(tag string) subscription.ModuleChangeCallback {
		return func(ev types.Event, _ string, _ []types.Change) error {
			if ev == types.EventChange {
				mu.Lock()
				order = append(order, tag)
				mu.Unlock()
			}
			return nil
		}
	}
	st.subs.SubscribeModuleChange("a", "net", "", 1, 0, cb("low"))
	st.subs.SubscribeModuleChange("b", "net", "", 7, 0, cb("first-high"))
	st.subs.SubscribeModuleChange("c", "net", "", 7, 0, cb("second-high"))

	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	require.NoError(t, st.engine.ApplyChanges(s, 0))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-high", "second-high", "low"}, order)
}

func TestDoneFailureNotPropagated(t *testing.T) {
	st := newStack(t, netModule())
	st.subs.SubscribeModuleChange("flaky", "net", "", 0, 0,
		func(ev types.Event, _ string, _ []types.Change) error {
			if ev == types.EventDone {
				return types.NewError(types.CodeInternal, "done handler crashed")
			}
			return nil
		})

	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	assert.NoError(t, st.engine.ApplyChanges(s, 0))
}

func TestValidationFailureAborts(t *testing.T) {
	sys := schema.NewModule("sys", "").AddNode(
		schema.Container("server",
			schema.Leaf("host", schema.StringType()).WithMandatory(),
			schema.Leaf("port", schema.Int32Type()),
		),
	)
	st := newStack(t, sys)
	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/sys:server/port", types.IntVal(22), 0))

	err := st.engine.ApplyChanges(s, 0)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
	assert.NotEmpty(t, types.InfoOf(err))
	assert.True(t, s.Modified(), "failed validation keeps the session dirty")
}

func TestLeafrefCrossModuleValidation(t *testing.T) {
	st := newStack(t, netModule(), refModule())

	// Dangling reference fails.
	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/ref:primary", types.StringVal("eth0"), 0))
	err := st.engine.ApplyChanges(s, 0)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
	s.DiscardChanges()

	// Satisfy the target, then the same edit commits.
	s2, _ := st.sessions.Start("bob", nil, types.DSRunning)
	require.NoError(t, s2.SetItem("/net:interfaces/interface[name='eth0']", nil, 0))
	require.NoError(t, st.engine.ApplyChanges(s2, 0))

	require.NoError(t, s.SetItem("/ref:primary", types.StringVal("eth0"), 0))
	assert.NoError(t, st.engine.ApplyChanges(s, 0))
}

func TestConcurrentCommitsLinearised(t *testing.T) {
	st := newStack(t, netModule())

	// A held write lock makes a commit wait and then time out.
	require.NoError(t, st.locks.Acquire("other", "net", types.DSRunning, types.LockExclusive, 0))

	s, _ := st.sessions.Start("alice", nil, types.DSRunning)
	require.NoError(t, s.SetItem("/net:interfaces/interface[name='eth0']/mtu", types.IntVal(9000), 0))
	err := st.engine.ApplyChanges(s, 100*time.Millisecond)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))

	require.NoError(t, st.locks.Release("other", "net", types.DSRunning))
	assert.NoError(t, st.engine.ApplyChanges(s, 0))
}

func TestCopyConfigCandidateToRunning(t *testing.T) {
	st := newStack(t, netModule())

	// Scenario: eth64 in running; candidate session sets eth32 and
	// deletes eth64.
	seed, _ := st.sessions.Start("seed", nil, types.DSRunning)
	require.NoError(t, seed.SetItem("/net:interfaces/interface[name='eth64']", nil, 0))
	require.NoError(t, st.engine.ApplyChanges(seed, 0))

	cand, _ := st.sessions.Start("alice", nil, types.DSCandidate)
	require.NoError(t, cand.SetItem("/net:interfaces/interface[name='eth32']", nil, 0))
	require.NoError(t, cand.DeleteItem("/net:interfaces/interface[name='eth64']", 0))
	require.NoError(t, st.engine.ApplyChanges(cand, 0))

	// Running still has only eth64.
	run, _ := st.sessions.Start("bob", nil, types.DSRunning)
	_, err := run.GetItem("/net:interfaces/interface[name='eth64']/name")
	assert.NoError(t, err)
	_, err = run.GetItem("/net:interfaces/interface[name='eth32']/name")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// copy-config candidate -> running.
	require.NoError(t, st.engine.CopyConfig(run.ID, "net", types.DSCandidate, types.DSRunning))
	_, err = run.GetItem("/net:interfaces/interface[name='eth32']/name")
	assert.NoError(t, err)
	_, err = run.GetItem("/net:interfaces/interface[name='eth64']/name")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestApplyOnOperationalRejected(t *testing.T) {
	st := newStack(t, netModule())
	s, _ := st.sessions.Start("alice", nil, types.DSOperational)
	err := st.engine.ApplyChanges(s, 0)
	assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
}
