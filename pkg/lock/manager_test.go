package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 200*time.Millisecond)
}

func TestExclusiveExcludes(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockExclusive, 0))

	err := m.Acquire("s2", "net", types.DSRunning, types.LockExclusive, 50*time.Millisecond)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))

	require.NoError(t, m.Release("s1", "net", types.DSRunning))
	require.NoError(t, m.Acquire("s2", "net", types.DSRunning, types.LockExclusive, 0))
}

func TestSharedReadersCoexist(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockShared, 0))
	require.NoError(t, m.Acquire("s2", "net", types.DSRunning, types.LockShared, 0))

	err := m.Acquire("s3", "net", types.DSRunning, types.LockExclusive, 50*time.Millisecond)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))

	require.NoError(t, m.Release("s1", "net", types.DSRunning))
	require.NoError(t, m.Release("s2", "net", types.DSRunning))
	require.NoError(t, m.Acquire("s3", "net", types.DSRunning, types.LockExclusive, 0))
}

func TestWaiterGetsLockOnRelease(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockExclusive, 0))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire("s2", "net", types.DSRunning, types.LockExclusive, 2*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Release("s1", "net", types.DSRunning))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestTryAcquireReturnsLocked(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockExclusive, 0))
	err := m.TryAcquire("s2", "net", types.DSRunning, types.LockExclusive)
	assert.Equal(t, types.CodeLocked, types.CodeOf(err))
}

func TestCandidateNotLockable(t *testing.T) {
	m := newManager(t)
	err := m.Lock("s1", "net", types.DSCandidate, types.LockExclusive, 0)
	assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
	err = m.LockAll("s1", []string{"net"}, types.DSCandidate, types.LockExclusive, 0)
	assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
}

func TestLockRefusedOnUncommittedChanges(t *testing.T) {
	m := newManager(t)
	dirty := map[string]bool{"net": true}
	m.SetModifiedCheck(func(module string, _ types.Datastore) bool { return dirty[module] })

	err := m.Lock("s1", "net", types.DSRunning, types.LockExclusive, 0)
	assert.Equal(t, types.CodeOperationFailed, types.CodeOf(err))

	dirty["net"] = false
	assert.NoError(t, m.Lock("s1", "net", types.DSRunning, types.LockExclusive, 0))
}

func TestLockAllRollsBackOnFailure(t *testing.T) {
	m := newManager(t)
	// s2 holds "b"; the datastore-wide lock of s1 must fail and leave
	// "a" free again.
	require.NoError(t, m.Acquire("s2", "b", types.DSRunning, types.LockExclusive, 0))

	err := m.LockAll("s1", []string{"a", "b", "c"}, types.DSRunning, types.LockExclusive, 50*time.Millisecond)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))
	assert.Nil(t, m.Holder("a", types.DSRunning))
	assert.Nil(t, m.Holder("c", types.DSRunning))

	require.NoError(t, m.Release("s2", "b", types.DSRunning))
	require.NoError(t, m.LockAll("s1", []string{"a", "b", "c"}, types.DSRunning, types.LockExclusive, 0))
	m.UnlockAll("s1", []string{"a", "b", "c"}, types.DSRunning)
	assert.Nil(t, m.Holder("b", types.DSRunning))
}

func TestReleaseSessionDropsEverything(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "a", types.DSRunning, types.LockExclusive, 0))
	require.NoError(t, m.Acquire("s1", "b", types.DSStartup, types.LockShared, 0))

	m.ReleaseSession("s1")
	assert.Nil(t, m.Holder("a", types.DSRunning))
	assert.Nil(t, m.Holder("b", types.DSStartup))
	require.NoError(t, m.Acquire("s2", "a", types.DSRunning, types.LockExclusive, 0))
}

func TestHolderRecord(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockExclusive, 0))
	rec := m.Holder("net", types.DSRunning)
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, types.LockExclusive, rec.Mode)
	assert.Equal(t, types.DSRunning, rec.Datastore)
	assert.False(t, rec.AcquiredAt.IsZero())
}

func TestReleaseWithoutHoldFails(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Acquire("s1", "net", types.DSRunning, types.LockShared, 0))
	err := m.Release("s2", "net", types.DSRunning)
	assert.Equal(t, types.CodeInvalArg, types.CodeOf(err))
}
