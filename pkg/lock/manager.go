package lock

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// ModifiedCheck reports whether any session holds uncommitted changes
// for the module in the datastore. The session layer wires it in; the
// manager uses it to refuse explicit locks on dirty modules.
type ModifiedCheck func(module string, ds types.Datastore) bool

// Manager coordinates per-(module, datastore) reader/writer locks with
// timeouts, optionally backed by advisory file locks so cooperating
// processes observe them too.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*lockState
	dir    string
	logger zerolog.Logger

	defaultTimeout time.Duration
	modifiedCheck  ModifiedCheck
}

type lockState struct {
	readers map[string]int // session id -> hold count
	writer  string         // session id, "" when free

	// changed is closed and replaced on every release so waiters can
	// retry; a fair-enough broadcast without busy spinning.
	changed chan struct{}

	fl  *flock.Flock
	rec types.LockRecord
}

// NewManager creates a lock manager. lockDir enables advisory file
// locks when non-empty; defaultTimeout bounds acquisitions that pass
// no explicit timeout.
func NewManager(lockDir string, defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &Manager{
		locks:          make(map[string]*lockState),
		dir:            lockDir,
		logger:         log.WithComponent("lock"),
		defaultTimeout: defaultTimeout,
	}
}

// SetModifiedCheck installs the uncommitted-changes probe.
func (m *Manager) SetModifiedCheck(fn ModifiedCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifiedCheck = fn
}

// Lock is the client-facing lock operation. It refuses the candidate
// datastore (single writer per session by construction) and any module
// that has uncommitted changes in some session.
func (m *Manager) Lock(sessionID, module string, ds types.Datastore, mode types.LockMode, timeout time.Duration) error {
	if ds == types.DSCandidate {
		return types.Errorf(types.CodeUnsupported, "candidate datastore is not lockable")
	}
	m.mu.Lock()
	check := m.modifiedCheck
	m.mu.Unlock()
	if check != nil && check(module, ds) {
		return types.Errorf(types.CodeOperationFailed,
			"module %q has uncommitted changes; apply or discard them first", module)
	}
	return m.Acquire(sessionID, module, ds, mode, timeout)
}

// Unlock releases a client-held lock.
func (m *Manager) Unlock(sessionID, module string, ds types.Datastore) error {
	return m.Release(sessionID, module, ds)
}

// LockAll atomically acquires the lock for every module: on any
// failure, already-acquired locks are rolled back before the error is
// returned. Modules are taken in sorted order so two datastore-wide
// locks cannot deadlock against each other.
func (m *Manager) LockAll(sessionID string, modules []string, ds types.Datastore, mode types.LockMode, timeout time.Duration) error {
	if ds == types.DSCandidate {
		return types.Errorf(types.CodeUnsupported, "candidate datastore is not lockable")
	}
	ordered := append([]string(nil), modules...)
	sort.Strings(ordered)

	m.mu.Lock()
	check := m.modifiedCheck
	m.mu.Unlock()
	if check != nil {
		for _, mod := range ordered {
			if check(mod, ds) {
				return types.Errorf(types.CodeOperationFailed,
					"module %q has uncommitted changes; apply or discard them first", mod)
			}
		}
	}

	var held []string
	for _, mod := range ordered {
		if err := m.Acquire(sessionID, mod, ds, mode, timeout); err != nil {
			for _, h := range held {
				_ = m.Release(sessionID, h, ds)
			}
			return err
		}
		held = append(held, mod)
	}
	return nil
}

// UnlockAll releases the datastore-wide lock.
func (m *Manager) UnlockAll(sessionID string, modules []string, ds types.Datastore) {
	for _, mod := range modules {
		_ = m.Release(sessionID, mod, ds)
	}
}

// Acquire takes the (module, datastore) lock in the given mode without
// the client-surface rules; the commit engine locks its own touched
// modules through this.
func (m *Manager) Acquire(sessionID, module string, ds types.Datastore, mode types.LockMode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	key := types.FormatLockKey(module, ds)

	m.mu.Lock()
	for {
		st := m.state(key)
		if m.grantable(st, sessionID, mode) {
			m.grant(st, sessionID, module, ds, mode)
			m.mu.Unlock()
			if err := m.fileLock(st, mode, deadline); err != nil {
				_ = m.Release(sessionID, module, ds)
				return err
			}
			return nil
		}
		ch := st.changed
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Errorf(types.CodeTimeout, "timeout waiting for lock on %s", key)
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return types.Errorf(types.CodeTimeout, "timeout waiting for lock on %s", key)
		}
		m.mu.Lock()
	}
}

// TryAcquire attempts the lock without waiting, returning LOCKED when
// contended.
func (m *Manager) TryAcquire(sessionID, module string, ds types.Datastore, mode types.LockMode) error {
	key := types.FormatLockKey(module, ds)
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(key)
	if !m.grantable(st, sessionID, mode) {
		return types.Errorf(types.CodeLocked, "%s is locked by session %s", key, st.holder())
	}
	m.grant(st, sessionID, module, ds, mode)
	return nil
}

// Release drops one hold of the session on the lock.
func (m *Manager) Release(sessionID, module string, ds types.Datastore) error {
	key := types.FormatLockKey(module, ds)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[key]
	if !ok {
		return types.Errorf(types.CodeInvalArg, "no lock state for %s", key)
	}
	released := false
	if st.writer == sessionID {
		st.writer = ""
		released = true
	} else if st.readers[sessionID] > 0 {
		st.readers[sessionID]--
		if st.readers[sessionID] == 0 {
			delete(st.readers, sessionID)
		}
		released = true
	}
	if !released {
		return types.Errorf(types.CodeInvalArg, "session %s does not hold %s", sessionID, key)
	}
	if st.fl != nil && st.writer == "" && len(st.readers) == 0 {
		if err := st.fl.Unlock(); err != nil {
			m.logger.Warn().Err(err).Str("lock", key).Msg("failed to release file lock")
		}
	}
	st.broadcast()
	return nil
}

// ReleaseSession drops every lock the session still holds; called on
// session end.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, st := range m.locks {
		changed := false
		if st.writer == sessionID {
			st.writer = ""
			changed = true
		}
		if st.readers[sessionID] > 0 {
			delete(st.readers, sessionID)
			changed = true
		}
		if changed {
			if st.fl != nil && st.writer == "" && len(st.readers) == 0 {
				if err := st.fl.Unlock(); err != nil {
					m.logger.Warn().Err(err).Str("lock", key).Msg("failed to release file lock")
				}
			}
			st.broadcast()
		}
	}
}

// Holder returns the current lock record of the key, or nil when free.
func (m *Manager) Holder(module string, ds types.Datastore) *types.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[types.FormatLockKey(module, ds)]
	if !ok || (st.writer == "" && len(st.readers) == 0) {
		return nil
	}
	rec := st.rec
	return &rec
}

func (m *Manager) state(key string) *lockState {
	st, ok := m.locks[key]
	if !ok {
		st = &lockState{
			readers: make(map[string]int),
			changed: make(chan struct{}),
		}
		if m.dir != "" {
			st.fl = flock.New(filepath.Join(m.dir, key+".lock"))
		}
		m.locks[key] = st
	}
	return st
}

func (m *Manager) grantable(st *lockState, sessionID string, mode types.LockMode) bool {
	if mode == types.LockExclusive {
		if st.writer != "" {
			return false
		}
		for sid := range st.readers {
			if sid != sessionID {
				return false
			}
		}
		return true
	}
	return st.writer == "" || st.writer == sessionID
}

func (m *Manager) grant(st *lockState, sessionID, module string, ds types.Datastore, mode types.LockMode) {
	if mode == types.LockExclusive {
		st.writer = sessionID
	} else {
		st.readers[sessionID]++
	}
	st.rec = types.LockRecord{
		Module:     module,
		Datastore:  ds,
		SessionID:  sessionID,
		Mode:       mode,
		AcquiredAt: time.Now(),
	}
}

// fileLock takes the advisory file lock matching the in-process grant.
// Only the first holder touches the file; further shared holds ride on
// it.
func (m *Manager) fileLock(st *lockState, mode types.LockMode, deadline time.Time) error {
	if st.fl == nil {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return types.WrapError(types.CodeSys, err, "cannot create lock directory")
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if mode == types.LockExclusive {
		ok, err = st.fl.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		if st.fl.Locked() || st.fl.RLocked() {
			return nil
		}
		ok, err = st.fl.TryRLockContext(ctx, 25*time.Millisecond)
	}
	if err != nil {
		if ctx.Err() != nil {
			return types.Errorf(types.CodeTimeout, "timeout waiting for file lock %s", st.fl.Path())
		}
		return types.WrapError(types.CodeSys, err, "file lock failed")
	}
	if !ok {
		return types.Errorf(types.CodeTimeout, "timeout waiting for file lock %s", st.fl.Path())
	}
	return nil
}

func (st *lockState) broadcast() {
	close(st.changed)
	st.changed = make(chan struct{})
}

func (st *lockState) holder() string {
	if st.writer != "" {
		return st.writer
	}
	for sid := range st.readers {
		return sid
	}
	return ""
}
