package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// Store is the narrow view of the daemon a session needs: the current
// schema context and baseline trees.
type Store interface {
	Context() *schema.Context
	LoadTree(module string, ds types.Datastore) (*datatree.Tree, error)
}

// OpKind is the kind of one buffered operation.
type OpKind string

const (
	OpSet     OpKind = "set"
	OpDelete  OpKind = "delete"
	OpMove    OpKind = "move"
	OpReplace OpKind = "replace"
)

// PendingOp is one buffered edit. HasError is set by refresh when the
// op no longer applies against a changed baseline.
type PendingOp struct {
	Kind     OpKind
	Path     string
	Value    *types.Value
	Flags    types.EditFlag
	Position types.MovePosition
	RelPath  string

	// Replace only.
	Module string
	Tree   *datatree.Tree

	HasError bool
	Error    string
}

// Session is one client's transient view: current datastore, identity,
// per-module working copies (copy-on-first-touch), and the buffered
// operation log.
type Session struct {
	ID     string
	User   string
	Groups []string

	mu      sync.Mutex
	store   Store
	logger  zerolog.Logger
	ds      types.Datastore
	pending []PendingOp
	working map[string]*datatree.Tree
	base    map[string]*datatree.Tree
}

// Manager owns the session table.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	sessions map[string]*Session
	logger   zerolog.Logger
}

// NewManager creates an empty session manager.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("session"),
	}
}

// Start opens a session on the given datastore.
func (m *Manager) Start(user string, groups []string, ds types.Datastore) (*Session, error) {
	if !ds.Valid() {
		return nil, types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	s := &Session{
		ID:      uuid.NewString(),
		User:    user,
		Groups:  groups,
		store:   m.store,
		ds:      ds,
		working: make(map[string]*datatree.Tree),
		base:    make(map[string]*datatree.Tree),
	}
	s.logger = log.WithSession(s.ID)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Debug().Str("session_id", s.ID).Str("user", user).Msg("session started")
	return s, nil
}

// Get resolves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.Errorf(types.CodeNotFound, "no session %q", id)
	}
	return s, nil
}

// Stop removes the session from the table. Lock release and
// subscription GC are the daemon's responsibility.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return types.Errorf(types.CodeNotFound, "no session %q", id)
	}
	delete(m.sessions, id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AnyModified reports whether any session holds uncommitted changes
// for (module, ds); the lock manager's modification-before-lock rule
// is built on it.
func (m *Manager) AnyModified(module string, ds types.Datastore) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ModifiedIn(module, ds) {
			return true
		}
	}
	return false
}

// Datastore returns the session's current datastore.
func (s *Session) Datastore() types.Datastore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds
}

// SwitchDatastore changes the session's datastore selection. Pending
// changes are tied to the previous selection, so switching while dirty
// is refused.
func (s *Session) SwitchDatastore(ds types.Datastore) error {
	if !ds.Valid() {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		return types.Errorf(types.CodeOperationFailed,
			"session has uncommitted changes; apply or discard them before switching datastores")
	}
	s.ds = ds
	s.working = make(map[string]*datatree.Tree)
	s.base = make(map[string]*datatree.Tree)
	return nil
}

// Modified reports whether the session has uncommitted changes.
func (s *Session) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// ModifiedIn reports whether the session has uncommitted changes for
// the module in the datastore.
func (s *Session) ModifiedIn(module string, ds types.Datastore) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ds != ds || len(s.pending) == 0 {
		return false
	}
	_, touched := s.working[module]
	return touched
}

// TouchedModules returns the modules with a working copy, i.e. those a
// commit would write.
func (s *Session) TouchedModules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.working))
	for m := range s.working {
		out = append(out, m)
	}
	return out
}

// Working returns the working copy and recorded baseline of a touched
// module; the commit engine diffs and persists them.
func (s *Session) Working(module string) (working, base *datatree.Tree, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.working[module]
	if !ok {
		return nil, nil, false
	}
	return w, s.base[module], true
}

// Pending returns a copy of the buffered operation log.
func (s *Session) Pending() []PendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingOp(nil), s.pending...)
}

// workingLocked returns (creating on first touch) the working copy of
// the module owning the path.
func (s *Session) workingLocked(module string) (*datatree.Tree, error) {
	if t, ok := s.working[module]; ok {
		return t, nil
	}
	baseline, err := s.store.LoadTree(module, s.ds)
	if err != nil {
		return nil, err
	}
	s.base[module] = baseline
	w := baseline.DeepCopy()
	s.working[module] = w
	return w, nil
}

// SetItem buffers a set operation and applies it to the working copy.
func (s *Session) SetItem(path string, value *types.Value, flags types.EditFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := datatree.ParsePath(s.store.Context(), path)
	if err != nil {
		return err
	}
	w, err := s.workingLocked(p.Module())
	if err != nil {
		return err
	}
	if err := w.Set(p, value, flags); err != nil {
		return err
	}
	s.pending = append(s.pending, PendingOp{Kind: OpSet, Path: path, Value: value, Flags: flags})
	return nil
}

// DeleteItem buffers a delete operation.
func (s *Session) DeleteItem(path string, flags types.EditFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := datatree.ParsePath(s.store.Context(), path)
	if err != nil {
		return err
	}
	w, err := s.workingLocked(p.Module())
	if err != nil {
		return err
	}
	if err := w.Delete(p, flags); err != nil {
		return err
	}
	s.pending = append(s.pending, PendingOp{Kind: OpDelete, Path: path, Flags: flags})
	return nil
}

// MoveItem buffers a move of a user-ordered list entry.
func (s *Session) MoveItem(path string, position types.MovePosition, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.store.Context()
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return err
	}
	var rel *datatree.Path
	if relPath != "" {
		rel, err = datatree.ParsePath(ctx, relPath)
		if err != nil {
			return err
		}
	}
	w, err := s.workingLocked(p.Module())
	if err != nil {
		return err
	}
	if err := w.Move(p, position, rel); err != nil {
		return err
	}
	s.pending = append(s.pending, PendingOp{Kind: OpMove, Path: path, Position: position, RelPath: relPath})
	return nil
}

// BatchEdit is one entry of an edit batch. Op overrides the batch's
// default operation when non-empty.
type BatchEdit struct {
	Path  string
	Value *types.Value
	Op    string // "merge" or "remove"
}

// EditBatch applies a batch of edits under a default operation.
func (s *Session) EditBatch(edits []BatchEdit, defaultOp string) error {
	if defaultOp == "" {
		defaultOp = "merge"
	}
	for _, e := range edits {
		op := e.Op
		if op == "" {
			op = defaultOp
		}
		switch op {
		case "merge":
			if err := s.SetItem(e.Path, e.Value, 0); err != nil {
				return err
			}
		case "remove":
			if err := s.DeleteItem(e.Path, 0); err != nil {
				return err
			}
		default:
			return types.Errorf(types.CodeInvalArg, "unknown edit operation %q", op)
		}
	}
	return nil
}

// ReplaceConfig replaces the module's whole working copy with the
// given tree.
func (s *Session) ReplaceConfig(module string, tree *datatree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Context().Module(module) == nil {
		return types.Errorf(types.CodeNotFound, "unknown module %q", module)
	}
	if _, err := s.workingLocked(module); err != nil {
		return err
	}
	s.working[module] = tree.DeepCopy()
	s.pending = append(s.pending, PendingOp{Kind: OpReplace, Module: module, Tree: tree.DeepCopy()})
	return nil
}

// DiscardChanges drops every buffered operation and working copy.
func (s *Session) DiscardChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.working = make(map[string]*datatree.Tree)
	s.base = make(map[string]*datatree.Tree)
}

// Reset clears the operation log after a successful commit, keeping
// nothing cached so later reads observe the stored state.
func (s *Session) Reset() {
	s.DiscardChanges()
}

// Refresh reloads the baselines and replays the buffered operations
// against them. Ops that no longer apply stay in the log tagged with
// their error; with continueOnError false the first failure is returned
// (the remaining ops are still replayed and tagged).
func (s *Session) Refresh(continueOnError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.pending
	s.pending = nil
	s.working = make(map[string]*datatree.Tree)
	s.base = make(map[string]*datatree.Tree)

	var firstErr error
	ctx := s.store.Context()
	for i := range ops {
		op := &ops[i]
		op.HasError = false
		op.Error = ""
		err := s.replayLocked(ctx, op)
		if err != nil {
			op.HasError = true
			op.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		}
		s.pending = append(s.pending, *op)
	}
	if firstErr != nil && !continueOnError {
		return types.WrapError(types.CodeOf(firstErr), firstErr, "refresh replay failed")
	}
	return nil
}

func (s *Session) replayLocked(ctx *schema.Context, op *PendingOp) error {
	switch op.Kind {
	case OpSet:
		p, err := datatree.ParsePath(ctx, op.Path)
		if err != nil {
			return err
		}
		w, err := s.workingLocked(p.Module())
		if err != nil {
			return err
		}
		return w.Set(p, op.Value, op.Flags)
	case OpDelete:
		p, err := datatree.ParsePath(ctx, op.Path)
		if err != nil {
			return err
		}
		w, err := s.workingLocked(p.Module())
		if err != nil {
			return err
		}
		return w.Delete(p, op.Flags)
	case OpMove:
		p, err := datatree.ParsePath(ctx, op.Path)
		if err != nil {
			return err
		}
		var rel *datatree.Path
		if op.RelPath != "" {
			rel, err = datatree.ParsePath(ctx, op.RelPath)
			if err != nil {
				return err
			}
		}
		w, err := s.workingLocked(p.Module())
		if err != nil {
			return err
		}
		return w.Move(p, op.Position, rel)
	case OpReplace:
		if _, err := s.workingLocked(op.Module); err != nil {
			return err
		}
		s.working[op.Module] = op.Tree.DeepCopy()
		return nil
	}
	return types.Errorf(types.CodeInternal, "unknown pending op %q", op.Kind)
}

// Validate runs schema validation on every touched module's working
// copy with defaults materialised, returning per-path errors.
func (s *Session) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.store.Context()
	var all []types.ErrorInfo
	for module, w := range s.working {
		mod := ctx.Module(module)
		if mod == nil {
			all = append(all, types.ErrorInfo{Path: "/" + module + ":", Message: "module no longer in schema"})
			continue
		}
		check := w.DeepCopy()
		check.ApplyDefaults(mod)
		all = append(all, check.Validate(mod)...)
	}
	if len(all) > 0 {
		e := types.NewError(types.CodeValidationFailed, "validation failed")
		e.Info = all
		return e
	}
	return nil
}
