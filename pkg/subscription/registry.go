package subscription

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/types"
)

// ModuleChangeCallback is invoked for each transaction phase in the
// subscription's event mask. Returning an error from a CHANGE event
// vetoes the commit.
type ModuleChangeCallback func(event types.Event, module string, changes []types.Change) error

// OperGetCallback supplies operational data for the subscribed
// subtree: (path, value) pairs under the subscription's xpath.
type OperGetCallback func(xpath string) ([]types.Field, error)

// RPCCallback handles one RPC or action invocation.
type RPCCallback func(input []types.Field) ([]types.Field, error)

// NotifCallback receives live and replayed notifications.
// replayComplete marks the end of the replay window.
type NotifCallback func(notif *types.Notification, replayComplete bool)

// ModuleChangeSub is a registered module-change subscription.
type ModuleChangeSub struct {
	ID        string
	SessionID string
	Module    string
	XPath     string
	Priority  int
	Mask      types.EventMask
	Callback  ModuleChangeCallback

	seq int
}

// OperSub is a registered operational pull provider.
type OperSub struct {
	ID        string
	SessionID string
	Path      string
	Timeout   time.Duration
	Callback  OperGetCallback
}

// RPCSub is a registered RPC/action handler.
type RPCSub struct {
	ID        string
	SessionID string
	Path      string
	Callback  RPCCallback
}

// NotifSub is a registered notification subscriber.
type NotifSub struct {
	ID        string
	SessionID string
	Module    string
	XPath     string
	Callback  NotifCallback

	ch   chan *types.Notification
	done chan struct{}
}

// Registry tracks every subscription kind. It is reader-mostly: commit
// dispatch and operational reads take the read lock, subscribe and
// garbage collection the write lock.
type Registry struct {
	mu sync.RWMutex

	seq          int
	moduleChange map[string]*ModuleChangeSub
	oper         map[string]*OperSub
	rpc          map[string]*RPCSub
	notif        map[string]*NotifSub
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		moduleChange: make(map[string]*ModuleChangeSub),
		oper:         make(map[string]*OperSub),
		rpc:          make(map[string]*RPCSub),
		notif:        make(map[string]*NotifSub),
	}
}

// SubscribeModuleChange registers a change subscriber for a module.
// xpath narrows delivery to matching paths; mask selects events, 0
// meaning all phases.
func (r *Registry) SubscribeModuleChange(sessionID, module, xpath string, priority int, mask types.EventMask, cb ModuleChangeCallback) *ModuleChangeSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mask == 0 {
		mask = types.DefaultEventMask
	}
	r.seq++
	sub := &ModuleChangeSub{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Module:    module,
		XPath:     xpath,
		Priority:  priority,
		Mask:      mask,
		Callback:  cb,
		seq:       r.seq,
	}
	r.moduleChange[sub.ID] = sub
	return sub
}

// SubscribeOperGet registers an operational pull provider for a
// subtree.
func (r *Registry) SubscribeOperGet(sessionID, path string, timeout time.Duration, cb OperGetCallback) *OperSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sub := &OperSub{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Timeout:   timeout,
		Callback:  cb,
	}
	r.oper[sub.ID] = sub
	return sub
}

// SubscribeRPC registers a handler for the RPC or action at path. Only
// one handler per operation may exist.
func (r *Registry) SubscribeRPC(sessionID, path string, cb RPCCallback) (*RPCSub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rpc {
		if s.Path == path {
			return nil, types.Errorf(types.CodeDataExists, "RPC %s already has a handler", path)
		}
	}
	sub := &RPCSub{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Callback:  cb,
	}
	r.rpc[sub.ID] = sub
	return sub, nil
}

// SubscribeNotif registers a notification subscriber. Delivery is
// asynchronous through a per-subscriber buffered channel drained by a
// dedicated goroutine, so a slow subscriber cannot stall the sender.
func (r *Registry) SubscribeNotif(sessionID, module, xpath string, cb NotifCallback) *NotifSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &NotifSub{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Module:    module,
		XPath:     xpath,
		Callback:  cb,
		ch:        make(chan *types.Notification, 50),
		done:      make(chan struct{}),
	}
	r.notif[sub.ID] = sub
	go sub.run()
	return sub
}

func (s *NotifSub) run() {
	for {
		select {
		case n, ok := <-s.ch:
			if !ok {
				return
			}
			if n == nil {
				s.Callback(nil, true)
				continue
			}
			s.Callback(n, false)
		case <-s.done:
			return
		}
	}
}

// Deliver enqueues a notification for the subscriber; nil marks replay
// completion. A full buffer drops the event rather than blocking the
// sender.
func (s *NotifSub) Deliver(n *types.Notification) {
	select {
	case s.ch <- n:
	default:
	}
}

// Unsubscribe removes a subscription of any kind by ID.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.moduleChange[id]; ok {
		delete(r.moduleChange, id)
		return nil
	}
	if _, ok := r.oper[id]; ok {
		delete(r.oper, id)
		return nil
	}
	if _, ok := r.rpc[id]; ok {
		delete(r.rpc, id)
		return nil
	}
	if s, ok := r.notif[id]; ok {
		close(s.done)
		delete(r.notif, id)
		return nil
	}
	return types.Errorf(types.CodeNotFound, "no subscription %s", id)
}

// UnsubscribeSession garbage-collects every subscription of a session,
// used on session stop and on transport-detected subscriber death.
func (r *Registry) UnsubscribeSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.moduleChange {
		if s.SessionID == sessionID {
			delete(r.moduleChange, id)
		}
	}
	for id, s := range r.oper {
		if s.SessionID == sessionID {
			delete(r.oper, id)
		}
	}
	for id, s := range r.rpc {
		if s.SessionID == sessionID {
			delete(r.rpc, id)
		}
	}
	for id, s := range r.notif {
		if s.SessionID == sessionID {
			close(s.done)
			delete(r.notif, id)
		}
	}
}

// ModuleChangeSubs returns the module's change subscribers ordered by
// descending priority, registration order within a priority.
func (r *Registry) ModuleChangeSubs(module string) []*ModuleChangeSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ModuleChangeSub
	for _, s := range r.moduleChange {
		if s.Module == module {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// SubscribedModules returns every module with at least one change
// subscriber.
func (r *Registry) SubscribedModules() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{})
	for _, s := range r.moduleChange {
		out[s.Module] = struct{}{}
	}
	return out
}

// OperSubsUnder returns the pull providers whose subtree intersects
// the requested path, shortest (least specific) path first.
func (r *Registry) OperSubsUnder(path string) []*OperSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*OperSub
	for _, s := range r.oper {
		if PathsOverlap(s.Path, path) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Path) < len(out[j].Path)
	})
	return out
}

// RPCHandler resolves the handler registered for the operation path.
func (r *Registry) RPCHandler(path string) (*RPCSub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rpc {
		if s.Path == path {
			return s, nil
		}
	}
	return nil, types.Errorf(types.CodeNotFound, "no handler for RPC %s", path)
}

// NotifSubs returns the notification subscribers matching the module
// and path.
func (r *Registry) NotifSubs(module, path string) []*NotifSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*NotifSub
	for _, s := range r.notif {
		if s.Module != module {
			continue
		}
		if s.XPath != "" && !PathMatches(s.XPath, path) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Counts returns the number of live subscriptions per kind, for the
// health and metrics surfaces.
func (r *Registry) Counts() (moduleChange, oper, rpc, notif int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.moduleChange), len(r.oper), len(r.rpc), len(r.notif)
}

// PathMatches reports whether path falls under filter: equal, or a
// descendant on a step boundary.
func PathMatches(filter, path string) bool {
	if filter == "" || filter == path {
		return true
	}
	return strings.HasPrefix(path, filter) &&
		(len(path) == len(filter) || path[len(filter)] == '/' || path[len(filter)] == '[')
}

// PathsOverlap reports whether either path is an ancestor of (or equal
// to) the other.
func PathsOverlap(a, b string) bool {
	return PathMatches(a, b) || PathMatches(b, a)
}

// FilterChanges narrows a change list to the entries matching the
// subscription's xpath filter.
func FilterChanges(xpath string, changes []types.Change) []types.Change {
	if xpath == "" {
		return changes
	}
	var out []types.Change
	for _, c := range changes {
		if PathMatches(xpath, c.Path) {
			out = append(out, c)
		}
	}
	return out
}
