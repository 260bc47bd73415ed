package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Plugin is the contract every datastore backend implements. Data is
// exchanged as serialized tree documents; the engine above owns
// parsing, validation, and xpath filtering. Plugins that cannot filter
// server-side ignore the xpaths argument and return the full tree.
type Plugin interface {
	Name() string

	// Init creates the module's data slot in a datastore, seeding it
	// with initial data (may be nil for empty).
	Init(module string, ds types.Datastore, initial []byte) error

	// Load returns the stored tree document, nil when never written.
	Load(module string, ds types.Datastore, xpaths []string) ([]byte, error)

	// Store replaces the stored tree document.
	Store(module string, ds types.Datastore, data []byte) error

	// Copy duplicates the module's data from one datastore to another.
	Copy(module string, src, dst types.Datastore) error

	// CandidateReset drops the candidate copy so it mirrors running
	// again.
	CandidateReset(module string) error

	// Destroy discards every trace of the module in the datastore,
	// called on module removal.
	Destroy(module string, ds types.Datastore) error

	// Access control metadata per (module, datastore).
	AccessGet(module string, ds types.Datastore) (types.DSAccess, error)
	AccessSet(module string, ds types.Datastore, access types.DSAccess) error
	AccessCheck(module string, ds types.Datastore, user string, groups []string, write bool) (bool, error)

	Close() error
}

// NotificationPlugin is the contract of a notification replay backend.
type NotificationPlugin interface {
	Name() string

	// Append stores one notification under its timestamp.
	Append(module string, notif *types.Notification) error

	// Replay returns stored notifications with from <= timestamp < to,
	// in timestamp order. A zero to means no upper bound.
	Replay(module string, from, to time.Time) ([]*types.Notification, error)

	// Earliest returns the timestamp of the oldest stored notification,
	// zero when the log is empty.
	Earliest(module string) (time.Time, error)

	// DestroyLog discards the module's stored notifications.
	DestroyLog(module string) error

	Close() error
}

// Registry holds the plugins the daemon was wired with, by name.
// Module records bind datastores to plugin names resolved here.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	notif   map[string]NotificationPlugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		notif:   make(map[string]NotificationPlugin),
	}
}

// Register adds a datastore plugin. Registering a duplicate name is a
// wiring bug and fails.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.plugins[p.Name()]; dup {
		return fmt.Errorf("storage plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

// RegisterNotification adds a notification plugin.
func (r *Registry) RegisterNotification(p NotificationPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.notif[p.Name()]; dup {
		return fmt.Errorf("notification plugin %q already registered", p.Name())
	}
	r.notif[p.Name()] = p
	return nil
}

// Get resolves a datastore plugin by name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, types.Errorf(types.CodeNotFound, "storage plugin %q is not registered", name)
	}
	return p, nil
}

// GetNotification resolves a notification plugin by name.
func (r *Registry) GetNotification(name string) (NotificationPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.notif[name]
	if !ok {
		return nil, types.Errorf(types.CodeNotFound, "notification plugin %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered datastore plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	return out
}

// Close closes every registered plugin, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, p := range r.plugins {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range r.notif {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
