package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// MemPlugin is a volatile in-memory backend: the default for the
// operational datastore and the workhorse of the test suite. Semantics
// mirror BoltPlugin, including the candidate-mirrors-running fallback.
type MemPlugin struct {
	name string

	mu     sync.RWMutex
	data   map[string][]byte // module@ds -> tree document
	access map[string]types.DSAccess
	notifs map[string][]*types.Notification
}

// NewMemPlugin creates an empty in-memory plugin.
func NewMemPlugin(name string) *MemPlugin {
	return &MemPlugin{
		name:   name,
		data:   make(map[string][]byte),
		access: make(map[string]types.DSAccess),
		notifs: make(map[string][]*types.Notification),
	}
}

func (p *MemPlugin) Name() string { return p.name }

func (p *MemPlugin) Close() error { return nil }

func key(module string, ds types.Datastore) string {
	return types.FormatLockKey(module, ds)
}

func (p *MemPlugin) Init(module string, ds types.Datastore, initial []byte) error {
	if !ds.Valid() {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[key(module, ds)]; ok {
		return nil
	}
	if initial == nil {
		initial = []byte{}
	}
	p.data[key(module, ds)] = initial
	return nil
}

func (p *MemPlugin) Load(module string, ds types.Datastore, _ []string) ([]byte, error) {
	if !ds.Valid() {
		return nil, types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key(module, ds)]
	if !ok && ds == types.DSCandidate {
		v, ok = p.data[key(module, types.DSRunning)]
	}
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (p *MemPlugin) Store(module string, ds types.Datastore, data []byte) error {
	if !ds.Valid() {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key(module, ds)] = append([]byte(nil), data...)
	return nil
}

func (p *MemPlugin) Copy(module string, src, dst types.Datastore) error {
	if !src.Valid() || !dst.Valid() {
		return types.Errorf(types.CodeInvalArg, "unknown datastore in copy %s -> %s", src, dst)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key(module, src)]
	if !ok && src == types.DSCandidate {
		v, ok = p.data[key(module, types.DSRunning)]
	}
	if !ok {
		delete(p.data, key(module, dst))
		return nil
	}
	p.data[key(module, dst)] = append([]byte(nil), v...)
	return nil
}

func (p *MemPlugin) CandidateReset(module string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key(module, types.DSCandidate))
	return nil
}

func (p *MemPlugin) Destroy(module string, ds types.Datastore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key(module, ds))
	delete(p.access, key(module, ds))
	return nil
}

func (p *MemPlugin) AccessGet(module string, ds types.Datastore) (types.DSAccess, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.access[key(module, ds)], nil
}

func (p *MemPlugin) AccessSet(module string, ds types.Datastore, access types.DSAccess) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access[key(module, ds)] = access
	return nil
}

func (p *MemPlugin) AccessCheck(module string, ds types.Datastore, user string, groups []string, write bool) (bool, error) {
	access, err := p.AccessGet(module, ds)
	if err != nil {
		return false, err
	}
	return CheckAccess(access, user, groups, write), nil
}

func (p *MemPlugin) Append(module string, notif *types.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := *notif
	p.notifs[module] = append(p.notifs[module], &n)
	return nil
}

func (p *MemPlugin) Replay(module string, from, to time.Time) ([]*types.Notification, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*types.Notification
	for _, n := range p.notifs[module] {
		if n.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !n.Timestamp.Before(to) {
			continue
		}
		c := *n
		c.Replayed = true
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (p *MemPlugin) Earliest(module string) (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var earliest time.Time
	for _, n := range p.notifs[module] {
		if earliest.IsZero() || n.Timestamp.Before(earliest) {
			earliest = n.Timestamp
		}
	}
	return earliest, nil
}

func (p *MemPlugin) DestroyLog(module string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notifs, module)
	return nil
}
