package types

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Datastore identifies one of the logical datastores a module's data
// can live in.
type Datastore string

const (
	DSStartup        Datastore = "startup"
	DSRunning        Datastore = "running"
	DSCandidate      Datastore = "candidate"
	DSOperational    Datastore = "operational"
	DSFactoryDefault Datastore = "factory-default"
)

// Datastores lists every addressable datastore in a stable order.
var Datastores = []Datastore{
	DSStartup,
	DSRunning,
	DSCandidate,
	DSOperational,
	DSFactoryDefault,
}

// Valid reports whether d names a known datastore.
func (d Datastore) Valid() bool {
	switch d {
	case DSStartup, DSRunning, DSCandidate, DSOperational, DSFactoryDefault:
		return true
	}
	return false
}

// PluginBinding names the storage plugin serving each datastore of a
// module, plus the notification plugin handling its replay log.
type PluginBinding struct {
	Startup        string `json:"startup"`
	Running        string `json:"running"`
	Candidate      string `json:"candidate"`
	Operational    string `json:"operational"`
	FactoryDefault string `json:"factory-default"`
	Notification   string `json:"notification"`
}

// For returns the plugin name bound to the given datastore.
func (b PluginBinding) For(ds Datastore) string {
	switch ds {
	case DSStartup:
		return b.Startup
	case DSRunning:
		return b.Running
	case DSCandidate:
		return b.Candidate
	case DSOperational:
		return b.Operational
	case DSFactoryDefault:
		return b.FactoryDefault
	}
	return ""
}

// DepKind distinguishes the three kinds of cross-module dependency a
// schema can embed.
type DepKind string

const (
	DepLeafref DepKind = "leafref"
	DepInstID  DepKind = "instance-identifier"
	DepXPath   DepKind = "xpath"
)

// Dependency is one recorded cross-module reference. Which fields are
// populated depends on Kind:
//
//   - leafref: TargetModule + TargetPath
//   - instance-identifier: SourcePath + optional DefaultTargetPath
//   - xpath: Expression + TargetModules
type Dependency struct {
	Kind              DepKind  `json:"kind"`
	TargetModule      string   `json:"target-module,omitempty"`
	TargetPath        string   `json:"target-path,omitempty"`
	SourcePath        string   `json:"source-path,omitempty"`
	DefaultTargetPath string   `json:"default-target-path,omitempty"`
	Expression        string   `json:"expression,omitempty"`
	TargetModules     []string `json:"target-modules,omitempty"`
}

// Key returns a string identifying the (kind, target, path) triple for
// duplicate suppression.
func (d Dependency) Key() string {
	switch d.Kind {
	case DepLeafref:
		return string(d.Kind) + "|" + d.TargetModule + "|" + d.TargetPath
	case DepInstID:
		return string(d.Kind) + "|" + d.SourcePath + "|" + d.DefaultTargetPath
	default:
		return string(d.Kind) + "|" + d.Expression
	}
}

// Modules returns every foreign module the dependency names.
func (d Dependency) Modules() []string {
	switch d.Kind {
	case DepLeafref:
		if d.TargetModule == "" {
			return nil
		}
		return []string{d.TargetModule}
	case DepXPath:
		return d.TargetModules
	}
	return nil
}

// OperationDeps scopes dependency records under an RPC, action, or
// notification node. Path is the schema path of the operation itself.
type OperationDeps struct {
	Path string       `json:"path"`
	Deps []Dependency `json:"deps,omitempty"`
}

// ReplaySupport records that a module's notifications are kept for
// replay, and the timestamp of the earliest stored notification.
type ReplaySupport struct {
	EarliestNotif time.Time `json:"earliest-notif"`
}

// DSAccess holds the ownership and permission bits of a module's data
// in one datastore.
type DSAccess struct {
	Owner string `json:"owner"`
	Group string `json:"group"`
	Perm  uint32 `json:"perm"`
}

// Module is the registry record of one installed module.
type Module struct {
	Name     string        `json:"name"`
	Revision string        `json:"revision,omitempty"`
	Features []string      `json:"features,omitempty"`
	Plugins  PluginBinding `json:"plugins"`
	Access   DSAccess      `json:"access"`

	Replay *ReplaySupport `json:"replay,omitempty"`

	// Computed by the dependency analyzer; rebuilt as a whole on every
	// registry mutation.
	Deps        []Dependency    `json:"deps,omitempty"`
	InverseDeps []string        `json:"inverse-deps,omitempty"`
	OpDeps      []OperationDeps `json:"op-deps,omitempty"`

	InstalledAt time.Time `json:"installed-at"`
}

// HasFeature reports whether the named feature is enabled.
func (m *Module) HasFeature(name string) bool {
	for _, f := range m.Features {
		if f == name {
			return true
		}
	}
	return false
}

// DependsOn reports whether any of the module's dependency records
// (data or operation scoped) name the target module.
func (m *Module) DependsOn(target string) bool {
	for _, d := range m.Deps {
		for _, t := range d.Modules() {
			if t == target {
				return true
			}
		}
	}
	for _, op := range m.OpDeps {
		for _, d := range op.Deps {
			for _, t := range d.Modules() {
				if t == target {
					return true
				}
			}
		}
	}
	return false
}

// RegistryDoc is the persistent module-registry document. ContentID is
// bumped on every structural change so clients can detect schema drift.
type RegistryDoc struct {
	ContentID uint32    `json:"content-id"`
	Modules   []*Module `json:"modules"`
}

// Find returns the record of the named module, or nil.
func (r *RegistryDoc) Find(name string) *Module {
	for _, m := range r.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// ValueType enumerates the value kinds a data-tree leaf can carry.
type ValueType int

const (
	ValUnset ValueType = iota
	ValString
	ValInt
	ValUint
	ValBool
	ValDecimal
	ValEmpty
	ValIdentityref
	ValInstanceID
	ValBinary
)

// Value is a typed leaf value. The canonical string form is what gets
// persisted and compared.
type Value struct {
	Type    ValueType `json:"type"`
	Str     string    `json:"str,omitempty"`
	Int     int64     `json:"int,omitempty"`
	Uint    uint64    `json:"uint,omitempty"`
	Bool    bool      `json:"bool,omitempty"`
	Decimal float64   `json:"decimal,omitempty"`
}

// StringVal builds a string value.
func StringVal(s string) *Value { return &Value{Type: ValString, Str: s} }

// IntVal builds a signed integer value.
func IntVal(i int64) *Value { return &Value{Type: ValInt, Int: i} }

// UintVal builds an unsigned integer value.
func UintVal(u uint64) *Value { return &Value{Type: ValUint, Uint: u} }

// BoolVal builds a boolean value.
func BoolVal(b bool) *Value { return &Value{Type: ValBool, Bool: b} }

// DecimalVal builds a decimal64 value.
func DecimalVal(d float64) *Value { return &Value{Type: ValDecimal, Decimal: d} }

// EmptyVal builds an empty-type value.
func EmptyVal() *Value { return &Value{Type: ValEmpty} }

// IdentityrefVal builds an identityref value in module:identity form.
func IdentityrefVal(s string) *Value { return &Value{Type: ValIdentityref, Str: s} }

// InstanceIDVal builds an instance-identifier value.
func InstanceIDVal(s string) *Value { return &Value{Type: ValInstanceID, Str: s} }

// Canonical returns the canonical string representation of the value.
func (v *Value) Canonical() string {
	if v == nil {
		return ""
	}
	switch v.Type {
	case ValInt:
		return strconv.FormatInt(v.Int, 10)
	case ValUint:
		return strconv.FormatUint(v.Uint, 10)
	case ValBool:
		return strconv.FormatBool(v.Bool)
	case ValDecimal:
		return strconv.FormatFloat(v.Decimal, 'f', -1, 64)
	case ValEmpty:
		return ""
	default:
		return v.Str
	}
}

// Equal compares two values by type and canonical form.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Type == o.Type && v.Canonical() == o.Canonical()
}

// ChangeOp is the kind of a single diff entry.
type ChangeOp string

const (
	OpCreated  ChangeOp = "created"
	OpModified ChangeOp = "modified"
	OpDeleted  ChangeOp = "deleted"
	OpMoved    ChangeOp = "moved"
)

// Change is one entry of a computed diff, delivered to module-change
// subscribers in order.
type Change struct {
	Op       ChangeOp `json:"op"`
	Path     string   `json:"path"`
	OldValue *Value   `json:"old-value,omitempty"`
	NewValue *Value   `json:"new-value,omitempty"`
	// PrevSibling is set for moved list entries: the path of the entry
	// the moved one now follows, empty when moved to the front.
	PrevSibling string `json:"prev-sibling,omitempty"`
}

// Event is the phase of a change transaction a subscriber is notified
// about.
type Event int

const (
	EventChange Event = 1 << iota
	EventDone
	EventAbort
	EventEnabled
)

func (e Event) String() string {
	switch e {
	case EventChange:
		return "change"
	case EventDone:
		return "done"
	case EventAbort:
		return "abort"
	case EventEnabled:
		return "enabled"
	}
	return "unknown"
}

// EventMask selects which events a subscription receives.
type EventMask int

// DefaultEventMask delivers every transaction phase.
const DefaultEventMask = EventMask(EventChange | EventDone | EventAbort)

// Has reports whether the mask includes the event.
func (m EventMask) Has(e Event) bool { return int(m)&int(e) != 0 }

// EditFlag modifies the behavior of a single edit operation.
type EditFlag int

const (
	// EditStrict makes set fail on an existing target and delete fail on
	// a missing one.
	EditStrict EditFlag = 1 << iota
	// EditNonRecursive requires all ancestors of the target to exist.
	EditNonRecursive
	// EditDefaultMayReplaceDefault lets an explicit default value replace
	// a materialised schema default without marking the node changed.
	EditDefaultMayReplaceDefault
	// EditIsolate keeps this operation out of merging with neighbouring
	// buffered operations.
	EditIsolate
)

// Has reports whether the flag set includes f.
func (e EditFlag) Has(f EditFlag) bool { return e&f != 0 }

// MovePosition places a user-ordered list entry.
type MovePosition string

const (
	MoveFirst  MovePosition = "first"
	MoveLast   MovePosition = "last"
	MoveBefore MovePosition = "before"
	MoveAfter  MovePosition = "after"
)

// Origin is the provenance annotation of an operational-datastore node.
type Origin string

const (
	OriginIntended Origin = "intended"
	OriginDynamic  Origin = "dynamic"
	OriginSystem   Origin = "system"
	OriginLearned  Origin = "learned"
	OriginDefault  Origin = "default"
	OriginUnknown  Origin = "unknown"
)

// Valid reports whether o is in the closed origin set.
func (o Origin) Valid() bool {
	switch o {
	case OriginIntended, OriginDynamic, OriginSystem, OriginLearned, OriginDefault, OriginUnknown:
		return true
	}
	return false
}

// LockMode is the sharing mode of a held lock.
type LockMode string

const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// LockRecord describes one held (module, datastore) lock.
type LockRecord struct {
	Module     string    `json:"module"`
	Datastore  Datastore `json:"datastore"`
	SessionID  string    `json:"session-id"`
	Mode       LockMode  `json:"mode"`
	AcquiredAt time.Time `json:"acquired-at"`
}

// Notification is a sent or replayed notification instance.
type Notification struct {
	Module    string    `json:"module"`
	Path      string    `json:"path"`
	Fields    []Field   `json:"fields,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Replayed  bool      `json:"replayed,omitempty"`
}

// Field is one (path, value) pair inside an RPC or notification body.
type Field struct {
	Path  string `json:"path"`
	Value *Value `json:"value,omitempty"`
}

// SortedModuleNames returns the names of the given modules sorted
// lexically, the order cross-module subscriber dispatch uses.
func SortedModuleNames(mods map[string]struct{}) []string {
	names := make([]string, 0, len(mods))
	for n := range mods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FormatLockKey renders the canonical "module@datastore" key used by
// lock files and metrics labels.
func FormatLockKey(module string, ds Datastore) string {
	return fmt.Sprintf("%s@%s", module, ds)
}
