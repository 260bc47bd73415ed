package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// One bucket per datastore, keyed by module name.
	bucketStartup        = []byte("startup")
	bucketRunning        = []byte("running")
	bucketCandidate      = []byte("candidate")
	bucketOperational    = []byte("operational")
	bucketFactoryDefault = []byte("factory-default")

	// Access metadata, keyed module@datastore.
	bucketAccess = []byte("access")

	// Notification logs live in per-module sub-buckets.
	bucketNotif = []byte("notifications")
)

func dsBucket(ds types.Datastore) []byte {
	switch ds {
	case types.DSStartup:
		return bucketStartup
	case types.DSRunning:
		return bucketRunning
	case types.DSCandidate:
		return bucketCandidate
	case types.DSOperational:
		return bucketOperational
	case types.DSFactoryDefault:
		return bucketFactoryDefault
	}
	return nil
}

// BoltPlugin implements Plugin and NotificationPlugin on a single
// BoltDB file. Tree documents are stored as JSON per (datastore bucket,
// module key); candidate falls back to running until first written, so
// an untouched candidate always mirrors running.
type BoltPlugin struct {
	name string
	db   *bolt.DB
}

// NewBoltPlugin opens (or creates) the database under dataDir.
func NewBoltPlugin(name, dataDir string) (*BoltPlugin, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketStartup,
			bucketRunning,
			bucketCandidate,
			bucketOperational,
			bucketFactoryDefault,
			bucketAccess,
			bucketNotif,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltPlugin{name: name, db: db}, nil
}

func (p *BoltPlugin) Name() string { return p.name }

// Close closes the database.
func (p *BoltPlugin) Close() error { return p.db.Close() }

func (p *BoltPlugin) Init(module string, ds types.Datastore, initial []byte) error {
	bucket := dsBucket(ds)
	if bucket == nil {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(module)) != nil {
			return nil // already initialised, keep existing data
		}
		if initial == nil {
			initial = []byte{}
		}
		return b.Put([]byte(module), initial)
	})
}

func (p *BoltPlugin) Load(module string, ds types.Datastore, _ []string) ([]byte, error) {
	bucket := dsBucket(ds)
	if bucket == nil {
		return nil, types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(module))
		if v == nil && ds == types.DSCandidate {
			// Unmodified candidate mirrors running.
			v = tx.Bucket(bucketRunning).Get([]byte(module))
		}
		if v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	return data, err
}

func (p *BoltPlugin) Store(module string, ds types.Datastore, data []byte) error {
	bucket := dsBucket(ds)
	if bucket == nil {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(module), data)
	})
}

func (p *BoltPlugin) Copy(module string, src, dst types.Datastore) error {
	srcBucket, dstBucket := dsBucket(src), dsBucket(dst)
	if srcBucket == nil || dstBucket == nil {
		return types.Errorf(types.CodeInvalArg, "unknown datastore in copy %s -> %s", src, dst)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(srcBucket).Get([]byte(module))
		if v == nil && src == types.DSCandidate {
			v = tx.Bucket(bucketRunning).Get([]byte(module))
		}
		if v == nil {
			return tx.Bucket(dstBucket).Delete([]byte(module))
		}
		return tx.Bucket(dstBucket).Put([]byte(module), v)
	})
}

func (p *BoltPlugin) CandidateReset(module string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCandidate).Delete([]byte(module))
	})
}

func (p *BoltPlugin) Destroy(module string, ds types.Datastore) error {
	bucket := dsBucket(ds)
	if bucket == nil {
		return types.Errorf(types.CodeInvalArg, "unknown datastore %q", ds)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucket).Delete([]byte(module)); err != nil {
			return err
		}
		return tx.Bucket(bucketAccess).Delete(accessKey(module, ds))
	})
}

func accessKey(module string, ds types.Datastore) []byte {
	return []byte(types.FormatLockKey(module, ds))
}

func (p *BoltPlugin) AccessGet(module string, ds types.Datastore) (types.DSAccess, error) {
	var access types.DSAccess
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAccess).Get(accessKey(module, ds))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &access)
	})
	return access, err
}

func (p *BoltPlugin) AccessSet(module string, ds types.Datastore, access types.DSAccess) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(access)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAccess).Put(accessKey(module, ds), data)
	})
}

// AccessCheck evaluates the stored owner/group/perm triple the way a
// unix file mode would: owner bits for the owner, group bits for a
// matching group, world bits otherwise. No stored access means allow.
func (p *BoltPlugin) AccessCheck(module string, ds types.Datastore, user string, groups []string, write bool) (bool, error) {
	access, err := p.AccessGet(module, ds)
	if err != nil {
		return false, err
	}
	return CheckAccess(access, user, groups, write), nil
}

// CheckAccess is the shared owner/group/world permission evaluation.
func CheckAccess(access types.DSAccess, user string, groups []string, write bool) bool {
	if access.Owner == "" && access.Group == "" && access.Perm == 0 {
		return true
	}
	var shift uint
	switch {
	case access.Owner == user:
		shift = 6
	case inGroup(access.Group, groups):
		shift = 3
	default:
		shift = 0
	}
	bit := uint32(4) // read
	if write {
		bit = 2
	}
	return access.Perm>>(shift)&bit != 0
}

func inGroup(group string, groups []string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// notifKey orders notifications by timestamp then insertion sequence.
func notifKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func (p *BoltPlugin) Append(module string, notif *types.Notification) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketNotif)
		b, err := parent.CreateBucketIfNotExists([]byte(module))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(notif)
		if err != nil {
			return err
		}
		return b.Put(notifKey(notif.Timestamp, seq), data)
	})
}

func (p *BoltPlugin) Replay(module string, from, to time.Time) ([]*types.Notification, error) {
	var out []*types.Notification
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotif).Bucket([]byte(module))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := notifKey(from, 0)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			ts := time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
			if !to.IsZero() && !ts.Before(to) {
				break
			}
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			n.Replayed = true
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}

func (p *BoltPlugin) Earliest(module string) (time.Time, error) {
	var earliest time.Time
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotif).Bucket([]byte(module))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().First()
		if k != nil {
			earliest = time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
		}
		return nil
	})
	return earliest, err
}

func (p *BoltPlugin) DestroyLog(module string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketNotif)
		if parent.Bucket([]byte(module)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(module))
	})
}
