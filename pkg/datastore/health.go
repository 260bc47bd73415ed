package datastore

import "time"

// Health is the snapshot the admin HTTP surface reports.
type Health struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	ContentID     uint32    `json:"content_id"`
	Modules       int       `json:"modules"`
	Sessions      int       `json:"sessions"`
	Subscriptions int       `json:"subscriptions"`
}

// Health returns the current service snapshot.
func (d *Datastore) Health() Health {
	mc, op, rpc, notif := d.subs.Counts()
	return Health{
		Status:        "healthy",
		Timestamp:     time.Now(),
		ContentID:     d.reg.ContentID(),
		Modules:       len(d.reg.Modules()),
		Sessions:      d.sessions.Count(),
		Subscriptions: mc + op + rpc + notif,
	}
}
