package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestModuleChangeOrdering(t *testing.T) {
	r := NewRegistry()
	r.SubscribeModuleChange("s1", "net", "", 5, 0, nil)
	r.SubscribeModuleChange("s2", "net", "", 10, 0, nil)
	r.SubscribeModuleChange("s3", "net", "", 10, 0, nil)
	r.SubscribeModuleChange("s4", "other", "", 99, 0, nil)

	subs := r.ModuleChangeSubs("net")
	require.Len(t, subs, 3)
	assert.Equal(t, "s2", subs[0].SessionID, "highest priority first")
	assert.Equal(t, "s3", subs[1].SessionID, "registration order within priority")
	assert.Equal(t, "s1", subs[2].SessionID)
}

func TestDefaultMask(t *testing.T) {
	r := NewRegistry()
	sub := r.SubscribeModuleChange("s1", "net", "", 0, 0, nil)
	assert.True(t, sub.Mask.Has(types.EventChange))
	assert.True(t, sub.Mask.Has(types.EventDone))
	assert.True(t, sub.Mask.Has(types.EventAbort))
}

func TestUnsubscribeSessionGC(t *testing.T) {
	r := NewRegistry()
	r.SubscribeModuleChange("dead", "net", "", 0, 0, nil)
	r.SubscribeOperGet("dead", "/net:state", 0, nil)
	_, err := r.SubscribeRPC("dead", "/net:reset", nil)
	require.NoError(t, err)
	r.SubscribeNotif("dead", "net", "", func(*types.Notification, bool) {})
	r.SubscribeModuleChange("alive", "net", "", 0, 0, nil)

	r.UnsubscribeSession("dead")

	mc, oper, rpc, notif := r.Counts()
	assert.Equal(t, 1, mc)
	assert.Zero(t, oper)
	assert.Zero(t, rpc)
	assert.Zero(t, notif)
}

func TestRPCSingleHandler(t *testing.T) {
	r := NewRegistry()
	_, err := r.SubscribeRPC("s1", "/net:reset", nil)
	require.NoError(t, err)
	_, err = r.SubscribeRPC("s2", "/net:reset", nil)
	assert.Equal(t, types.CodeDataExists, types.CodeOf(err))

	h, err := r.RPCHandler("/net:reset")
	require.NoError(t, err)
	assert.Equal(t, "s1", h.SessionID)

	_, err = r.RPCHandler("/net:other")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestOperSubsUnder(t *testing.T) {
	r := NewRegistry()
	r.SubscribeOperGet("s1", "/state:bus/gps_located", 0, nil)
	r.SubscribeOperGet("s2", "/state:bus/distance_travelled", 0, nil)
	r.SubscribeOperGet("s3", "/other:x", 0, nil)

	subs := r.OperSubsUnder("/state:bus")
	require.Len(t, subs, 2)

	subs = r.OperSubsUnder("/state:bus/gps_located")
	require.Len(t, subs, 1)
	assert.Equal(t, "s1", subs[0].SessionID)
}

func TestNotifDelivery(t *testing.T) {
	r := NewRegistry()
	got := make(chan *types.Notification, 1)
	r.SubscribeNotif("s1", "alarms", "", func(n *types.Notification, done bool) {
		if !done {
			got <- n
		}
	})

	subs := r.NotifSubs("alarms", "/alarms:alarm-raised")
	require.Len(t, subs, 1)
	subs[0].Deliver(&types.Notification{Module: "alarms", Path: "/alarms:alarm-raised"})

	select {
	case n := <-got:
		assert.Equal(t, "/alarms:alarm-raised", n.Path)
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestNotifXPathFilter(t *testing.T) {
	r := NewRegistry()
	r.SubscribeNotif("s1", "alarms", "/alarms:alarm-raised", func(*types.Notification, bool) {})
	assert.Len(t, r.NotifSubs("alarms", "/alarms:alarm-raised"), 1)
	assert.Empty(t, r.NotifSubs("alarms", "/alarms:alarm-cleared"))
	assert.Empty(t, r.NotifSubs("other", "/alarms:alarm-raised"))
}

func TestPathMatches(t *testing.T) {
	assert.True(t, PathMatches("", "/a:b/c"))
	assert.True(t, PathMatches("/a:b", "/a:b"))
	assert.True(t, PathMatches("/a:b", "/a:b/c"))
	assert.True(t, PathMatches("/a:b/c", "/a:b/c[k='v']/d"))
	assert.False(t, PathMatches("/a:b", "/a:bc"))
	assert.False(t, PathMatches("/a:b/c", "/a:b"))
}

func TestFilterChanges(t *testing.T) {
	changes := []types.Change{
		{Op: types.OpCreated, Path: "/net:interfaces/interface[name='eth0']"},
		{Op: types.OpCreated, Path: "/net:routing/policy[id='a']"},
	}
	got := FilterChanges("/net:interfaces", changes)
	require.Len(t, got, 1)
	assert.Equal(t, "/net:interfaces/interface[name='eth0']", got[0].Path)
	assert.Len(t, FilterChanges("", changes), 2)
}
