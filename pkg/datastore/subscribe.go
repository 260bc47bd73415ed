package datastore

import (
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/subscription"
	"github.com/cuemby/burrow/pkg/types"
)

// SubscribeModuleChange registers a change subscriber for a module.
func (d *Datastore) SubscribeModuleChange(sessionID, module, xpath string, priority int, mask types.EventMask, cb subscription.ModuleChangeCallback) (*subscription.ModuleChangeSub, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	if _, err := d.reg.Module(module); err != nil {
		return nil, err
	}
	sub := d.subs.SubscribeModuleChange(sessionID, module, xpath, priority, mask, cb)
	d.updateSubGauges()
	return sub, nil
}

// SubscribeOperGet registers an operational pull provider for a
// subtree.
func (d *Datastore) SubscribeOperGet(sessionID, xpath string, timeout time.Duration, cb subscription.OperGetCallback) (*subscription.OperSub, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	if _, err := d.reg.Context().FindNode(xpath); err != nil {
		return nil, types.WrapError(types.CodeNotFound, err, "provider subtree does not exist")
	}
	sub := d.subs.SubscribeOperGet(sessionID, xpath, timeout, cb)
	d.updateSubGauges()
	return sub, nil
}

// SubscribeRPC registers the handler of an RPC or action.
func (d *Datastore) SubscribeRPC(sessionID, xpath string, cb subscription.RPCCallback) (*subscription.RPCSub, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	if _, err := d.reg.Context().FindOperation(xpath); err != nil {
		return nil, types.WrapError(types.CodeNotFound, err, "no such operation")
	}
	sub, err := d.subs.SubscribeRPC(sessionID, xpath, cb)
	if err != nil {
		return nil, err
	}
	d.updateSubGauges()
	return sub, nil
}

// SubscribeNotification registers a notification subscriber. A
// non-zero startTime requests replay: stored notifications from the
// window are delivered first, tagged replayed, then a replay-complete
// marker, then live delivery.
func (d *Datastore) SubscribeNotification(sessionID, module, xpath string, startTime time.Time, cb subscription.NotifCallback) (*subscription.NotifSub, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	rec, err := d.reg.Module(module)
	if err != nil {
		return nil, err
	}
	if !startTime.IsZero() && rec.Replay == nil {
		return nil, types.Errorf(types.CodeUnsupported,
			"module %q does not have replay support enabled", module)
	}

	sub := d.subs.SubscribeNotif(sessionID, module, xpath, cb)
	d.updateSubGauges()

	if !startTime.IsZero() {
		np, err := d.reg.NotificationPlugin(module)
		if err != nil {
			_ = d.subs.Unsubscribe(sub.ID)
			return nil, err
		}
		stored, err := np.Replay(module, startTime, time.Time{})
		if err != nil {
			_ = d.subs.Unsubscribe(sub.ID)
			return nil, types.WrapError(types.CodeSys, err, "replay query failed")
		}
		go func() {
			for _, n := range stored {
				if xpath != "" && !subscription.PathMatches(xpath, n.Path) {
					continue
				}
				sub.Deliver(n)
				metrics.NotificationsReplayed.Inc()
			}
			sub.Deliver(nil) // replay complete
		}()
	}
	return sub, nil
}

// Unsubscribe removes a subscription of any kind.
func (d *Datastore) Unsubscribe(sessionID, subID string) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	if err := d.subs.Unsubscribe(subID); err != nil {
		return err
	}
	d.updateSubGauges()
	return nil
}

// SendRPC dispatches an RPC or action to its registered handler and
// returns the handler's output.
func (d *Datastore) SendRPC(sessionID, xpath string, input []types.Field) ([]types.Field, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	op, err := d.reg.Context().FindOperation(xpath)
	if err != nil {
		return nil, types.WrapError(types.CodeNotFound, err, "no such operation")
	}
	if op.Kind == schema.KindNotification {
		return nil, types.Errorf(types.CodeInvalArg, "%s is a notification, use send-notification", xpath)
	}
	handler, err := d.subs.RPCHandler(xpath)
	if err != nil {
		return nil, err
	}
	out, err := handler.Callback(input)
	if err != nil {
		return nil, types.WrapError(types.CodeCallbackFailed, err, "RPC handler failed")
	}
	return out, nil
}

// SendNotification validates a notification against the schema,
// appends it to the module's replay log when replay is enabled, and
// fans it out to matching subscribers.
func (d *Datastore) SendNotification(sessionID string, notif *types.Notification) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	op, err := d.reg.Context().FindOperation(notif.Path)
	if err != nil {
		return types.WrapError(types.CodeNotFound, err, "no such notification")
	}
	if op.Kind != schema.KindNotification {
		return types.Errorf(types.CodeInvalArg, "%s is not a notification", notif.Path)
	}
	if notif.Module == "" {
		notif.Module = op.Module
	}
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	rec, err := d.reg.Module(notif.Module)
	if err != nil {
		return err
	}
	if rec.Replay != nil {
		np, err := d.reg.NotificationPlugin(notif.Module)
		if err != nil {
			return err
		}
		if err := np.Append(notif.Module, notif); err != nil {
			return types.WrapError(types.CodeSys, err, "cannot append to replay log")
		}
	}

	for _, sub := range d.subs.NotifSubs(notif.Module, notif.Path) {
		sub.Deliver(notif)
		metrics.NotificationsSent.Inc()
	}
	return nil
}

// SetOperItem writes a push edit into the operational overlay.
func (d *Datastore) SetOperItem(sessionID, path string, value *types.Value, origin types.Origin) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	module, err := moduleOfPath(path)
	if err != nil {
		return err
	}
	return d.composer.SetPushItem(module, path, value, origin)
}

// DeleteOperItem removes a push edit from the operational overlay.
func (d *Datastore) DeleteOperItem(sessionID, path string) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	module, err := moduleOfPath(path)
	if err != nil {
		return err
	}
	return d.composer.DeletePushItem(module, path)
}

// DiscardOperItems removes overlay entries matching the xpath.
func (d *Datastore) DiscardOperItems(sessionID, xpath string) error {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return err
	}
	module, err := moduleOfPath(xpath)
	if err != nil {
		return err
	}
	return d.composer.DiscardItems(module, xpath)
}
