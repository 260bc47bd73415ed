/*
Package subscription tracks who wants to hear about what: module-change
subscribers with priorities and event masks, operational pull providers
keyed by subtree, RPC/action handlers, and notification subscribers.

The registry is reader-mostly behind an RWMutex. Commit dispatch reads
the module's subscribers ordered by descending priority (registration
order within a priority); the commit engine owns the actual callback
sequencing and veto handling.

Notification delivery is asynchronous: each subscriber gets a buffered
channel drained by its own goroutine, so one slow consumer never stalls
the publisher — a full buffer drops for that subscriber instead of
blocking. Replay windows are serviced by the daemon before the
subscription goes live; a nil delivery marks replay completion.

When a subscriber's transport dies, UnsubscribeSession garbage-collects
everything the session registered.
*/
package subscription
