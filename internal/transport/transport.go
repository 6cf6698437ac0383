// Package transport abstracts the pub/sub messaging layer the split
// protocol runs over. Delivery is best-effort, at-most-once and
// unordered; the protocol layers above are written to tolerate that.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Event names carried over the channels.
const (
	EventRequestSplit      = "request_split"
	EventRequestOrderShare = "request_order_share"
	EventSplitResponse     = "split_response"
	EventOrderStatus       = "order_status"
)

// ErrNotDelivered is returned when a publish could not be acknowledged
// even after the registry's single retry. It is non-fatal; callers
// degrade to a "request not delivered" notice.
var ErrNotDelivered = errors.New("transport: message not delivered")

// Handler receives a broadcast event on a channel.
type Handler func(event string, payload json.RawMessage)

// SyncHandler receives the full presence membership snapshot whenever it
// changes.
type SyncHandler func(members []json.RawMessage)

// Channel is one named bidirectional pub/sub channel. Implementations
// are cheap to create but expensive to resubscribe, which is why the
// Registry memoizes them.
type Channel interface {
	// WaitJoined blocks until the channel is subscribed, or the context
	// is done. Already-joined channels return immediately.
	WaitJoined(ctx context.Context) error
	// Send publishes a broadcast event. A non-nil error means the
	// publish was not acknowledged.
	Send(ctx context.Context, event string, payload any) error
	// Track announces presence data on the channel.
	Track(ctx context.Context, data any) error
	// OnEvent registers a broadcast handler.
	OnEvent(fn Handler)
	// OnSync registers a presence snapshot handler.
	OnSync(fn SyncHandler)
	// Close releases the channel. Only the Registry calls this, and only
	// when discarding a channel that failed to deliver.
	Close() error
}

// UserKey is the channel key for messages addressed to a single user.
func UserKey(userID string) string {
	return "user:" + userID
}

// TableKey is the channel key for broadcasts to everyone at a table.
func TableKey(tableID string) string {
	return "table:" + tableID
}

// PresenceKey is the channel key for table presence heartbeats.
func PresenceKey(tableID string) string {
	return "presence:" + tableID
}
