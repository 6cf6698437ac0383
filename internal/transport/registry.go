package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Dialer creates a channel for a key.
type Dialer func(key string) (Channel, error)

// Registry hands out long-lived channels memoized per key. Channels are
// never torn down within a session except when a publish on them fails,
// in which case the registry discards the cached channel and retries the
// publish exactly once on a freshly dialed one.
type Registry struct {
	mu       sync.Mutex
	dial     Dialer
	channels map[string]Channel
}

// NewRegistry returns an empty registry backed by dial.
func NewRegistry(dial Dialer) *Registry {
	return &Registry{
		dial:     dial,
		channels: make(map[string]Channel),
	}
}

// Channel returns the cached channel for key, dialing it on first use.
func (r *Registry) Channel(key string) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[key]; ok {
		return ch, nil
	}
	ch, err := r.dial(key)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s: %w", key, err)
	}
	r.channels[key] = ch
	return ch, nil
}

// invalidate drops the cached channel for key if it is still the one the
// caller saw fail, so a concurrent sender's fresh channel is not thrown
// away with it.
func (r *Registry) invalidate(key string, failed Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[key] == failed {
		delete(r.channels, key)
		_ = failed.Close()
	}
}

// Send publishes event on the channel for key: await joined, publish,
// and on failure discard the channel and retry once on a new one. A
// second failure surfaces as ErrNotDelivered.
func (r *Registry) Send(ctx context.Context, key, event string, payload any) error {
	ch, err := r.Channel(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	if err := trySend(ctx, ch, event, payload); err == nil {
		return nil
	} else {
		log.Printf("transport: publish %s on %s failed, retrying on a fresh channel: %v", event, key, err)
	}

	r.invalidate(key, ch)
	ch, err = r.Channel(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	if err := trySend(ctx, ch, event, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

func trySend(ctx context.Context, ch Channel, event string, payload any) error {
	if err := ch.WaitJoined(ctx); err != nil {
		return err
	}
	return ch.Send(ctx, event, payload)
}

// SendUser publishes an addressed message on a user channel.
func (r *Registry) SendUser(ctx context.Context, userID, event string, payload any) error {
	return r.Send(ctx, UserKey(userID), event, payload)
}

// SendTable publishes a broadcast on a table channel.
func (r *Registry) SendTable(ctx context.Context, tableID, event string, payload any) error {
	return r.Send(ctx, TableKey(tableID), event, payload)
}
