package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Broker is an in-process pub/sub bus implementing the Channel contract.
// It backs single-process deployments and tests; multi-process
// deployments use the websocket relay instead.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu       sync.Mutex
	handles  map[*memChannel]struct{}
	presence map[*memChannel]json.RawMessage
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Channel returns a new subscription handle on the topic for key. Every
// call is an independent subscriber; the Registry takes care of reuse.
func (b *Broker) Channel(key string) (Channel, error) {
	b.mu.Lock()
	t, ok := b.topics[key]
	if !ok {
		t = &topic{
			handles:  make(map[*memChannel]struct{}),
			presence: make(map[*memChannel]json.RawMessage),
		}
		b.topics[key] = t
	}
	b.mu.Unlock()

	ch := &memChannel{topic: t}
	t.mu.Lock()
	t.handles[ch] = struct{}{}
	t.mu.Unlock()
	return ch, nil
}

type memChannel struct {
	topic *topic

	mu       sync.Mutex
	closed   bool
	handlers []Handler
	syncs    []SyncHandler
}

func (c *memChannel) WaitJoined(ctx context.Context) error {
	// In-process subscriptions are joined as soon as they exist.
	return ctx.Err()
}

func (c *memChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("send on closed channel")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	t := c.topic
	t.mu.Lock()
	handles := make([]*memChannel, 0, len(t.handles))
	for h := range t.handles {
		if h != c {
			handles = append(handles, h)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.dispatch(event, raw)
	}
	return nil
}

func (c *memChannel) Track(ctx context.Context, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal presence data: %w", err)
	}

	t := c.topic
	t.mu.Lock()
	t.presence[c] = raw
	members := make([]json.RawMessage, 0, len(t.presence))
	for _, m := range t.presence {
		members = append(members, m)
	}
	handles := make([]*memChannel, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.dispatchSync(members)
	}
	return nil
}

func (c *memChannel) OnEvent(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *memChannel) OnSync(fn SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs = append(c.syncs, fn)
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	t := c.topic
	t.mu.Lock()
	delete(t.handles, c)
	_, tracked := t.presence[c]
	delete(t.presence, c)
	var members []json.RawMessage
	var handles []*memChannel
	if tracked {
		members = make([]json.RawMessage, 0, len(t.presence))
		for _, m := range t.presence {
			members = append(members, m)
		}
		handles = make([]*memChannel, 0, len(t.handles))
		for h := range t.handles {
			handles = append(handles, h)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.dispatchSync(members)
	}
	return nil
}

func (c *memChannel) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(event, payload)
	}
}

func (c *memChannel) dispatchSync(members []json.RawMessage) {
	c.mu.Lock()
	syncs := append([]SyncHandler(nil), c.syncs...)
	c.mu.Unlock()
	for _, fn := range syncs {
		fn(members)
	}
}
