package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger for single-process deployments and
// tests. Mutations are last-write-wins, matching the storage contract the
// protocol is designed against.
type MemoryLedger struct {
	mu    sync.Mutex
	lines []*Line

	// RejectUpdate makes every Update report a rejected write, which is
	// how access-control denials surface through the Ledger interface.
	RejectUpdate bool
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) Insert(ctx context.Context, line *Line) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := line.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	m.lines = append(m.lines, c)
	return c.Clone(), nil
}

func (m *MemoryLedger) Update(ctx context.Context, id string, patch Patch) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectUpdate {
		return nil, nil
	}
	for _, l := range m.lines {
		if l.ID != id {
			continue
		}
		if patch.Name != nil {
			l.Name = *patch.Name
		}
		if patch.Price != nil {
			l.Price = *patch.Price
		}
		if patch.Status != nil {
			l.Status = *patch.Status
		}
		if patch.OwnerID != nil {
			l.OwnerID = *patch.OwnerID
		}
		if patch.ClearSplit {
			l.Split = nil
		} else if patch.Split != nil {
			d := *patch.Split
			d.Participants = append([]string(nil), patch.Split.Participants...)
			l.Split = &d
		}
		return l.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryLedger) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.lines {
		if l.ID == id {
			m.lines = append(m.lines[:i], m.lines[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLedger) Query(ctx context.Context, tableID string, f Filter) ([]*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Line
	for _, l := range m.lines {
		if l.TableID != tableID {
			continue
		}
		if !f.Matches(l) {
			continue
		}
		out = append(out, l.Clone())
	}
	return out, nil
}

// MemoryCatalog is an in-memory Catalog keyed by product id.
type MemoryCatalog struct {
	mu    sync.Mutex
	items map[string]MenuItem
}

// NewMemoryCatalog builds a catalog from the given items.
func NewMemoryCatalog(items ...MenuItem) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]MenuItem, len(items))}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

func (c *MemoryCatalog) Item(ctx context.Context, productID string) (*MenuItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[productID]
	if !ok {
		return nil, nil
	}
	return &it, nil
}
