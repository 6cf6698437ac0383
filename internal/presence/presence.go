// Package presence maintains the live set of participants at a table by
// merging two sources: durable unpaid-order ownership from the ledger and
// ephemeral heartbeat membership from the presence channel.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/susu3304/warikan/internal/order"
)

// Participant is one diner visible at the table, with where the entry
// came from.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`

	// FromOrders and FromHeartbeat record the entry's provenance.
	FromOrders    bool `json:"-"`
	FromHeartbeat bool `json:"-"`
}

// Profiles resolves registered diner ids to display data. Unknown ids
// yield (nil, nil).
type Profiles interface {
	Profile(ctx context.Context, userID string) (*order.Profile, error)
}

// Tracker computes the online-users view for one table.
type Tracker struct {
	ledger   order.Ledger
	profiles Profiles
	tableID  string

	mu        sync.Mutex
	ephemeral map[string]Participant
}

// New returns a tracker for tableID. profiles may be nil, in which case
// every durable entry falls back to a placeholder.
func New(ledger order.Ledger, profiles Profiles, tableID string) *Tracker {
	return &Tracker{
		ledger:    ledger,
		profiles:  profiles,
		tableID:   tableID,
		ephemeral: make(map[string]Participant),
	}
}

// HandleSync replaces the ephemeral membership with a fresh presence
// snapshot. Payloads that do not decode are skipped.
func (t *Tracker) HandleSync(members []json.RawMessage) {
	next := make(map[string]Participant, len(members))
	for _, raw := range members {
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
			continue
		}
		p.FromHeartbeat = true
		next[p.ID] = p
	}
	t.mu.Lock()
	t.ephemeral = next
	t.mu.Unlock()
}

// Present returns the current participant set, durable entries first,
// overwritten by ephemeral ones on conflict (heartbeat data is fresher).
// The result is sorted by name for stable rendering.
func (t *Tracker) Present(ctx context.Context) ([]Participant, error) {
	lines, err := t.ledger.Query(ctx, t.tableID, order.Filter{ExcludeStatus: order.StatusPaid})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Participant)
	for _, l := range lines {
		if l.Name == order.StaffCallName || l.OwnerID == "" {
			continue
		}
		if _, seen := byID[l.OwnerID]; seen {
			continue
		}
		byID[l.OwnerID] = t.resolve(ctx, l.OwnerID)
	}

	t.mu.Lock()
	for id, p := range t.ephemeral {
		if durable, ok := byID[id]; ok {
			p.FromOrders = durable.FromOrders
		}
		byID[id] = p
	}
	t.mu.Unlock()

	out := make([]Participant, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// resolve maps an owner id to a participant. Registered diners carry a
// UUID id and are looked up; guests are identified by their display name
// acting as id. Lookup failures never block presence, they fall back to a
// placeholder.
func (t *Tracker) resolve(ctx context.Context, ownerID string) Participant {
	if _, err := uuid.Parse(ownerID); err != nil {
		// Guest: the id is the display name.
		return Participant{ID: ownerID, Name: ownerID, Avatar: AvatarURL(ownerID), FromOrders: true}
	}
	if t.profiles != nil {
		profile, err := t.profiles.Profile(ctx, ownerID)
		if err != nil {
			log.Printf("presence: profile lookup for %s failed: %v", ownerID, err)
		} else if profile != nil {
			avatar := profile.Avatar
			if avatar == "" {
				avatar = AvatarURL(profile.Name)
			}
			return Participant{ID: ownerID, Name: profile.Name, Avatar: avatar, FromOrders: true}
		}
	}
	return Participant{ID: ownerID, Name: ownerID, Avatar: AvatarURL(ownerID), FromOrders: true}
}

// AvatarURL is the generated placeholder avatar for a display name.
func AvatarURL(name string) string {
	return "https://api.dicebear.com/7.x/personas/svg?seed=" + url.QueryEscape(name)
}
