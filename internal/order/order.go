// Package order defines the persisted order-line model shared by the
// split protocol, the reconciliation engine and the cleanup sweep, plus
// the small CRUD interfaces its collaborators are accessed through.
package order

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle status of an order line.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPreparing   Status = "preparing"
	StatusReady       Status = "ready"
	StatusDelivered   Status = "delivered"
	StatusPaid        Status = "paid"
	StatusServiceCall Status = "service-call"
)

// StaffCallName is the reserved display name for call-staff lines. Lines
// carrying it are service signals, not billable consumption, and are
// excluded from presence and split handling.
const StaffCallName = "call-staff"

// SplitDescriptor records how a line participates in a split group. A nil
// descriptor means the line is a plain, full-price line.
type SplitDescriptor struct {
	// Parts is the number of ways the original price is divided.
	Parts int
	// OriginalPrice is the undivided price of the item.
	OriginalPrice float64
	// RequesterID identifies the participant that initiated the split.
	// Together with the table and product it keys the split group.
	RequesterID string
	// Participants are the ids of everyone currently in the group.
	Participants []string
	// Master marks the group's stable record. Exactly one member of a
	// group carries it; the rest are satellites.
	Master bool
}

// HasParticipant reports whether id is a current member of the group.
func (d *SplitDescriptor) HasParticipant(id string) bool {
	if d == nil {
		return false
	}
	for _, p := range d.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Line is one persisted unit of billable consumption, owned by exactly
// one participant at a time.
type Line struct {
	ID        string
	TableID   string
	ProductID string // empty for composite/custom items
	Name      string
	Price     float64
	Quantity  int
	Status    Status
	OwnerID   string
	Split     *SplitDescriptor
	Metadata  map[string]string
	CreatedAt time.Time
}

// IsSplit reports whether the line belongs to a split group.
func (l *Line) IsSplit() bool {
	return l.Split != nil && l.Split.Parts > 1
}

// Clone returns a deep copy of the line.
func (l *Line) Clone() *Line {
	if l == nil {
		return nil
	}
	c := *l
	if l.Split != nil {
		d := *l.Split
		d.Participants = append([]string(nil), l.Split.Participants...)
		c.Split = &d
	}
	if l.Metadata != nil {
		c.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var (
	splitPrefixRe = regexp.MustCompile(`^\d+/\d+\s+`)
	priceNoteRe   = regexp.MustCompile(`\s*\[[^\]]*\]\s*$`)
)

// CleanName strips any "k/N " split prefix and any trailing bracketed
// price annotation from a display name. Applying it repeatedly yields the
// same result, so re-splitting an already-split line never stacks
// prefixes.
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	for {
		next := splitPrefixRe.ReplaceAllString(name, "")
		next = priceNoteRe.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == name {
			return name
		}
		name = next
	}
}

// SplitDisplayName derives the display name for a line split into parts
// ways. The prefix is purely presentational; the descriptor remains the
// source of truth for membership.
func SplitDisplayName(name string, parts int) string {
	clean := CleanName(name)
	if parts <= 1 {
		return clean
	}
	return fmt.Sprintf("1/%d %s", parts, clean)
}

// Patch is a partial update to a line. Nil fields are left untouched.
type Patch struct {
	Name    *string
	Price   *float64
	Status  *Status
	OwnerID *string
	// Split replaces the descriptor when set. ClearSplit removes it;
	// setting both is invalid.
	Split      *SplitDescriptor
	ClearSplit bool
}

// Filter narrows a ledger query. Zero values mean "no constraint".
type Filter struct {
	OwnerID       string
	ProductID     string
	RequesterID   string // split-group requester
	ExcludeStatus Status
	OnlySplit     bool
}

// Matches reports whether the line satisfies the filter.
func (f Filter) Matches(l *Line) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.ProductID != "" && l.ProductID != f.ProductID {
		return false
	}
	if f.ExcludeStatus != "" && l.Status == f.ExcludeStatus {
		return false
	}
	if f.OnlySplit && !l.IsSplit() {
		return false
	}
	if f.RequesterID != "" && (l.Split == nil || l.Split.RequesterID != f.RequesterID) {
		return false
	}
	return true
}

// Ledger is the transactional record store the protocol runs against.
// Failures a caller is expected to branch on are expressed as nil/false
// returns: Update yields (nil, nil) when the row is missing or the write
// was rejected, Delete yields (false, nil) when nothing was removed.
type Ledger interface {
	Insert(ctx context.Context, line *Line) (*Line, error)
	Update(ctx context.Context, id string, patch Patch) (*Line, error)
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, tableID string, f Filter) ([]*Line, error)
}

// MenuItem is a catalog entry with its authoritative price.
type MenuItem struct {
	ID    string
	Name  string
	Price float64
}

// Catalog resolves catalog-item references to authoritative prices.
// Unknown ids yield (nil, nil).
type Catalog interface {
	Item(ctx context.Context, productID string) (*MenuItem, error)
}

// Profile is a registered diner's display data.
type Profile struct {
	ID     string
	Name   string
	Avatar string
}
