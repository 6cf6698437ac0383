// Package reconcile keeps a split group internally consistent when its
// membership changes after the original negotiation: a diner joins or
// leaves an already-shared line.
//
// The engine always recomputes the full desired group state from the
// current records rather than applying deltas, which is what makes the
// last-write-wins storage layer tolerable.
package reconcile

import (
	"context"
	"fmt"
	"log"

	"github.com/susu3304/warikan/internal/order"
)

// Engine redistributes split groups over a ledger.
type Engine struct {
	ledger order.Ledger
}

// New returns an engine writing through ledger.
func New(ledger order.Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// Group loads the current split group for (table, product, requester).
func (e *Engine) Group(ctx context.Context, tableID, productID, requesterID string) ([]*order.Line, error) {
	return e.ledger.Query(ctx, tableID, order.Filter{
		ProductID:   productID,
		RequesterID: requesterID,
		OnlySplit:   true,
	})
}

// Redistribute rewrites a split group to the new participant set.
//
// One survivor inherits the master's stable record identity by
// update-in-place: the master's current owner when still a member, else
// the first new participant. With a single participant left the group
// collapses to a plain full-price line. The master update happens before
// any destructive step; if the store rejects it the whole redistribution
// aborts so the group is never left without a master.
//
// Satellites owned by other diners that the requester cannot delete are
// reclaimed by their owners' cleanup sweeps once the master's
// participant list no longer names them.
func (e *Engine) Redistribute(ctx context.Context, group []*order.Line, newParticipantIDs []string) error {
	if len(group) == 0 {
		return fmt.Errorf("reconcile: empty group")
	}
	if len(newParticipantIDs) == 0 {
		return fmt.Errorf("reconcile: no participants to redistribute to")
	}

	master := masterOf(group)
	survivor := master.OwnerID
	if !contains(newParticipantIDs, survivor) {
		survivor = newParticipantIDs[0]
	}

	basePrice := 0.0
	if master.Split != nil {
		basePrice = master.Split.OriginalPrice
	}
	if basePrice <= 0 {
		// Master predates the descriptor's original price; the members'
		// shares still sum to it.
		for _, l := range group {
			basePrice += l.Price
		}
	}

	parts := len(newParticipantIDs)
	patch := order.Patch{OwnerID: &survivor}
	cleanName := order.CleanName(master.Name)
	if parts == 1 {
		// Collapse back to a plain line.
		patch.Name = &cleanName
		patch.Price = &basePrice
		patch.ClearSplit = true
	} else {
		name := order.SplitDisplayName(master.Name, parts)
		share := basePrice / float64(parts)
		patch.Name = &name
		patch.Price = &share
		patch.Split = &order.SplitDescriptor{
			Parts:         parts,
			OriginalPrice: basePrice,
			RequesterID:   requesterOf(master),
			Participants:  append([]string(nil), newParticipantIDs...),
			Master:        true,
		}
	}

	updated, err := e.ledger.Update(ctx, master.ID, patch)
	if err != nil {
		return fmt.Errorf("reconcile: master update failed: %w", err)
	}
	if updated == nil {
		// Rejected write. Abort before deleting anything, otherwise the
		// group would lose its siblings without gaining a master.
		return fmt.Errorf("reconcile: master update for %s was rejected", master.ID)
	}

	for _, l := range group {
		if l.ID == master.ID {
			continue
		}
		ok, err := e.ledger.Delete(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("reconcile: delete of member %s failed: %w", l.ID, err)
		}
		if !ok {
			// Owned by another diner; their sweep reclaims it.
			log.Printf("reconcile: member %s not deletable here, leaving it to its owner's sweep", l.ID)
		}
	}

	if parts > 1 {
		for _, id := range newParticipantIDs {
			if id == survivor {
				continue
			}
			line := &order.Line{
				TableID:   master.TableID,
				ProductID: master.ProductID,
				Name:      *patch.Name,
				Price:     *patch.Price,
				Quantity:  master.Quantity,
				Status:    master.Status,
				OwnerID:   id,
				Split: &order.SplitDescriptor{
					Parts:         parts,
					OriginalPrice: basePrice,
					RequesterID:   requesterOf(master),
					Participants:  append([]string(nil), newParticipantIDs...),
				},
			}
			if _, err := e.ledger.Insert(ctx, line); err != nil {
				return fmt.Errorf("reconcile: insert for %s failed: %w", id, err)
			}
		}
	}

	return nil
}

// masterOf picks the group's master record: the member flagged as master,
// falling back to the first member for groups written before the flag
// existed.
func masterOf(group []*order.Line) *order.Line {
	for _, l := range group {
		if l.Split != nil && l.Split.Master {
			return l
		}
	}
	return group[0]
}

func requesterOf(master *order.Line) string {
	if master.Split != nil && master.Split.RequesterID != "" {
		return master.Split.RequesterID
	}
	return master.OwnerID
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
