// Package sweep runs the background consistency check that reclaims
// orphaned split fragments.
//
// The requester mutating a split group cannot delete satellites owned by
// other diners, so removal is eventually consistent: each diner's own
// sweep notices that the group's master no longer names them and deletes
// the local fragment.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/susu3304/warikan/internal/order"
)

// DefaultDebounce is how long after an order-list change the sweep
// waits before running, coalescing bursts of changes into one pass.
const DefaultDebounce = 3 * time.Second

// Sweeper checks one diner's split fragments at one table.
type Sweeper struct {
	ledger  order.Ledger
	tableID string
	selfID  string

	debounce time.Duration
	kick     chan struct{}
	stopChan chan struct{}

	// OnOrphan, when set, is told about every reclaimed fragment so the
	// UI can mention it. Informational only.
	OnOrphan func(line *order.Line)
}

// New returns a sweeper for the diner selfID at tableID. A non-positive
// debounce falls back to DefaultDebounce.
func New(ledger order.Ledger, tableID, selfID string, debounce time.Duration) *Sweeper {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Sweeper{
		ledger:   ledger,
		tableID:  tableID,
		selfID:   selfID,
		debounce: debounce,
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the background loop.
func (s *Sweeper) Stop() {
	close(s.stopChan)
}

// Kick notes that the visible order list changed; a sweep runs once the
// debounce window elapses without further kicks.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sweeper) loop() {
	ctx := context.Background()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-s.kick:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := s.Run(ctx); err != nil {
				log.Printf("sweep: pass failed: %v", err)
			}
		case <-s.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Run executes one sweep pass: every local fragment belonging to someone
// else's split group is checked against that group's current master, and
// deleted when the master is gone or no longer names this diner.
func (s *Sweeper) Run(ctx context.Context) error {
	fragments, err := s.ledger.Query(ctx, s.tableID, order.Filter{
		OwnerID:   s.selfID,
		OnlySplit: true,
	})
	if err != nil {
		return err
	}

	for _, frag := range fragments {
		if frag.Split.RequesterID == s.selfID || frag.Split.Master {
			// Our own groups are maintained by our reconciliations.
			continue
		}
		master, err := s.findMaster(ctx, frag)
		if err != nil {
			log.Printf("sweep: master lookup for %s failed: %v", frag.ID, err)
			continue
		}
		if master != nil && master.Split.HasParticipant(s.selfID) {
			continue
		}

		ok, err := s.ledger.Delete(ctx, frag.ID)
		if err != nil {
			log.Printf("sweep: delete of orphan %s failed: %v", frag.ID, err)
			continue
		}
		if !ok {
			continue
		}
		log.Printf("sweep: reclaimed orphaned fragment %s (%s)", frag.ID, frag.Name)
		if s.OnOrphan != nil {
			s.OnOrphan(frag)
		}
	}
	return nil
}

// findMaster locates the current master of the fragment's group, nil
// when it cannot be found (deleted, or no longer visible to us).
func (s *Sweeper) findMaster(ctx context.Context, frag *order.Line) (*order.Line, error) {
	group, err := s.ledger.Query(ctx, s.tableID, order.Filter{
		ProductID:   frag.ProductID,
		RequesterID: frag.Split.RequesterID,
		OnlySplit:   true,
	})
	if err != nil {
		return nil, err
	}
	for _, l := range group {
		if l.Split.Master {
			return l, nil
		}
	}
	return nil, nil
}
