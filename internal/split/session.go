// Package split implements the request/accept/reject negotiation for
// sharing a line item between diners at a table.
//
// Each client process runs one Service per (diner, table). The requester
// side drives sessions through propose → waiting → accepted/rejected →
// finalizing; the recipient side answers share requests by creating its
// own satellite order lines and replying over the requester's user
// channel. All coordination between processes happens through the
// messaging transport and the shared order ledger.
package split

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/transport"
)

// State is the lifecycle state of a negotiation session.
type State string

const (
	StateIdle       State = "idle"
	StateProposing  State = "proposing"
	StateWaiting    State = "waiting"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateFinalizing State = "finalizing"
)

// Identity is a participant's id and display name.
type Identity struct {
	ID   string
	Name string
}

// Session is one ephemeral, client-local negotiation. It is never
// persisted; it exists from propose until finalization or cancel.
type Session struct {
	ID        string
	Item      ItemDetails
	Targets   []string          // proposed participants, requester included
	Responses map[string]string // per-target: pending/accepted/rejected
	State     State
}

func (s *Session) clone() Session {
	c := *s
	c.Targets = append([]string(nil), s.Targets...)
	c.Responses = make(map[string]string, len(s.Responses))
	for k, v := range s.Responses {
		c.Responses[k] = v
	}
	return c
}

// Courier delivers protocol messages. The transport registry implements
// it; tests substitute a fake.
type Courier interface {
	SendUser(ctx context.Context, userID, event string, payload any) error
	SendTable(ctx context.Context, tableID, event string, payload any) error
}

// Service runs the negotiation protocol for one diner at one table.
type Service struct {
	self    Identity
	tableID string
	ledger  order.Ledger
	catalog order.Catalog
	courier Courier

	// FinalizeDelay is how long an accepted session lingers before
	// auto-finalizing, giving the UI time to show the confirmation.
	// Zero finalizes inline; a negative delay disables auto-finalize
	// entirely and leaves the session accepted until Finalize is called.
	FinalizeDelay time.Duration

	// OnChange, when set, receives a snapshot after every session
	// transition.
	OnChange func(Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns a Service for the given diner and table.
func New(self Identity, tableID string, ledger order.Ledger, catalog order.Catalog, courier Courier) *Service {
	return &Service{
		self:     self,
		tableID:  tableID,
		ledger:   ledger,
		catalog:  catalog,
		courier:  courier,
		sessions: make(map[string]*Session),
	}
}

// Self returns the local participant identity.
func (s *Service) Self() Identity { return s.self }

// Session returns a snapshot of the session, or false if it no longer
// exists.
func (s *Service) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Propose starts a negotiation for item with the given participant set.
// If the set contains nobody but the proposer, there is nothing to
// negotiate: the session skips straight to finalizing a full-price line
// and no messages are sent. Otherwise one addressed share request goes
// out per target; targets that cannot be reached simply never accept.
func (s *Service) Propose(ctx context.Context, item ItemDetails, participantIDs []string) (Session, error) {
	targets := normalizeTargets(participantIDs, s.self.ID)
	item.TotalParts = len(targets)
	item.TableID = s.tableID
	item.RequesterID = s.self.ID

	sess := &Session{
		ID:        uuid.NewString(),
		Item:      item,
		Targets:   targets,
		Responses: make(map[string]string),
		State:     StateProposing,
	}
	for _, id := range targets {
		if id != s.self.ID {
			sess.Responses[id] = ResponsePending
		}
	}

	if len(targets) == 1 {
		// Paying alone: nothing to negotiate, the session skips straight
		// to finalizing.
		sess.State = StateFinalizing
		s.changed(sess)
		if err := s.finalize(ctx, sess, false); err != nil {
			return sess.clone(), err
		}
		sess.State = StateIdle
		s.changed(sess)
		return sess.clone(), nil
	}

	s.mu.Lock()
	sess.State = StateWaiting
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.changed(sess)

	// Targets are contacted independently and concurrently; one
	// unreachable target must not block the others.
	var wg sync.WaitGroup
	for _, target := range targets {
		if target == s.self.ID {
			continue
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			req := ShareRequest{
				ItemDetails:   sess.Item,
				TargetUserID:  target,
				RequesterName: s.self.Name,
				RequesterID:   s.self.ID,
			}
			if err := s.courier.SendUser(ctx, target, transport.EventRequestOrderShare, req); err != nil {
				log.Printf("split: share request to %s not delivered: %v", target, err)
			}
		}(target)
	}
	wg.Wait()

	// Legacy announcement for clients that only listen on the table
	// channel. The fixed wire shape has no item reference, only an id, so
	// OrderID carries the session id; no ledger row exists at propose
	// time, and listeners that cannot resolve the id degrade to a passive
	// notice.
	legacy := SplitRequest{
		OrderID:       sess.ID,
		ItemName:      item.Name,
		TargetIDs:     othersOf(targets, s.self.ID),
		RequesterName: s.self.Name,
		RequesterID:   s.self.ID,
	}
	if err := s.courier.SendTable(ctx, s.tableID, transport.EventRequestSplit, legacy); err != nil {
		log.Printf("split: table announcement not delivered: %v", err)
	}

	return sess.clone(), nil
}

// HandleResponse feeds a target's decision into the matching session.
// The first terminal response decides the session; later duplicates and
// responses from irrelevant diners are no-ops.
func (s *Service) HandleResponse(ctx context.Context, resp Response) {
	s.mu.Lock()
	var sess *Session
	for _, candidate := range s.sessions {
		if candidate.State != StateWaiting && candidate.State != StateAccepted && candidate.State != StateRejected {
			continue
		}
		if _, ok := candidate.Responses[resp.ResponderID]; ok {
			sess = candidate
			break
		}
	}
	if sess == nil {
		s.mu.Unlock()
		return
	}
	if resp.Status != ResponseAccepted && resp.Status != ResponseRejected {
		s.mu.Unlock()
		return
	}
	sess.Responses[resp.ResponderID] = resp.Status

	if sess.State != StateWaiting {
		// Already decided; this is a duplicate or a late straggler.
		s.mu.Unlock()
		return
	}

	var accepted bool
	switch resp.Status {
	case ResponseAccepted:
		sess.State = StateAccepted
		accepted = true
	case ResponseRejected:
		// Terminal for the protocol; the requester chooses between
		// cancel and continue-alone.
		sess.State = StateRejected
	}
	id := sess.ID
	s.mu.Unlock()
	s.changed(sess)

	if accepted {
		switch {
		case s.FinalizeDelay > 0:
			time.AfterFunc(s.FinalizeDelay, func() {
				if err := s.Finalize(context.Background(), id, true); err != nil {
					log.Printf("split: auto-finalize of session %s failed: %v", id, err)
				}
			})
		case s.FinalizeDelay == 0:
			if err := s.Finalize(ctx, id, true); err != nil {
				log.Printf("split: finalize of session %s failed: %v", id, err)
			}
		}
	}
}

// Finalize writes the requester's own order lines for the session and
// destroys it. With isSplit, each line carries the session's fractional
// price and the full participant set; otherwise a single full-price
// plain line per item. Lines for other participants are not written
// here; each acceptor already created its own.
func (s *Service) Finalize(ctx context.Context, sessionID string, isSplit bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("split: no such session %s", sessionID)
	}
	if sess.State == StateFinalizing {
		s.mu.Unlock()
		return nil
	}
	sess.State = StateFinalizing
	s.mu.Unlock()
	s.changed(sess)

	err := s.finalize(ctx, sess, isSplit)

	s.mu.Lock()
	delete(s.sessions, sessionID)
	sess.State = StateIdle
	s.mu.Unlock()
	s.changed(sess)
	return err
}

// ContinueAlone re-finalizes a rejected session with the requester as
// the only participant.
func (s *Service) ContinueAlone(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("split: no such session %s", sessionID)
	}
	if sess.State != StateRejected {
		s.mu.Unlock()
		return fmt.Errorf("split: session %s is %s, not rejected", sessionID, sess.State)
	}
	sess.Targets = []string{s.self.ID}
	s.mu.Unlock()
	return s.Finalize(ctx, sessionID, false)
}

// Cancel destroys the session without writing anything.
func (s *Service) Cancel(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		sess.State = StateIdle
	}
	s.mu.Unlock()
	if ok {
		s.changed(sess)
	}
}

// finalize writes the requester's lines. Items whose authoritative price
// cannot be validated are skipped; zero successfully processed items
// fails the whole finalize with nothing written.
func (s *Service) finalize(ctx context.Context, sess *Session, isSplit bool) error {
	parts := len(sess.Targets)
	if !isSplit || parts < 1 {
		parts = 1
	}

	created := 0
	for _, ref := range refsOf(sess.Item) {
		item := s.authoritativeItem(ctx, ref.ProductID)
		if item == nil {
			continue
		}
		line := &order.Line{
			TableID:   s.tableID,
			ProductID: item.ID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  ref.Quantity,
			Status:    order.StatusPending,
			OwnerID:   s.self.ID,
		}
		if parts > 1 {
			line.Name = order.SplitDisplayName(item.Name, parts)
			line.Price = item.Price / float64(parts)
			line.Split = &order.SplitDescriptor{
				Parts:         parts,
				OriginalPrice: item.Price,
				RequesterID:   s.self.ID,
				Participants:  append([]string(nil), sess.Targets...),
				Master:        true,
			}
		}
		if _, err := s.ledger.Insert(ctx, line); err != nil {
			log.Printf("split: insert of %s failed: %v", item.Name, err)
			continue
		}
		created++
	}
	if created == 0 {
		return fmt.Errorf("split: no items could be finalized for session %s", sess.ID)
	}
	return nil
}

// Accept is the recipient side of a share request: re-fetch the
// authoritative price for every referenced item, create this diner's
// satellite lines, and answer accepted. Invalid items are skipped and
// the accept proceeds for the rest; zero valid items fails the accept
// and nothing is sent.
func (s *Service) Accept(ctx context.Context, req ShareRequest) error {
	parts := req.ItemDetails.TotalParts
	if parts < 1 {
		parts = 1
	}

	created := 0
	for _, ref := range refsOf(req.ItemDetails) {
		item := s.authoritativeItem(ctx, ref.ProductID)
		if item == nil {
			continue
		}
		line := &order.Line{
			TableID:   req.ItemDetails.TableID,
			ProductID: item.ID,
			Name:      order.SplitDisplayName(item.Name, parts),
			Price:     item.Price / float64(parts),
			Quantity:  ref.Quantity,
			Status:    order.StatusPending,
			OwnerID:   s.self.ID,
			Split: &order.SplitDescriptor{
				Parts:         parts,
				OriginalPrice: item.Price,
				RequesterID:   req.RequesterID,
				// The full participant set lives on the master; the
				// satellite records what the recipient knows.
				Participants: []string{req.RequesterID, s.self.ID},
			},
		}
		if _, err := s.ledger.Insert(ctx, line); err != nil {
			log.Printf("split: satellite insert of %s failed: %v", item.Name, err)
			continue
		}
		created++
	}
	if created == 0 {
		return fmt.Errorf("split: share request from %s had no valid items", req.RequesterName)
	}

	resp := Response{Status: ResponseAccepted, ResponderName: s.self.Name, ResponderID: s.self.ID}
	if err := s.courier.SendUser(ctx, req.RequesterID, transport.EventSplitResponse, resp); err != nil {
		// The satellites stay; if the requester never finalizes a
		// master, the cleanup sweep reclaims them.
		return fmt.Errorf("split: accept response not delivered: %w", err)
	}
	return nil
}

// Reject answers a share request with a rejection. No records are
// created.
func (s *Service) Reject(ctx context.Context, req ShareRequest) error {
	resp := Response{Status: ResponseRejected, ResponderName: s.self.Name, ResponderID: s.self.ID}
	if err := s.courier.SendUser(ctx, req.RequesterID, transport.EventSplitResponse, resp); err != nil {
		return fmt.Errorf("split: reject response not delivered: %w", err)
	}
	return nil
}

// authoritativeItem resolves a catalog reference, returning nil for
// anything that must be skipped: unknown ids, lookup failures, and
// non-positive prices.
func (s *Service) authoritativeItem(ctx context.Context, productID string) *order.MenuItem {
	if productID == "" {
		log.Printf("split: item without catalog reference skipped")
		return nil
	}
	item, err := s.catalog.Item(ctx, productID)
	if err != nil {
		log.Printf("split: catalog lookup for %s failed: %v", productID, err)
		return nil
	}
	if item == nil {
		log.Printf("split: unknown catalog item %s skipped", productID)
		return nil
	}
	if item.Price <= 0 {
		log.Printf("split: catalog item %s has non-positive price %v, skipped", productID, item.Price)
		return nil
	}
	return item
}

func (s *Service) changed(sess *Session) {
	if s.OnChange == nil {
		return
	}
	s.mu.Lock()
	snapshot := sess.clone()
	s.mu.Unlock()
	s.OnChange(snapshot)
}

// refsOf expands the subject snapshot into catalog references: the
// itemized sub-list for composite carts, otherwise the single item.
func refsOf(item ItemDetails) []ItemRef {
	if len(item.Items) > 0 {
		return item.Items
	}
	qty := item.Quantity
	if qty < 1 {
		qty = 1
	}
	return []ItemRef{{ProductID: item.ProductID, Quantity: qty}}
}

// normalizeTargets dedupes the participant set and guarantees the
// proposer is part of it.
func normalizeTargets(ids []string, selfID string) []string {
	seen := make(map[string]struct{}, len(ids)+1)
	out := make([]string, 0, len(ids)+1)
	for _, id := range append([]string{selfID}, ids...) {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func othersOf(ids []string, selfID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != selfID {
			out = append(out, id)
		}
	}
	return out
}
