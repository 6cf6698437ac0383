// Package notify is the single fan-in point for a diner's inbound
// protocol messages: it subscribes to the user's addressed channel and
// the table broadcast channel and routes events either into the
// negotiation state machine or to passive status toasts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/split"
	"github.com/susu3304/warikan/internal/transport"
)

// Prompter surfaces a pending share decision to the diner.
type Prompter func(req split.ShareRequest)

// Toaster surfaces a passive, non-blocking notice.
type Toaster func(text string)

// Dispatcher routes inbound events for one diner.
type Dispatcher struct {
	splits  *split.Service
	ledger  order.Ledger
	tableID string
	selfID  string

	// Prompt and Toast are optional UI hooks.
	Prompt Prompter
	Toast  Toaster

	mu      sync.Mutex
	pending *split.ShareRequest
}

// New returns a dispatcher feeding splits. The ledger is used to resolve
// legacy table-channel split requests that reference an order id instead
// of carrying item details.
func New(splits *split.Service, ledger order.Ledger, tableID string) *Dispatcher {
	return &Dispatcher{
		splits:  splits,
		ledger:  ledger,
		tableID: tableID,
		selfID:  splits.Self().ID,
	}
}

// Bind subscribes the dispatcher to the diner's user channel and the
// table channel.
func (d *Dispatcher) Bind(userCh, tableCh transport.Channel) {
	userCh.OnEvent(d.HandleUserEvent)
	tableCh.OnEvent(d.HandleTableEvent)
}

// HandleUserEvent routes an event from the diner's addressed channel.
func (d *Dispatcher) HandleUserEvent(event string, payload json.RawMessage) {
	switch event {
	case transport.EventRequestOrderShare:
		var req split.ShareRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Printf("notify: bad share request: %v", err)
			return
		}
		if req.TargetUserID != "" && req.TargetUserID != d.selfID {
			return
		}
		d.setPending(req)
	case transport.EventSplitResponse:
		var resp split.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Printf("notify: bad split response: %v", err)
			return
		}
		d.splits.HandleResponse(context.Background(), resp)
	default:
		log.Printf("notify: unhandled user event %s", event)
	}
}

// HandleTableEvent routes an event from the table broadcast channel.
func (d *Dispatcher) HandleTableEvent(event string, payload json.RawMessage) {
	switch event {
	case transport.EventRequestSplit:
		var req split.SplitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Printf("notify: bad split request: %v", err)
			return
		}
		d.handleLegacySplitRequest(req)
	case transport.EventOrderStatus:
		var upd split.StatusUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			log.Printf("notify: bad status update: %v", err)
			return
		}
		// Passive only; never touches the negotiation protocol.
		d.toast(fmt.Sprintf("%s is now %s", upd.ItemName, upd.Status))
	default:
		log.Printf("notify: unhandled table event %s", event)
	}
}

// handleLegacySplitRequest serves clients that announce splits only on
// the table channel. The referenced order line provides the item details
// a direct share request would carry; when it cannot be found the
// request degrades to a passive notice.
func (d *Dispatcher) handleLegacySplitRequest(req split.SplitRequest) {
	if req.RequesterID == d.selfID || !containsID(req.TargetIDs, d.selfID) {
		return
	}
	line := d.lookupLine(req.OrderID)
	if line == nil {
		d.toast(fmt.Sprintf("%s wants to split %s", req.RequesterName, req.ItemName))
		return
	}
	d.setPending(split.ShareRequest{
		ItemDetails: split.ItemDetails{
			Name:        line.Name,
			Price:       line.Price,
			Quantity:    line.Quantity,
			ProductID:   line.ProductID,
			TotalParts:  len(req.TargetIDs) + 1,
			TableID:     d.tableID,
			RequesterID: req.RequesterID,
		},
		TargetUserID:  d.selfID,
		RequesterName: req.RequesterName,
		RequesterID:   req.RequesterID,
	})
}

// Pending returns the currently pending share request, if any.
func (d *Dispatcher) Pending() (split.ShareRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return split.ShareRequest{}, false
	}
	return *d.pending, true
}

// Resolve answers the pending share request. Returns an error when
// nothing is pending or the answer could not be carried out.
func (d *Dispatcher) Resolve(ctx context.Context, accept bool) error {
	d.mu.Lock()
	req := d.pending
	d.pending = nil
	d.mu.Unlock()
	if req == nil {
		return fmt.Errorf("notify: no pending share request")
	}
	if accept {
		return d.splits.Accept(ctx, *req)
	}
	return d.splits.Reject(ctx, *req)
}

// setPending installs the request as the single pending decision.
// Concurrent incoming requests are not queued; the last one wins.
func (d *Dispatcher) setPending(req split.ShareRequest) {
	d.mu.Lock()
	d.pending = &req
	d.mu.Unlock()
	if d.Prompt != nil {
		d.Prompt(req)
	}
}

func (d *Dispatcher) toast(text string) {
	if d.Toast != nil {
		d.Toast(text)
	}
}

func (d *Dispatcher) lookupLine(orderID string) *order.Line {
	if orderID == "" || d.ledger == nil {
		return nil
	}
	lines, err := d.ledger.Query(context.Background(), d.tableID, order.Filter{})
	if err != nil {
		log.Printf("notify: order lookup failed: %v", err)
		return nil
	}
	for _, l := range lines {
		if l.ID == orderID {
			return l
		}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
