// Package diner assembles one diner's client session: the channel
// registry, the negotiation service, the inbound dispatcher, presence
// tracking and the cleanup sweep, all bound to a single (diner, table)
// pair.
package diner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/susu3304/warikan/internal/notify"
	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/presence"
	"github.com/susu3304/warikan/internal/reconcile"
	"github.com/susu3304/warikan/internal/split"
	"github.com/susu3304/warikan/internal/sweep"
	"github.com/susu3304/warikan/internal/transport"
)

// Options configures a client session.
type Options struct {
	Self    split.Identity
	TableID string

	// Dialer creates pub/sub channels: transport.WebsocketDialer for a
	// relay deployment, a Broker's Channel method in-process.
	Dialer transport.Dialer

	Ledger  order.Ledger
	Catalog order.Catalog
	// Profiles resolves registered diner display data; nil degrades to
	// placeholders.
	Profiles presence.Profiles

	FinalizeDelay time.Duration
	SweepDebounce time.Duration
}

// Client is one diner's live session at a table.
type Client struct {
	self     split.Identity
	tableID  string
	ledger   order.Ledger
	registry *transport.Registry

	Splits    *split.Service
	Notify    *notify.Dispatcher
	Presence  *presence.Tracker
	Reconcile *reconcile.Engine

	sweeper *sweep.Sweeper
	presCh  transport.Channel
}

// Connect wires up a client session and subscribes its three channels:
// the diner's addressed channel, the table broadcast channel and the
// table presence channel.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Self.ID == "" {
		return nil, fmt.Errorf("diner: missing identity")
	}
	if opts.TableID == "" {
		return nil, fmt.Errorf("diner: missing table id")
	}
	if opts.Dialer == nil || opts.Ledger == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("diner: dialer, ledger and catalog are required")
	}

	registry := transport.NewRegistry(opts.Dialer)

	splits := split.New(opts.Self, opts.TableID, opts.Ledger, opts.Catalog, registry)
	splits.FinalizeDelay = opts.FinalizeDelay

	dispatcher := notify.New(splits, opts.Ledger, opts.TableID)

	userCh, err := registry.Channel(transport.UserKey(opts.Self.ID))
	if err != nil {
		return nil, err
	}
	tableCh, err := registry.Channel(transport.TableKey(opts.TableID))
	if err != nil {
		return nil, err
	}
	presCh, err := registry.Channel(transport.PresenceKey(opts.TableID))
	if err != nil {
		return nil, err
	}
	for _, ch := range []transport.Channel{userCh, tableCh, presCh} {
		if err := ch.WaitJoined(ctx); err != nil {
			return nil, fmt.Errorf("diner: subscribe: %w", err)
		}
	}

	dispatcher.Bind(userCh, tableCh)

	tracker := presence.New(opts.Ledger, opts.Profiles, opts.TableID)
	presCh.OnSync(tracker.HandleSync)

	sweeper := sweep.New(opts.Ledger, opts.TableID, opts.Self.ID, opts.SweepDebounce)
	// Any order activity visible from the table may have orphaned one of
	// our fragments.
	tableCh.OnEvent(func(event string, _ json.RawMessage) {
		sweeper.Kick()
	})
	userCh.OnEvent(func(event string, _ json.RawMessage) {
		if event == transport.EventSplitResponse {
			sweeper.Kick()
		}
	})
	sweeper.Start()

	c := &Client{
		self:      opts.Self,
		tableID:   opts.TableID,
		ledger:    opts.Ledger,
		registry:  registry,
		Splits:    splits,
		Notify:    dispatcher,
		Presence:  tracker,
		Reconcile: reconcile.New(opts.Ledger),
		sweeper:   sweeper,
		presCh:    presCh,
	}

	if err := c.Heartbeat(ctx); err != nil {
		// Non-fatal: the durable presence source covers us once we order.
		log.Printf("diner: presence heartbeat failed: %v", err)
	}
	return c, nil
}

// Heartbeat (re-)announces this diner on the presence channel.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.presCh.Track(ctx, presence.Participant{
		ID:     c.self.ID,
		Name:   c.self.Name,
		Avatar: presence.AvatarURL(c.self.Name),
	})
}

// ProposeSplit starts a split negotiation for item with the given
// co-payers.
func (c *Client) ProposeSplit(ctx context.Context, item split.ItemDetails, participantIDs []string) (split.Session, error) {
	return c.Splits.Propose(ctx, item, participantIDs)
}

// RespondToShare answers the pending inbound share request.
func (c *Client) RespondToShare(ctx context.Context, accept bool) error {
	return c.Notify.Resolve(ctx, accept)
}

// Resplit redistributes one of this diner's existing split groups over a
// new participant set. Fragments of dropped participants that we cannot
// delete ourselves are reclaimed by their owners' sweeps.
func (c *Client) Resplit(ctx context.Context, productID string, participantIDs []string) error {
	group, err := c.Reconcile.Group(ctx, c.tableID, productID, c.self.ID)
	if err != nil {
		return err
	}
	if len(group) == 0 {
		return fmt.Errorf("diner: no split group for %s", productID)
	}
	if err := c.Reconcile.Redistribute(ctx, group, participantIDs); err != nil {
		return err
	}
	c.sweeper.Kick()
	return nil
}

// Online returns the current participant view of the table.
func (c *Client) Online(ctx context.Context) ([]presence.Participant, error) {
	return c.Presence.Present(ctx)
}

// CallStaff records a service call for the table. The reserved line is a
// signal, not consumption: zero-priced and excluded from presence and
// splitting.
func (c *Client) CallStaff(ctx context.Context) error {
	_, err := c.ledger.Insert(ctx, &order.Line{
		TableID:  c.tableID,
		Name:     order.StaffCallName,
		Price:    0,
		Quantity: 1,
		Status:   order.StatusServiceCall,
		OwnerID:  c.self.ID,
	})
	return err
}

// Close stops the background sweep. Channels stay open; the registry
// owns their lifecycle.
func (c *Client) Close() {
	c.sweeper.Stop()
}
