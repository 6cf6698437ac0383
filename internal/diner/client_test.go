package diner

import (
	"context"
	"testing"
	"time"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/split"
	"github.com/susu3304/warikan/internal/transport"
)

func newTable(t *testing.T) (*transport.Broker, *order.MemoryLedger, *order.MemoryCatalog) {
	t.Helper()
	return transport.NewBroker(),
		order.NewMemoryLedger(),
		order.NewMemoryCatalog(order.MenuItem{ID: "vinho", Name: "Vinho", Price: 100})
}

func connect(t *testing.T, broker *transport.Broker, ledger *order.MemoryLedger, catalog *order.MemoryCatalog, id, name string) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Options{
		Self:          split.Identity{ID: id, Name: name},
		TableID:       "t1",
		Dialer:        broker.Channel,
		Ledger:        ledger,
		Catalog:       catalog,
		SweepDebounce: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSplitAcceptedEndToEnd(t *testing.T) {
	broker, ledger, catalog := newTable(t)
	ctx := context.Background()

	alice := connect(t, broker, ledger, catalog, "alice", "Alice")
	bob := connect(t, broker, ledger, catalog, "bob", "Bob")

	prompted := make(chan split.ShareRequest, 1)
	bob.Notify.Prompt = func(req split.ShareRequest) { prompted <- req }

	_, err := alice.ProposeSplit(ctx, split.ItemDetails{
		Name: "Vinho", Price: 100, Quantity: 1, ProductID: "vinho",
	}, []string{"bob"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	select {
	case req := <-prompted:
		if req.RequesterName != "Alice" {
			t.Errorf("expected request from Alice, got %q", req.RequesterName)
		}
	case <-time.After(time.Second):
		t.Fatal("bob was never prompted")
	}

	if err := bob.RespondToShare(ctx, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Accept response flows back synchronously over the broker and
	// finalizes inline (zero delay).
	lines, err := ledger.Query(ctx, "t1", order.Filter{OnlySplit: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected master + satellite, got %d lines", len(lines))
	}
	var total float64
	masters := 0
	for _, l := range lines {
		total += l.Price
		if l.Split.Master {
			masters++
			if l.OwnerID != "alice" {
				t.Errorf("master should belong to the requester, got %q", l.OwnerID)
			}
		}
	}
	if total != 100 {
		t.Errorf("split halves should add to 100, got %v", total)
	}
	if masters != 1 {
		t.Errorf("expected exactly one master, got %d", masters)
	}
}

func TestSplitRejectedEndToEnd(t *testing.T) {
	broker, ledger, catalog := newTable(t)
	ctx := context.Background()

	alice := connect(t, broker, ledger, catalog, "alice", "Alice")
	bob := connect(t, broker, ledger, catalog, "bob", "Bob")

	prompted := make(chan struct{}, 1)
	bob.Notify.Prompt = func(split.ShareRequest) { prompted <- struct{}{} }

	rejected := make(chan split.Session, 4)
	alice.Splits.OnChange = func(s split.Session) {
		if s.State == split.StateRejected {
			rejected <- s
		}
	}

	sess, err := alice.ProposeSplit(ctx, split.ItemDetails{
		Name: "Vinho", Price: 100, Quantity: 1, ProductID: "vinho",
	}, []string{"bob"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	<-prompted
	if err := bob.RespondToShare(ctx, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("session never reached rejected")
	}

	if err := alice.Splits.ContinueAlone(ctx, sess.ID); err != nil {
		t.Fatalf("continue alone: %v", err)
	}

	lines, err := ledger.Query(ctx, "t1", order.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected a single full-price line, got %d", len(lines))
	}
	if lines[0].Price != 100 || lines[0].OwnerID != "alice" || lines[0].IsSplit() {
		t.Errorf("continue-alone line wrong: %+v", lines[0])
	}
}

func TestResplitDropsParticipantAndSweepReclaims(t *testing.T) {
	broker, ledger, catalog := newTable(t)
	ctx := context.Background()

	alice := connect(t, broker, ledger, catalog, "alice", "Alice")
	bob := connect(t, broker, ledger, catalog, "bob", "Bob")

	prompted := make(chan struct{}, 1)
	bob.Notify.Prompt = func(split.ShareRequest) { prompted <- struct{}{} }

	if _, err := alice.ProposeSplit(ctx, split.ItemDetails{
		Name: "Vinho", Price: 100, Quantity: 1, ProductID: "vinho",
	}, []string{"bob"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	<-prompted
	if err := bob.RespondToShare(ctx, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Alice drops Bob and keeps the item to herself.
	if err := alice.Resplit(ctx, "vinho", []string{"alice"}); err != nil {
		t.Fatalf("resplit: %v", err)
	}

	// Bob's sweep must find nothing left to keep: either the
	// reconciliation already removed his fragment or the sweep reclaims
	// it now.
	if err := bob.sweeper.Run(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	lines, err := ledger.Query(ctx, "t1", order.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected only alice's collapsed line, got %d", len(lines))
	}
	l := lines[0]
	if l.OwnerID != "alice" || l.Price != 100 || l.IsSplit() || l.Name != "Vinho" {
		t.Errorf("collapsed line wrong: %+v", l)
	}
}

func TestPresenceMergesHeartbeatAndOrders(t *testing.T) {
	broker, ledger, catalog := newTable(t)
	ctx := context.Background()

	alice := connect(t, broker, ledger, catalog, "alice", "Alice")
	connect(t, broker, ledger, catalog, "bob", "Bob")

	// Carol never heartbeats but owns an unpaid line.
	if _, err := ledger.Insert(ctx, &order.Line{
		TableID: "t1", Name: "Pizza", Price: 80, Quantity: 1, OwnerID: "Carol",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	participants, err := alice.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	byID := make(map[string]bool, len(participants))
	for _, p := range participants {
		byID[p.ID] = true
	}
	for _, want := range []string{"alice", "bob", "Carol"} {
		if !byID[want] {
			t.Errorf("expected %s in the participant set %v", want, participants)
		}
	}
}

func TestCallStaff(t *testing.T) {
	broker, ledger, catalog := newTable(t)
	ctx := context.Background()

	alice := connect(t, broker, ledger, catalog, "alice", "Alice")
	if err := alice.CallStaff(ctx); err != nil {
		t.Fatalf("call staff: %v", err)
	}

	lines, err := ledger.Query(ctx, "t1", order.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(lines) != 1 || lines[0].Name != order.StaffCallName || lines[0].Status != order.StatusServiceCall {
		t.Fatalf("expected one service-call line, got %+v", lines)
	}

	// Service calls are signals, not diners: presence must not show one.
	participants, err := alice.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	for _, p := range participants {
		if p.Name == order.StaffCallName {
			t.Errorf("service call leaked into presence: %+v", p)
		}
	}
}
