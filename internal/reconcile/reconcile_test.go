package reconcile

import (
	"context"
	"math"
	"testing"

	"github.com/susu3304/warikan/internal/order"
)

const (
	tableID   = "t1"
	productID = "wine-1"
)

// seedGroup builds an n-way split group for "Vinho" at 100, mastered by
// its requester, and returns the engine, ledger and master id.
func seedGroup(t *testing.T, members ...string) (*Engine, *order.MemoryLedger, string) {
	t.Helper()
	ledger := order.NewMemoryLedger()
	ctx := context.Background()
	parts := len(members)
	share := 100.0 / float64(parts)
	var masterID string
	for i, owner := range members {
		line := &order.Line{
			TableID:   tableID,
			ProductID: productID,
			Name:      order.SplitDisplayName("Vinho", parts),
			Price:     share,
			Quantity:  1,
			OwnerID:   owner,
			Split: &order.SplitDescriptor{
				Parts:         parts,
				OriginalPrice: 100,
				RequesterID:   members[0],
				Participants:  append([]string(nil), members...),
				Master:        i == 0,
			},
		}
		inserted, err := ledger.Insert(ctx, line)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if i == 0 {
			masterID = inserted.ID
		}
	}
	return New(ledger), ledger, masterID
}

func redistribute(t *testing.T, e *Engine, ledger *order.MemoryLedger, newIDs []string) []*order.Line {
	t.Helper()
	ctx := context.Background()
	group, err := e.Group(ctx, tableID, productID, "alice")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if err := e.Redistribute(ctx, group, newIDs); err != nil {
		t.Fatalf("Redistribute: %v", err)
	}
	lines, err := ledger.Query(ctx, tableID, order.Filter{ProductID: productID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return lines
}

func lineOf(lines []*order.Line, owner string) *order.Line {
	for _, l := range lines {
		if l.OwnerID == owner {
			return l
		}
	}
	return nil
}

func TestRedistributePreservesTotalValue(t *testing.T) {
	e, ledger, _ := seedGroup(t, "alice", "bob")
	lines := redistribute(t, e, ledger, []string{"alice", "bob", "carol"})

	if len(lines) != 3 {
		t.Fatalf("group has %d members, want 3", len(lines))
	}
	total := 0.0
	for _, l := range lines {
		total += l.Price * float64(l.Quantity)
		if l.Split == nil || l.Split.Parts != 3 || len(l.Split.Participants) != 3 {
			t.Errorf("member %s descriptor wrong: %+v", l.OwnerID, l.Split)
		}
		if math.Abs(l.Price-100.0/3) > 1e-9 {
			t.Errorf("member %s price = %v, want %v", l.OwnerID, l.Price, 100.0/3)
		}
	}
	if math.Abs(total-100) > 1e-9 {
		t.Errorf("group total = %v, want 100 (no value created or destroyed)", total)
	}

	masters := 0
	for _, l := range lines {
		if l.Split.Master {
			masters++
		}
	}
	if masters != 1 {
		t.Errorf("group has %d masters, want exactly 1", masters)
	}
}

func TestCollapseToSingleParticipant(t *testing.T) {
	e, ledger, masterID := seedGroup(t, "alice", "bob", "carol")
	lines := redistribute(t, e, ledger, []string{"alice"})

	if len(lines) != 1 {
		t.Fatalf("collapse left %d lines, want 1", len(lines))
	}
	l := lines[0]
	if l.ID != masterID {
		t.Errorf("collapse changed the record identity: %s != %s", l.ID, masterID)
	}
	if l.IsSplit() || l.Split != nil {
		t.Errorf("collapsed line still split: %+v", l.Split)
	}
	if l.Price != 100 {
		t.Errorf("collapsed price = %v, want the original 100", l.Price)
	}
	if l.Name != "Vinho" {
		t.Errorf("collapsed name = %q, want %q", l.Name, "Vinho")
	}
}

func TestSurvivorIdentityStability(t *testing.T) {
	t.Run("master owner stays", func(t *testing.T) {
		e, ledger, masterID := seedGroup(t, "alice", "bob", "carol")
		lines := redistribute(t, e, ledger, []string{"alice", "bob"})

		alice := lineOf(lines, "alice")
		if alice == nil || alice.ID != masterID {
			t.Fatalf("alice should keep the master record %s, got %+v", masterID, alice)
		}
		if lineOf(lines, "carol") != nil {
			t.Error("removed member carol still has a line")
		}
	})

	t.Run("master owner removed", func(t *testing.T) {
		e, ledger, masterID := seedGroup(t, "alice", "bob", "carol")
		lines := redistribute(t, e, ledger, []string{"bob", "carol"})

		bob := lineOf(lines, "bob")
		if bob == nil || bob.ID != masterID {
			t.Fatalf("first remaining id bob should inherit the master record %s, got %+v", masterID, bob)
		}
		if !bob.Split.Master {
			t.Error("inherited record lost its master flag")
		}
		if lineOf(lines, "alice") != nil {
			t.Error("removed requester alice still has a line")
		}
		if len(lines) != 2 {
			t.Errorf("group has %d members, want 2", len(lines))
		}
	})
}

func TestRepeatedResplitKeepsNameClean(t *testing.T) {
	e, ledger, _ := seedGroup(t, "alice", "bob")
	redistribute(t, e, ledger, []string{"alice", "bob", "carol"})
	lines := redistribute(t, e, ledger, []string{"alice", "bob"})

	for _, l := range lines {
		if l.Name != "1/2 Vinho" {
			t.Errorf("member %s name = %q, want %q", l.OwnerID, l.Name, "1/2 Vinho")
		}
	}
}

func TestBasePriceFallsBackToMemberSum(t *testing.T) {
	e, ledger, _ := seedGroup(t, "alice", "bob")
	ctx := context.Background()

	// Strip the recorded original price from the master.
	group, _ := e.Group(ctx, tableID, productID, "alice")
	master := group[0]
	if !master.Split.Master {
		master = group[1]
	}
	desc := *master.Split
	desc.OriginalPrice = 0
	if _, err := ledger.Update(ctx, master.ID, order.Patch{Split: &desc}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	lines := redistribute(t, e, ledger, []string{"alice", "bob", "carol", "dave"})
	for _, l := range lines {
		if math.Abs(l.Price-25) > 1e-9 {
			t.Errorf("member %s price = %v, want 25 (base from member sum)", l.OwnerID, l.Price)
		}
	}
}

func TestRejectedMasterUpdateAbortsBeforeDeletes(t *testing.T) {
	e, ledger, _ := seedGroup(t, "alice", "bob", "carol")
	ctx := context.Background()

	group, err := e.Group(ctx, tableID, productID, "alice")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}

	ledger.RejectUpdate = true
	if err := e.Redistribute(ctx, group, []string{"alice", "bob"}); err == nil {
		t.Fatal("Redistribute should fail when the master write is rejected")
	}

	ledger.RejectUpdate = false
	lines, _ := ledger.Query(ctx, tableID, order.Filter{ProductID: productID})
	if len(lines) != 3 {
		t.Fatalf("aborted redistribution mutated the group: %d lines, want 3 untouched", len(lines))
	}
	for _, l := range lines {
		if l.Split.Parts != 3 {
			t.Errorf("member %s was partially rewritten: %+v", l.OwnerID, l.Split)
		}
	}
}
