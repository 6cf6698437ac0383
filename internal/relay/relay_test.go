package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/susu3304/warikan/internal/transport"
)

func startRelay(t *testing.T) transport.Dialer {
	t.Helper()
	srv := httptest.NewServer(NewHub())
	t.Cleanup(srv.Close)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	return transport.WebsocketDialer(endpoint)
}

func dial(t *testing.T, dialer transport.Dialer, key string) transport.Channel {
	t.Helper()
	ch, err := dialer(key)
	if err != nil {
		t.Fatalf("dial %s: %v", key, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.WaitJoined(ctx); err != nil {
		t.Fatalf("WaitJoined %s: %v", key, err)
	}
	return ch
}

func TestBroadcastReachesOtherSubscribersOnly(t *testing.T) {
	dialer := startRelay(t)
	sender := dial(t, dialer, "table:1")
	receiver := dial(t, dialer, "table:1")
	stranger := dial(t, dialer, "table:2")

	got := make(chan string, 4)
	receiver.OnEvent(func(event string, payload json.RawMessage) {
		var m map[string]string
		_ = json.Unmarshal(payload, &m)
		got <- event + "/" + m["status"]
	})
	echo := make(chan struct{}, 1)
	sender.OnEvent(func(event string, payload json.RawMessage) { echo <- struct{}{} })
	leak := make(chan struct{}, 1)
	stranger.OnEvent(func(event string, payload json.RawMessage) { leak <- struct{}{} })

	ctx := context.Background()
	if err := sender.Send(ctx, transport.EventOrderStatus, map[string]string{"status": "ready"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case v := <-got:
		if v != transport.EventOrderStatus+"/ready" {
			t.Errorf("received %q, want %q", v, transport.EventOrderStatus+"/ready")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
	select {
	case <-echo:
		t.Error("broadcast echoed back to the sender")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case <-leak:
		t.Error("broadcast leaked across channels")
	case <-time.After(50 * time.Millisecond):
	}
}

// A busy table means many diners subscribing the same channel at once;
// joins, leaves and the join log must stay safe under -race.
func TestConcurrentSubscribersOnOneChannel(t *testing.T) {
	dialer := startRelay(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := dialer("table:busy")
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := ch.WaitJoined(ctx); err != nil {
				t.Errorf("WaitJoined: %v", err)
			}
			_ = ch.Close()
		}()
	}
	wg.Wait()
}

func TestPresenceTrackAndSync(t *testing.T) {
	dialer := startRelay(t)
	alice := dial(t, dialer, "presence:1")
	bob := dial(t, dialer, "presence:1")

	syncs := make(chan int, 8)
	alice.OnSync(func(members []json.RawMessage) { syncs <- len(members) })

	ctx := context.Background()
	if err := alice.Track(ctx, map[string]string{"id": "alice", "name": "Alice"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := bob.Track(ctx, map[string]string{"id": "bob", "name": "Bob"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	want := []int{1, 2}
	for _, n := range want {
		select {
		case got := <-syncs:
			if got != n {
				t.Errorf("sync membership = %d, want %d", got, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("sync with %d members never arrived", n)
		}
	}

	// Bob leaving re-syncs the remaining membership.
	_ = bob.Close()
	select {
	case got := <-syncs:
		if got != 1 {
			t.Errorf("post-leave sync membership = %d, want 1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leave sync never arrived")
	}
}

func TestRegistryOverRelay(t *testing.T) {
	dialer := startRelay(t)
	registry := transport.NewRegistry(dialer)

	inbox := dial(t, dialer, transport.UserKey("tina"))
	got := make(chan string, 1)
	inbox.OnEvent(func(event string, payload json.RawMessage) { got <- event })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.SendUser(ctx, "tina", transport.EventSplitResponse, map[string]string{"status": "accepted"}); err != nil {
		t.Fatalf("SendUser: %v", err)
	}

	select {
	case event := <-got:
		if event != transport.EventSplitResponse {
			t.Errorf("received %q, want %q", event, transport.EventSplitResponse)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("addressed message never arrived")
	}
}
