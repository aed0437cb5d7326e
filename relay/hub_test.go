package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/notification"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

type fakeBridge struct {
	mu        sync.Mutex
	published []Delivery
	deliver   func(Delivery)
}

func (b *fakeBridge) Publish(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, d)
	return nil
}

func (b *fakeBridge) Subscribe(fn func(Delivery)) error {
	b.deliver = fn
	return nil
}

func (b *fakeBridge) Close() error { return nil }

// attach registers a peer without a network connection.
func attach(t *testing.T, h *Hub, userID string) *peer {
	t.Helper()
	p := newPeer(h, nil, userID)
	h.register(context.Background(), p)
	<-p.send // connection_established
	return p
}

func drainTypes(p *peer) []string {
	var types []string
	for {
		select {
		case raw, ok := <-p.send:
			if !ok {
				return types
			}
			env, err := interfaces.DecodeEnvelope(raw)
			if err == nil {
				types = append(types, env.Type)
			}
		default:
			return types
		}
	}
}

func TestMemoryPresenceCountsConnections(t *testing.T) {
	p := NewMemoryPresence()
	ctx := context.Background()

	if first, _ := p.Connect(ctx, "1"); !first {
		t.Fatal("first connection not reported")
	}
	if first, _ := p.Connect(ctx, "1"); first {
		t.Fatal("second connection reported as first")
	}
	if last, _ := p.Disconnect(ctx, "1"); last {
		t.Fatal("first disconnect reported as last")
	}
	if last, _ := p.Disconnect(ctx, "1"); !last {
		t.Fatal("last disconnect not reported")
	}
	if last, _ := p.Disconnect(ctx, "1"); last {
		t.Fatal("disconnect of unknown user reported as last")
	}
	if online, _ := p.Online(ctx); len(online) != 0 {
		t.Fatalf("Online() = %v", online)
	}
}

func TestDeliverPublishesToBridge(t *testing.T) {
	bridge := &fakeBridge{}
	h := NewHub(Config{NodeID: "a"}, logger.Discard(), WithBridge(bridge))
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	p := attach(t, h, "2")
	drainTypes(p)

	env, _ := interfaces.NewEnvelope(interfaces.TypeChatMessage, map[string]any{"message": "x"})
	if n := h.Deliver(context.Background(), []string{"2", "2"}, env, originLocal); n != 1 {
		t.Fatalf("Deliver() reached %d peers, want 1", n)
	}

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	var last Delivery
	for _, d := range bridge.published {
		if d.UserIDs != nil {
			last = d
		}
	}
	if len(last.UserIDs) != 2 || string(last.Raw) != string(env.Raw) {
		t.Fatalf("published %+v", last)
	}
}

func TestBridgedDeliveryReachesLocalPeers(t *testing.T) {
	bridge := &fakeBridge{}
	h := NewHub(Config{NodeID: "a"}, logger.Discard(), WithBridge(bridge))
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	bob := attach(t, h, "2")
	carol := attach(t, h, "3")
	drainTypes(bob)
	drainTypes(carol)

	env, _ := interfaces.NewEnvelope(interfaces.TypeChatMessage, map[string]any{"message": "from node b"})
	bridge.deliver(Delivery{Origin: "b", UserIDs: []string{"2"}, Raw: env.Raw})

	if got := drainTypes(bob); len(got) != 1 || got[0] != "chat_message" {
		t.Fatalf("bob got %v", got)
	}
	if got := drainTypes(carol); len(got) != 0 {
		t.Fatalf("carol got %v", got)
	}
}

func TestSlowPeerDropped(t *testing.T) {
	h := NewHub(Config{SendBuffer: 2}, logger.Discard())
	p := attach(t, h, "1")

	env, _ := interfaces.NewEnvelope(interfaces.TypeTyping, nil)
	for i := 0; i < 4; i++ {
		h.deliverLocal([]string{"1"}, env.Raw)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		t.Fatal("slow peer not closed")
	}
	if p.enqueue(env.Raw) {
		t.Fatal("enqueue succeeded on closed peer")
	}
}

type chanNotifications chan notification.Notification

func (c chanNotifications) SubscribeAll(context.Context) (<-chan notification.Notification, error) {
	return c, nil
}

type chanWallets chan CreditsUpdate

func (c chanWallets) Subscribe(context.Context) (<-chan CreditsUpdate, error) {
	return c, nil
}

func TestForwardersDeliverToOwner(t *testing.T) {
	h := NewHub(Config{}, logger.Discard())
	bob := attach(t, h, "2")
	drainTypes(bob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := make(chanNotifications, 1)
	wallets := make(chanWallets, 1)
	go h.ForwardNotifications(ctx, notes)
	go h.ForwardWallets(ctx, wallets)

	notes <- notification.Notification{ID: "n1", UserID: "2", Category: notification.CategoryMatches, Title: "New match"}
	notes <- notification.Notification{ID: "n2", UserID: "9", Category: notification.CategoryMatches, Title: "Not bob"}
	wallets <- CreditsUpdate{UserID: "2", Credits: 950}

	var frames []map[string]any
	deadline := time.After(2 * time.Second)
	for len(frames) < 2 {
		select {
		case raw := <-bob.send:
			var f map[string]any
			_ = json.Unmarshal(raw, &f)
			frames = append(frames, f)
		case <-deadline:
			t.Fatalf("got %d frames, want 2", len(frames))
		}
	}

	byType := map[string]map[string]any{}
	for _, f := range frames {
		byType[f["type"].(string)] = f
	}
	if n := byType["notification"]; n == nil || n["id"] != "n1" {
		t.Fatalf("notification frame = %v", n)
	}
	if w := byType["credits_updated"]; w == nil || w["credits"] != float64(950) {
		t.Fatalf("credits frame = %v", w)
	}
}
