package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lisuiheng/terrimatch-go/metrics"
	"github.com/lisuiheng/terrimatch-go/notification"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

const (
	originLocal  = "local"
	originBridge = "bridge"
	originFeed   = "feed"

	notifyTimeout = 5 * time.Second
	previewRunes  = 120
)

// BalanceLookup supplies the wallet balance sent on connection_established.
type BalanceLookup interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// NotificationWriter persists a notification for an offline-capable
// recipient. The store's change feed brings it back to the recipient.
type NotificationWriter interface {
	InsertNotification(ctx context.Context, n notification.Notification) (notification.Notification, error)
}

// Hub groups peers by user and routes frames between them.
type Hub struct {
	opts     Config
	presence Presence
	bridge   Bridge
	balances BalanceLookup
	notes    NotificationWriter
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	peers map[string]map[*peer]struct{}

	wg sync.WaitGroup
}

type HubOption func(*Hub)

func WithPresence(p Presence) HubOption { return func(h *Hub) { h.presence = p } }

func WithBridge(b Bridge) HubOption { return func(h *Hub) { h.bridge = b } }

func WithBalances(b BalanceLookup) HubOption { return func(h *Hub) { h.balances = b } }

func WithNotificationWriter(w NotificationWriter) HubOption {
	return func(h *Hub) { h.notes = w }
}

func NewHub(cfg Config, log *slog.Logger, opts ...HubOption) *Hub {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		opts:     cfg,
		presence: NewMemoryPresence(),
		bridge:   LocalBridge{},
		logger:   log.With("component", "hub", "node", cfg.NodeID),
		now:      time.Now,
		peers:    make(map[string]map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to deliveries from other nodes.
func (h *Hub) Start() error {
	return h.bridge.Subscribe(h.fromBridge)
}

func (h *Hub) register(ctx context.Context, p *peer) {
	h.mu.Lock()
	set, ok := h.peers[p.userID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[p.userID] = set
	}
	set[p] = struct{}{}
	h.mu.Unlock()
	metrics.RelayConnections.Inc()

	first, err := h.presence.Connect(ctx, p.userID)
	if err != nil {
		h.logger.Error("Presence connect failed", "user", p.userID, "error", err)
	}

	welcome := map[string]any{"user_id": p.userID}
	if h.balances != nil {
		credits, err := h.balances.Balance(ctx, p.userID)
		if err != nil {
			h.logger.Error("Balance lookup failed", "user", p.userID, "error", err)
		} else {
			welcome["credits"] = credits
		}
	}
	if online, err := h.presence.Online(ctx); err == nil {
		welcome["online_users"] = online
	}
	if env, err := interfaces.NewEnvelope(interfaces.TypeConnectionEstablished, welcome); err == nil {
		p.enqueue(env.Raw)
	}

	h.logger.Info("Peer connected", "user", p.userID, "peer", p.id, "first", first)
	if first {
		h.announcePresence(ctx, p.userID, true)
	}
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	set, ok := h.peers[p.userID]
	if ok {
		if _, ok = set[p]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(h.peers, p.userID)
			}
		}
	}
	h.mu.Unlock()
	p.close()
	if !ok {
		return
	}
	metrics.RelayConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	last, err := h.presence.Disconnect(ctx, p.userID)
	if err != nil {
		h.logger.Error("Presence disconnect failed", "user", p.userID, "error", err)
	}
	h.logger.Info("Peer disconnected", "user", p.userID, "peer", p.id, "last", last)
	if last {
		h.announcePresence(ctx, p.userID, false)
	}
}

func (h *Hub) announcePresence(ctx context.Context, userID string, online bool) {
	env, err := interfaces.NewEnvelope(interfaces.TypePresenceUpdate, map[string]any{"user_id": userID, "online": online})
	if err != nil {
		return
	}
	h.Deliver(ctx, nil, env, originLocal)
}

// Deliver sends env to the peers of userIDs on this node and publishes it to
// the other nodes. Nil userIDs broadcasts.
func (h *Hub) Deliver(ctx context.Context, userIDs []string, env interfaces.Envelope, origin string) int {
	n := h.deliverLocal(userIDs, env.Raw)
	metrics.RelayEnvelopesRouted.WithLabelValues(env.Type, origin).Inc()
	if err := h.bridge.Publish(ctx, Delivery{UserIDs: userIDs, Raw: env.Raw}); err != nil {
		h.logger.Warn("Bridge publish failed", "type", env.Type, "error", err)
	}
	return n
}

func (h *Hub) fromBridge(d Delivery) {
	env, err := interfaces.DecodeEnvelope(d.Raw)
	if err != nil {
		h.logger.Warn("Dropping bridged frame", "origin", d.Origin, "error", err)
		return
	}
	h.deliverLocal(d.UserIDs, env.Raw)
	metrics.RelayEnvelopesRouted.WithLabelValues(env.Type, originBridge).Inc()
}

func (h *Hub) deliverLocal(userIDs []string, raw []byte) int {
	var targets []*peer
	h.mu.RLock()
	if userIDs == nil {
		for _, set := range h.peers {
			for p := range set {
				targets = append(targets, p)
			}
		}
	} else {
		seen := make(map[string]bool, len(userIDs))
		for _, id := range userIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			for p := range h.peers[id] {
				targets = append(targets, p)
			}
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if p.enqueue(raw) {
			n++
		}
	}
	return n
}

// PeerCount returns the number of connections on this node.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.peers {
		n += len(set)
	}
	return n
}

func (h *Hub) route(p *peer, env interfaces.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case interfaces.TypeChatMessage:
		h.routeChat(ctx, p, env)
	case interfaces.TypeTyping:
		h.routeTyping(ctx, p, env)
	default:
		metrics.RelayFramesRejected.WithLabelValues("unsupported_type").Inc()
		h.logger.Debug("Unsupported frame type", "type", env.Type, "user", p.userID)
	}
}

func (h *Hub) routeChat(ctx context.Context, p *peer, env interfaces.Envelope) {
	var fields map[string]any
	if err := env.Decode(&fields); err != nil {
		metrics.RelayFramesRejected.WithLabelValues("invalid").Inc()
		return
	}
	text, _ := fields["message"].(string)
	if strings.TrimSpace(text) == "" {
		metrics.RelayFramesRejected.WithLabelValues("empty_message").Inc()
		return
	}

	delete(fields, "type")
	fields["sender_id"] = p.userID
	if id, _ := fields["id"].(string); id == "" {
		fields["id"] = uuid.NewString()
	}
	if at, _ := fields["sent_at"].(string); at == "" {
		fields["sent_at"] = h.now().UTC().Format(time.RFC3339Nano)
	}

	out, err := interfaces.NewEnvelope(interfaces.TypeChatMessage, fields)
	if err != nil {
		h.logger.Error("Failed to encode chat message", "error", err)
		return
	}

	recipient, _ := fields["recipient_id"].(string)
	if recipient == "" {
		h.Deliver(ctx, nil, out, originLocal)
		return
	}
	h.Deliver(ctx, []string{recipient, p.userID}, out, originLocal)
	if recipient != p.userID {
		sender, _ := fields["sender_name"].(string)
		if sender == "" {
			sender = p.userID
		}
		h.notifyRecipient(recipient, sender, text)
	}
}

func (h *Hub) routeTyping(ctx context.Context, p *peer, env interfaces.Envelope) {
	var fields map[string]any
	if err := env.Decode(&fields); err != nil {
		metrics.RelayFramesRejected.WithLabelValues("invalid").Inc()
		return
	}
	recipient, _ := fields["recipient_id"].(string)
	if recipient == "" {
		metrics.RelayFramesRejected.WithLabelValues("no_recipient").Inc()
		return
	}
	delete(fields, "type")
	fields["sender_id"] = p.userID
	out, err := interfaces.NewEnvelope(interfaces.TypeTyping, fields)
	if err != nil {
		return
	}
	h.Deliver(ctx, []string{recipient}, out, originLocal)
}

func (h *Hub) notifyRecipient(recipient, sender, text string) {
	if h.notes == nil {
		return
	}
	if utf8.RuneCountInString(text) > previewRunes {
		text = string([]rune(text)[:previewRunes]) + "…"
	}
	n := notification.Notification{
		UserID:   recipient,
		Category: notification.CategoryMessages,
		Title:    "New message from " + sender,
		Body:     text,
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if _, err := h.notes.InsertNotification(ctx, n); err != nil {
			h.logger.Warn("Failed to store message notification", "recipient", recipient, "error", err)
		}
	}()
}

// Close disconnects every peer and waits for pending notification writes.
func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*peer
	for _, set := range h.peers {
		for p := range set {
			all = append(all, p)
		}
	}
	h.mu.Unlock()
	for _, p := range all {
		p.close()
	}
	h.wg.Wait()
	return h.bridge.Close()
}
