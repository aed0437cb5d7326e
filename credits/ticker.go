// Package credits tracks the wallet balance and who is online, as pushed by
// the relay.
package credits

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

const DefaultLowBalanceThreshold = 100

type balancePayload struct {
	Credits     *int64   `json:"credits"`
	OnlineUsers []string `json:"online_users,omitempty"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type Snapshot struct {
	Balance int64
	Known   bool
	Online  []string
}

type Ticker struct {
	relay     interfaces.Relay
	threshold int64
	logger    *slog.Logger

	mu       sync.Mutex
	balance  int64
	known    bool
	low      bool
	online   map[string]bool
	ids      map[string]interfaces.HandlerID
	release  func()
	onLow    func(balance int64)
	onChange func(Snapshot)
}

type Option func(*Ticker)

func WithLowBalanceThreshold(n int64) Option { return func(t *Ticker) { t.threshold = n } }

func WithLogger(l *slog.Logger) Option { return func(t *Ticker) { t.logger = l } }

func NewTicker(relay interfaces.Relay, opts ...Option) *Ticker {
	t := &Ticker{
		relay:     relay,
		threshold: DefaultLowBalanceThreshold,
		logger:    slog.Default(),
		online:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "credits")
	return t
}

// OnLowBalance is called once each time the balance drops below the
// threshold.
func (t *Ticker) OnLowBalance(fn func(balance int64)) {
	t.mu.Lock()
	t.onLow = fn
	t.mu.Unlock()
}

func (t *Ticker) OnChange(fn func(Snapshot)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Ticker) Activate(ctx context.Context) error {
	t.mu.Lock()
	if t.ids != nil {
		t.mu.Unlock()
		return nil
	}
	t.release = t.relay.Acquire()
	t.ids = map[string]interfaces.HandlerID{
		interfaces.TypeConnectionEstablished: t.relay.On(interfaces.TypeConnectionEstablished, t.handleBalance),
		interfaces.TypeCreditsUpdated:        t.relay.On(interfaces.TypeCreditsUpdated, t.handleBalance),
		interfaces.TypePresenceUpdate:        t.relay.On(interfaces.TypePresenceUpdate, t.handlePresence),
	}
	t.mu.Unlock()

	if err := t.relay.Connect(ctx); err != nil {
		t.logger.Warn("Relay connect failed", "error", err)
	}
	return nil
}

func (t *Ticker) Deactivate() {
	t.mu.Lock()
	ids, release := t.ids, t.release
	t.ids, t.release = nil, nil
	t.mu.Unlock()

	for typ, id := range ids {
		t.relay.Off(typ, id)
	}
	if release != nil {
		release()
	}
}

func (t *Ticker) handleBalance(env interfaces.Envelope) error {
	var p balancePayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	t.mu.Lock()
	if env.Type == interfaces.TypeConnectionEstablished && p.OnlineUsers != nil {
		t.online = make(map[string]bool, len(p.OnlineUsers))
		for _, id := range p.OnlineUsers {
			t.online[id] = true
		}
	}
	if p.Credits == nil {
		t.mu.Unlock()
		t.changed()
		return nil
	}
	t.balance = *p.Credits
	t.known = true
	crossed := t.balance < t.threshold && !t.low
	t.low = t.balance < t.threshold
	onLow, balance := t.onLow, t.balance
	t.mu.Unlock()

	t.logger.Debug("Balance updated", "credits", balance, "source", env.Type)
	t.changed()
	if crossed && onLow != nil {
		onLow(balance)
	}
	return nil
}

func (t *Ticker) handlePresence(env interfaces.Envelope) error {
	var p presencePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		return nil
	}
	t.mu.Lock()
	if p.Online {
		t.online[p.UserID] = true
	} else {
		delete(t.online, p.UserID)
	}
	t.mu.Unlock()
	t.changed()
	return nil
}

func (t *Ticker) Balance() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance, t.known
}

func (t *Ticker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

func (t *Ticker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Ticker) snapshotLocked() Snapshot {
	online := make([]string, 0, len(t.online))
	for id := range t.online {
		online = append(online, id)
	}
	sort.Strings(online)
	return Snapshot{Balance: t.balance, Known: t.known, Online: online}
}

func (t *Ticker) changed() {
	t.mu.Lock()
	fn := t.onChange
	var snap Snapshot
	if fn != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
