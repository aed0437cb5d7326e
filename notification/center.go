// Package notification keeps the unread counter and notification list of
// the current user in sync with the durable store, its change feed and
// relay pushes.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
	"github.com/lisuiheng/terrimatch-go/utils"
)

const defaultListLimit = 100

var ErrNotFound = errors.New("notification not found")

// Center owns the notification State of one user session. Notifications can
// arrive from the relay and from the store's change feed in any order; both
// paths merge by id.
type Center struct {
	userID   string
	relay    interfaces.Relay
	store    Store
	feed     ChangeFeed
	notifier Notifier
	visible  func() bool
	limit    int
	logger   *slog.Logger
	now      func() time.Time

	feedRetryBase     time.Duration
	feedRetryAttempts int

	mu         sync.Mutex
	state      State
	onChange   func(State)
	active     bool
	handlerID  interfaces.HandlerID
	release    func()
	cancelFeed context.CancelFunc
	feedDone   chan struct{}

	// deleted holds ids removed by this session so a late copy from the
	// other path is not merged back.
	deleted map[string]bool

	// localOnly holds ids that have no store row.
	localOnly map[string]bool
}

type Option func(*Center)

func WithStore(s Store) Option { return func(c *Center) { c.store = s } }

func WithChangeFeed(f ChangeFeed) Option { return func(c *Center) { c.feed = f } }

func WithNotifier(n Notifier) Option { return func(c *Center) { c.notifier = n } }

// WithVisibility reports whether the app is in the foreground. Notifications
// only reach the Notifier while it returns false.
func WithVisibility(fn func() bool) Option { return func(c *Center) { c.visible = fn } }

func WithListLimit(n int) Option { return func(c *Center) { c.limit = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Center) { c.logger = l } }

// WithFeedRetry sets the backoff used to resubscribe a dropped change feed.
func WithFeedRetry(base time.Duration, attempts int) Option {
	return func(c *Center) { c.feedRetryBase, c.feedRetryAttempts = base, attempts }
}

// NewCenter creates the notification center of the user reported by who.
func NewCenter(relay interfaces.Relay, who identity.Provider, opts ...Option) *Center {
	userID := who.Current().Key()
	c := &Center{
		userID:    userID,
		relay:     relay,
		visible:   func() bool { return false },
		limit:     defaultListLimit,
		logger:    slog.Default(),
		now:       time.Now,
		state:     State{Settings: DefaultSettings()},
		deleted:   make(map[string]bool),
		localOnly: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "notifications", "user", userID)
	return c
}

func (c *Center) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Activate loads settings and notifications, subscribes to relay pushes and
// starts the change feed.
func (c *Center) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.release = c.relay.Acquire()
	c.handlerID = c.relay.On(interfaces.TypeNotification, c.handleRelay)
	c.mu.Unlock()

	if err := c.relay.Connect(ctx); err != nil {
		c.logger.Warn("Relay connect failed", "error", err)
	}

	var firstErr error
	if c.store != nil {
		settings, err := c.store.LoadNotificationSettings(ctx, c.userID)
		if err != nil {
			firstErr = fmt.Errorf("load settings: %w", err)
			c.setErr(firstErr)
		} else {
			c.mu.Lock()
			merged := DefaultSettings()
			for k, v := range settings {
				merged[k] = v
			}
			c.state.Settings = merged
			c.mu.Unlock()
		}
		if err := c.Refresh(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.feed != nil {
		feedCtx, cancel := context.WithCancel(context.Background())
		ch, err := c.feed.Subscribe(feedCtx, c.userID)
		if err != nil {
			cancel()
			err = fmt.Errorf("subscribe change feed: %w", err)
			c.setErr(err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			done := make(chan struct{})
			c.mu.Lock()
			c.cancelFeed = cancel
			c.feedDone = done
			c.mu.Unlock()
			go c.pump(feedCtx, ch, done)
		}
	}

	c.changed()
	return firstErr
}

// Deactivate removes the relay handler and stops the change feed.
func (c *Center) Deactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	id, release := c.handlerID, c.release
	cancel, done := c.cancelFeed, c.feedDone
	c.release, c.cancelFeed, c.feedDone = nil, nil, nil
	c.mu.Unlock()

	c.relay.Off(interfaces.TypeNotification, id)
	if release != nil {
		release()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// pump merges feed items until ctx is done. A feed that closes on its own is
// resubscribed with backoff and followed by a Refresh for the rows it missed.
func (c *Center) pump(ctx context.Context, first <-chan Notification, done chan struct{}) {
	defer close(done)
	subscribe := func(ctx context.Context) (<-chan Notification, error) {
		if first != nil {
			ch := first
			first = nil
			return ch, nil
		}
		ch, err := c.feed.Subscribe(ctx, c.userID)
		if err == nil && ctx.Err() == nil {
			_ = c.Refresh(ctx)
		}
		return ch, err
	}
	backoff := utils.NewExponentialBackoff(c.feedRetryBase, c.feedRetryAttempts)
	err := utils.Follow(ctx, c.logger, backoff, subscribe, func(n Notification) { c.merge(n, "feed") })
	if err != nil {
		_ = c.fail(fmt.Errorf("change feed: %w", err))
	}
}

func (c *Center) handleRelay(env interfaces.Envelope) error {
	var n Notification
	if err := env.Decode(&n); err != nil {
		return err
	}
	if n.UserID != "" && n.UserID != c.userID {
		return nil
	}
	c.merge(n, "relay")
	return nil
}

// Ingest adds a locally produced notification, e.g. a low balance alert.
// With a store the row is written first, so it can be read and deleted like
// any other. If that write fails the entry is still shown, kept local only,
// and the error returned.
func (c *Center) Ingest(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		n.UserID = c.userID
	}
	if c.store == nil {
		c.merge(n, "local")
		return nil
	}
	stored, err := c.store.InsertNotification(ctx, n)
	if err != nil {
		if n.ID != "" {
			c.mu.Lock()
			c.localOnly[n.ID] = true
			c.mu.Unlock()
			c.merge(n, "local")
		}
		return c.fail(fmt.Errorf("insert notification: %w", err))
	}
	c.merge(stored, "local")
	return nil
}

func (c *Center) merge(n Notification, source string) {
	if n.ID == "" {
		c.logger.Warn("Dropping notification without id", "source", source)
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now()
	}
	if n.UserID == "" {
		n.UserID = c.userID
	}

	c.mu.Lock()
	if c.deleted[n.ID] || c.indexLocked(n.ID) >= 0 {
		c.mu.Unlock()
		c.logger.Debug("Duplicate notification ignored", "id", n.ID, "source", source)
		return
	}
	c.insertLocked(n)
	surface := !n.Read && c.notifier != nil && c.state.Settings.Enabled(n.Category) && !c.visible()
	c.mu.Unlock()

	c.logger.Debug("Notification merged", "id", n.ID, "source", source, "category", n.Category)
	c.changed()

	if surface {
		if err := c.notifier.Notify(context.Background(), n); err != nil {
			c.logger.Warn("Failed to surface notification", "id", n.ID, "error", err)
		}
	}
}

// insertLocked keeps the list newest first.
func (c *Center) insertLocked(n Notification) {
	list := c.state.Notifications
	i := sort.Search(len(list), func(i int) bool { return !list[i].CreatedAt.After(n.CreatedAt) })
	list = append(list, Notification{})
	copy(list[i+1:], list[i:])
	list[i] = n
	c.state.Notifications = list
	if !n.Read {
		c.state.Unread++
	}
}

func (c *Center) indexLocked(id string) int {
	for i := range c.state.Notifications {
		if c.state.Notifications[i].ID == id {
			return i
		}
	}
	return -1
}

// MarkAsRead marks id read locally, then in the store. A store failure
// restores the unread state.
func (c *Center) MarkAsRead(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	if c.state.Notifications[i].Read {
		c.mu.Unlock()
		return nil
	}
	c.state.Notifications[i].Read = true
	c.state.Unread--
	local := c.localOnly[id]
	c.mu.Unlock()
	c.changed()

	if c.store == nil || local {
		return nil
	}
	if err := c.store.MarkNotificationRead(ctx, c.userID, id); err != nil {
		c.mu.Lock()
		if j := c.indexLocked(id); j >= 0 && c.state.Notifications[j].Read {
			c.state.Notifications[j].Read = false
			c.state.Unread++
		}
		c.mu.Unlock()
		return c.fail(fmt.Errorf("mark %s read: %w", id, err))
	}
	c.clearErr()
	return nil
}

func (c *Center) MarkAllAsRead(ctx context.Context) error {
	c.mu.Lock()
	var flipped []string
	for i := range c.state.Notifications {
		if !c.state.Notifications[i].Read {
			c.state.Notifications[i].Read = true
			flipped = append(flipped, c.state.Notifications[i].ID)
		}
	}
	c.state.Unread = 0
	c.mu.Unlock()
	if len(flipped) == 0 {
		return nil
	}
	c.changed()

	if c.store == nil {
		return nil
	}
	if err := c.store.MarkAllNotificationsRead(ctx, c.userID); err != nil {
		c.mu.Lock()
		for _, id := range flipped {
			if j := c.indexLocked(id); j >= 0 && c.state.Notifications[j].Read {
				c.state.Notifications[j].Read = false
				c.state.Unread++
			}
		}
		c.mu.Unlock()
		return c.fail(fmt.Errorf("mark all read: %w", err))
	}
	c.clearErr()
	return nil
}

// Delete removes id locally, then in the store. A store failure puts it back
// where it was.
func (c *Center) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	removed := c.state.Notifications[i]
	c.state.Notifications = append(c.state.Notifications[:i], c.state.Notifications[i+1:]...)
	if !removed.Read {
		c.state.Unread--
	}
	c.deleted[id] = true
	local := c.localOnly[id]
	delete(c.localOnly, id)
	c.mu.Unlock()
	c.changed()

	if c.store == nil || local {
		return nil
	}
	if err := c.store.DeleteNotification(ctx, c.userID, id); err != nil {
		c.mu.Lock()
		delete(c.deleted, id)
		if c.indexLocked(id) < 0 {
			c.insertLocked(removed)
		}
		c.mu.Unlock()
		return c.fail(fmt.Errorf("delete %s: %w", id, err))
	}
	c.clearErr()
	return nil
}

// SetCategoryEnabled mutes or unmutes a category and persists the settings.
func (c *Center) SetCategoryEnabled(ctx context.Context, category Category, enabled bool) error {
	c.mu.Lock()
	prev := c.state.Settings.Clone()
	c.state.Settings[category] = enabled
	next := c.state.Settings.Clone()
	c.mu.Unlock()
	c.changed()

	if c.store == nil {
		return nil
	}
	if err := c.store.SaveNotificationSettings(ctx, c.userID, next); err != nil {
		c.mu.Lock()
		c.state.Settings = prev
		c.mu.Unlock()
		return c.fail(fmt.Errorf("save settings: %w", err))
	}
	c.clearErr()
	return nil
}

// Refresh re-reads notifications from the store. Local-only entries and
// entries newer than anything the store returned are kept, the latter since
// their rows may not be queryable yet.
func (c *Center) Refresh(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rows, err := c.store.ListNotifications(ctx, c.userID, c.limit)
	if err != nil {
		return c.fail(fmt.Errorf("list notifications: %w", err))
	}

	var newest time.Time
	stored := make(map[string]bool, len(rows))
	for _, n := range rows {
		stored[n.ID] = true
		if n.CreatedAt.After(newest) {
			newest = n.CreatedAt
		}
	}

	c.mu.Lock()
	local := c.state.Notifications
	c.state.Notifications = nil
	c.state.Unread = 0
	for _, n := range rows {
		if !c.deleted[n.ID] {
			c.insertLocked(n)
		}
	}
	for _, n := range local {
		if !stored[n.ID] && (c.localOnly[n.ID] || n.CreatedAt.After(newest)) {
			c.insertLocked(n)
		}
	}
	c.state.Err = nil
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Center) RegisterPushSubscription(ctx context.Context, sub PushSubscription) error {
	if c.store == nil {
		return errors.New("no store configured")
	}
	sub.UserID = c.userID
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = c.now()
	}
	if err := c.store.SavePushSubscription(ctx, sub); err != nil {
		return c.fail(fmt.Errorf("save push subscription: %w", err))
	}
	return nil
}

func (c *Center) fail(err error) error {
	c.setErr(err)
	c.changed()
	return err
}

func (c *Center) setErr(err error) {
	c.logger.Error("Notification store error", "error", err)
	c.mu.Lock()
	c.state.Err = err
	c.mu.Unlock()
}

func (c *Center) clearErr() {
	c.mu.Lock()
	c.state.Err = nil
	c.mu.Unlock()
}

func (c *Center) changed() {
	c.mu.Lock()
	fn := c.onChange
	var snap State
	if fn != nil {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (c *Center) snapshotLocked() State {
	list := make([]Notification, len(c.state.Notifications))
	copy(list, c.state.Notifications)
	return State{
		Notifications: list,
		Unread:        c.state.Unread,
		Settings:      c.state.Settings.Clone(),
		Err:           c.state.Err,
	}
}

// Snapshot returns a copy of the current state.
func (c *Center) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Unread
}

func (c *Center) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Err
}
