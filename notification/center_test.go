package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/pkg/relaytest"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

var owner = identity.Static(identity.User{ID: 1, Username: "alice"})

type fakeStore struct {
	mu            sync.Mutex
	rows          []Notification
	settings      Settings
	subs          []PushSubscription
	savedSettings []Settings
	readCalls     []string
	err           error
	listErr       error
	insertErr     error
	nextID        int
	// strict answers ErrNotFound for ids it has no row for, like the
	// postgres store.
	strict bool
}

func (s *fakeStore) checkRow(id string) error {
	if !s.strict {
		return nil
	}
	for _, n := range s.rows {
		if n.ID == id {
			return nil
		}
	}
	return ErrNotFound
}

func (s *fakeStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return Notification{}, s.insertErr
	}
	s.nextID++
	n.ID = fmt.Sprintf("row-%d", s.nextID)
	n.Read = false
	n.CreatedAt = base.Add(time.Duration(s.nextID) * time.Hour)
	s.rows = append(s.rows, n)
	return n, nil
}

func (s *fakeStore) ListNotifications(_ context.Context, _ string, _ int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Notification, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func (s *fakeStore) MarkNotificationRead(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls = append(s.readCalls, id)
	if s.err != nil {
		return s.err
	}
	return s.checkRow(id)
}

func (s *fakeStore) MarkAllNotificationsRead(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStore) DeleteNotification(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := s.checkRow(id); err != nil {
		return err
	}
	for i, n := range s.rows {
		if n.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) LoadNotificationSettings(context.Context, string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone(), nil
}

func (s *fakeStore) SaveNotificationSettings(_ context.Context, _ string, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.savedSettings = append(s.savedSettings, settings)
	return nil
}

func (s *fakeStore) SavePushSubscription(_ context.Context, sub PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return s.err
}

// fakeFeed forwards in to the current subscriber. A send on drop ends the
// current subscription as a failed LISTEN connection would.
type fakeFeed struct {
	in   chan Notification
	drop chan struct{}

	mu         sync.Mutex
	subscribes int
	err        error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{in: make(chan Notification, 8), drop: make(chan struct{})}
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFeed) Subscribe(ctx context.Context, _ string) (<-chan Notification, error) {
	f.mu.Lock()
	f.subscribes++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan Notification)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.drop:
				return
			case n := <-f.in:
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func activeCenter(t *testing.T, relay *relaytest.Relay, opts ...Option) *Center {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	c := NewCenter(relay, owner, opts...)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	t.Cleanup(c.Deactivate)
	return c
}

func TestSameNotificationFromFeedAndRelayAppearsOnce(t *testing.T) {
	relay := relaytest.New()
	feed := newFakeFeed()
	c := activeCenter(t, relay, WithChangeFeed(feed))

	n := Notification{ID: "n1", Category: CategoryMatches, Title: "New match", CreatedAt: base}
	feed.in <- n
	waitFor(t, func() bool { return c.UnreadCount() == 1 })

	if got := relay.Emit("notification", n); got != 1 {
		t.Fatalf("Emit reached %d handlers, want 1", got)
	}

	snap := c.Snapshot()
	if len(snap.Notifications) != 1 || snap.Unread != 1 {
		t.Fatalf("state = %d notifications / %d unread, want 1/1", len(snap.Notifications), snap.Unread)
	}
}

func TestRelayNotificationForOtherUserIgnored(t *testing.T) {
	relay := relaytest.New()
	c := activeCenter(t, relay)

	relay.Emit("notification", Notification{ID: "x", UserID: "2", Category: CategorySystem, Title: "hi"})
	relay.Emit("notification", Notification{Category: CategorySystem, Title: "no id"})

	if got := c.UnreadCount(); got != 0 {
		t.Fatalf("UnreadCount() = %d, want 0", got)
	}
}

func TestNotificationsOrderedNewestFirst(t *testing.T) {
	relay := relaytest.New()
	c := activeCenter(t, relay)

	_ = c.Ingest(context.Background(), Notification{ID: "a", Category: CategorySystem, CreatedAt: base})
	_ = c.Ingest(context.Background(), Notification{ID: "c", Category: CategorySystem, CreatedAt: base.Add(2 * time.Minute)})
	_ = c.Ingest(context.Background(), Notification{ID: "b", Category: CategorySystem, CreatedAt: base.Add(time.Minute)})

	snap := c.Snapshot()
	var ids []string
	for _, n := range snap.Notifications {
		ids = append(ids, n.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "b" || ids[2] != "a" {
		t.Fatalf("order = %v, want [c b a]", ids)
	}
}

func TestMutedCategoryNotSurfaced(t *testing.T) {
	relay := relaytest.New()
	notifier := &recordingNotifier{}
	c := activeCenter(t, relay, WithNotifier(notifier))

	if err := c.SetCategoryEnabled(context.Background(), CategoryCalls, false); err != nil {
		t.Fatal(err)
	}
	_ = c.Ingest(context.Background(), Notification{ID: "1", Category: CategoryCalls, Title: "Missed call"})
	_ = c.Ingest(context.Background(), Notification{ID: "2", Category: CategoryMessages, Title: "New message"})

	if got := notifier.count(); got != 1 {
		t.Fatalf("notifier called %d times, want 1", got)
	}
	if got := c.UnreadCount(); got != 2 {
		t.Fatalf("UnreadCount() = %d, want 2 (muted still counted)", got)
	}
}

func TestVisibleAppDoesNotSurface(t *testing.T) {
	relay := relaytest.New()
	notifier := &recordingNotifier{}
	visible := true
	c := activeCenter(t, relay, WithNotifier(notifier), WithVisibility(func() bool { return visible }))

	_ = c.Ingest(context.Background(), Notification{ID: "1", Category: CategoryMatches})
	visible = false
	_ = c.Ingest(context.Background(), Notification{ID: "2", Category: CategoryMatches})

	if got := notifier.count(); got != 1 {
		t.Fatalf("notifier called %d times, want 1", got)
	}
}

func TestActivateLoadsStoreState(t *testing.T) {
	store := &fakeStore{
		rows: []Notification{
			{ID: "old", Category: CategorySystem, Read: true, CreatedAt: base},
			{ID: "new", Category: CategoryMatches, CreatedAt: base.Add(time.Hour)},
		},
		settings: Settings{CategoryLowBalance: false},
	}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	snap := c.Snapshot()
	if len(snap.Notifications) != 2 || snap.Notifications[0].ID != "new" {
		t.Fatalf("notifications = %+v", snap.Notifications)
	}
	if snap.Unread != 1 {
		t.Fatalf("Unread = %d, want 1", snap.Unread)
	}
	if snap.Settings.Enabled(CategoryLowBalance) || !snap.Settings.Enabled(CategoryCalls) {
		t.Fatalf("settings = %v", snap.Settings)
	}
}

func TestMarkAsReadRollsBackOnStoreFailure(t *testing.T) {
	store := &fakeStore{rows: []Notification{{ID: "n1", Category: CategorySystem, CreatedAt: base}}}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	store.err = errors.New("db down")
	if err := c.MarkAsRead(context.Background(), "n1"); err == nil {
		t.Fatal("MarkAsRead() error = nil, want store error")
	}
	snap := c.Snapshot()
	if snap.Unread != 1 || snap.Notifications[0].Read {
		t.Fatalf("state after rollback = %+v", snap)
	}
	if snap.Err == nil {
		t.Fatal("Err not recorded")
	}

	store.err = nil
	if err := c.MarkAsRead(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount() != 0 || c.Err() != nil {
		t.Fatalf("unread=%d err=%v after success", c.UnreadCount(), c.Err())
	}
	if err := c.MarkAsRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkAsRead(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkAllAsReadRollsBackOnlyFlippedEntries(t *testing.T) {
	store := &fakeStore{rows: []Notification{
		{ID: "a", CreatedAt: base, Read: true},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
	}}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	store.err = errors.New("timeout")
	if err := c.MarkAllAsRead(context.Background()); err == nil {
		t.Fatal("MarkAllAsRead() error = nil")
	}
	snap := c.Snapshot()
	if snap.Unread != 2 {
		t.Fatalf("Unread = %d, want 2", snap.Unread)
	}
	for _, n := range snap.Notifications {
		if n.ID == "a" && !n.Read {
			t.Fatal("previously read entry flipped to unread")
		}
	}
}

func TestDeleteRestoresPositionOnFailure(t *testing.T) {
	store := &fakeStore{rows: []Notification{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
	}}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	store.err = errors.New("nope")
	if err := c.Delete(context.Background(), "b"); err == nil {
		t.Fatal("Delete() error = nil")
	}
	snap := c.Snapshot()
	if len(snap.Notifications) != 3 || snap.Notifications[1].ID != "b" || snap.Unread != 3 {
		t.Fatalf("state after rollback = %+v", snap)
	}

	store.err = nil
	if err := c.Delete(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	if snap := c.Snapshot(); len(snap.Notifications) != 2 || snap.Unread != 2 {
		t.Fatalf("state after delete = %+v", snap)
	}
}

func TestSetCategoryEnabledPersistsAndRollsBack(t *testing.T) {
	store := &fakeStore{}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	if err := c.SetCategoryEnabled(context.Background(), CategoryMatches, false); err != nil {
		t.Fatal(err)
	}
	if len(store.savedSettings) != 1 || store.savedSettings[0].Enabled(CategoryMatches) {
		t.Fatalf("saved = %v", store.savedSettings)
	}

	store.err = errors.New("write failed")
	if err := c.SetCategoryEnabled(context.Background(), CategoryMatches, true); err == nil {
		t.Fatal("SetCategoryEnabled() error = nil")
	}
	if c.Snapshot().Settings.Enabled(CategoryMatches) {
		t.Fatal("setting not rolled back")
	}
}

func TestRefreshKeepsNewerLocalEntries(t *testing.T) {
	store := &fakeStore{rows: []Notification{{ID: "stored", CreatedAt: base}}}
	relay := relaytest.New()
	c := activeCenter(t, relay, WithStore(store))

	relay.Emit("notification", Notification{ID: "pushed", Category: CategoryMessages, CreatedAt: base.Add(time.Second)})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if len(snap.Notifications) != 2 || snap.Notifications[0].ID != "pushed" {
		t.Fatalf("notifications = %+v", snap.Notifications)
	}
}

func TestActivateReportsListFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("boom")}
	c := NewCenter(relaytest.New(), owner, WithStore(store), WithLogger(logger.Discard()))
	defer c.Deactivate()

	if err := c.Activate(context.Background()); err == nil {
		t.Fatal("Activate() error = nil, want list failure")
	}
	if c.Err() == nil {
		t.Fatal("Err() = nil")
	}
}

func TestDeactivateStopsBothPaths(t *testing.T) {
	relay := relaytest.New()
	feed := newFakeFeed()
	c := NewCenter(relay, owner, WithChangeFeed(feed), WithLogger(logger.Discard()))
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if relay.Users() != 1 || relay.HandlerCount("notification") != 1 {
		t.Fatalf("users=%d handlers=%d", relay.Users(), relay.HandlerCount("notification"))
	}

	c.Deactivate()
	if relay.Users() != 0 || relay.HandlerCount("notification") != 0 {
		t.Fatalf("after Deactivate users=%d handlers=%d", relay.Users(), relay.HandlerCount("notification"))
	}
	if got := relay.Emit("notification", Notification{ID: "late"}); got != 0 {
		t.Fatalf("Emit reached %d handlers after Deactivate", got)
	}
}

func TestRegisterPushSubscriptionStampsUser(t *testing.T) {
	store := &fakeStore{}
	c := activeCenter(t, relaytest.New(), WithStore(store))

	if err := c.RegisterPushSubscription(context.Background(), PushSubscription{Endpoint: "https://push.example/1"}); err != nil {
		t.Fatal(err)
	}
	if len(store.subs) != 1 || store.subs[0].UserID != "1" || store.subs[0].CreatedAt.IsZero() {
		t.Fatalf("subs = %+v", store.subs)
	}
}

func TestDeletedNotificationIgnoredWhenLateCopyArrives(t *testing.T) {
	relay := relaytest.New()
	feed := newFakeFeed()
	store := &fakeStore{}
	c := activeCenter(t, relay, WithStore(store), WithChangeFeed(feed))

	n1 := Notification{ID: "n1", Category: CategoryMatches, Title: "New match", CreatedAt: base}
	feed.in <- n1
	waitFor(t, func() bool { return c.UnreadCount() == 1 })

	if err := c.Delete(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	relay.Emit("notification", n1)
	feed.in <- n1
	feed.in <- Notification{ID: "n2", Category: CategoryMatches, CreatedAt: base.Add(time.Minute)}
	waitFor(t, func() bool { return c.UnreadCount() == 1 })

	snap := c.Snapshot()
	if len(snap.Notifications) != 1 || snap.Notifications[0].ID != "n2" {
		t.Fatalf("notifications = %+v, want only n2", snap.Notifications)
	}
}

func TestFailedDeleteKeepsAcceptingCopies(t *testing.T) {
	relay := relaytest.New()
	store := &fakeStore{rows: []Notification{{ID: "n1", Category: CategorySystem, CreatedAt: base}}}
	c := activeCenter(t, relay, WithStore(store))

	store.err = errors.New("db down")
	if err := c.Delete(context.Background(), "n1"); err == nil {
		t.Fatal("Delete() error = nil")
	}
	store.err = nil
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := c.Snapshot(); len(snap.Notifications) != 1 || snap.Unread != 1 {
		t.Fatalf("state = %+v, want n1 back after the failed delete", snap)
	}
}

func TestIngestWritesThroughStore(t *testing.T) {
	relay := relaytest.New()
	store := &fakeStore{strict: true}
	c := activeCenter(t, relay, WithStore(store))

	err := c.Ingest(context.Background(), Notification{ID: "low-balance-1", Category: CategoryLowBalance, Title: "Low balance"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	snap := c.Snapshot()
	if len(snap.Notifications) != 1 || snap.Notifications[0].ID != "row-1" || snap.Unread != 1 {
		t.Fatalf("state = %+v, want the stored row", snap)
	}

	// the change feed echo of the same row is a duplicate
	relay.Emit("notification", store.rows[0])
	if c.UnreadCount() != 1 {
		t.Fatalf("UnreadCount() = %d after echo, want 1", c.UnreadCount())
	}

	if err := c.MarkAsRead(context.Background(), "row-1"); err != nil {
		t.Fatalf("MarkAsRead() error = %v", err)
	}
	if err := c.Delete(context.Background(), "row-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if snap := c.Snapshot(); len(snap.Notifications) != 0 || snap.Unread != 0 {
		t.Fatalf("state = %+v, want empty", snap)
	}
	if len(store.rows) != 0 {
		t.Errorf("store rows = %+v, want row deleted", store.rows)
	}
}

func TestIngestFallsBackToLocalEntry(t *testing.T) {
	relay := relaytest.New()
	store := &fakeStore{strict: true, rows: []Notification{{ID: "stored", Category: CategorySystem, Read: true, CreatedAt: base.Add(time.Hour)}}}
	c := activeCenter(t, relay, WithStore(store))

	store.insertErr = errors.New("db down")
	err := c.Ingest(context.Background(), Notification{ID: "low-balance-1", Category: CategoryLowBalance, CreatedAt: base})
	if err == nil {
		t.Fatal("Ingest() error = nil, want store error")
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("UnreadCount() = %d, want the local alert counted", c.UnreadCount())
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(c.Snapshot().Notifications) != 2 {
		t.Fatalf("Refresh dropped the local alert: %+v", c.Snapshot().Notifications)
	}
	if err := c.MarkAsRead(context.Background(), "low-balance-1"); err != nil {
		t.Fatalf("MarkAsRead(local) = %v", err)
	}
	if err := c.Delete(context.Background(), "low-balance-1"); err != nil {
		t.Fatalf("Delete(local) = %v", err)
	}
	if len(store.readCalls) != 0 {
		t.Errorf("store saw read calls %v for a local entry", store.readCalls)
	}
	if snap := c.Snapshot(); len(snap.Notifications) != 1 || snap.Unread != 0 {
		t.Fatalf("state = %+v", snap)
	}
}

func TestChangeFeedResubscribesAfterDrop(t *testing.T) {
	relay := relaytest.New()
	feed := newFakeFeed()
	store := &fakeStore{}
	c := activeCenter(t, relay, WithStore(store), WithChangeFeed(feed), WithFeedRetry(time.Millisecond, 3))

	// inserted while the feed is down
	store.mu.Lock()
	store.rows = append(store.rows, Notification{ID: "missed", Category: CategoryMatches, CreatedAt: base})
	store.mu.Unlock()

	feed.drop <- struct{}{}
	waitFor(t, func() bool { return feed.subscribeCount() == 2 })
	waitFor(t, func() bool { return c.UnreadCount() == 1 })

	feed.in <- Notification{ID: "after", Category: CategoryMatches, CreatedAt: base.Add(time.Minute)}
	waitFor(t, func() bool { return c.UnreadCount() == 2 })
	if c.Err() != nil {
		t.Errorf("Err() = %v", c.Err())
	}
}

func TestChangeFeedGivesUpWithError(t *testing.T) {
	feed := newFakeFeed()
	c := activeCenter(t, relaytest.New(), WithChangeFeed(feed), WithFeedRetry(time.Millisecond, 2))

	feed.fail(errors.New("listen failed"))
	feed.drop <- struct{}{}

	waitFor(t, func() bool { return c.Err() != nil })
	if n := feed.subscribeCount(); n != 3 {
		t.Errorf("subscribes = %d, want 1 + 2 retries", n)
	}
}
