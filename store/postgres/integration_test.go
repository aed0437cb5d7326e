package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lisuiheng/terrimatch-go/chat"
	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/notification"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TERRIMATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TERRIMATCH_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, Config{DSN: dsn, Migrate: true}, logger.Discard())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestMessagesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := identity.User{ID: time.Now().UnixNano(), Username: "bob", FirstName: "Bob"}
	if err := s.UpsertProfile(ctx, u); err != nil {
		t.Fatal(err)
	}
	conv := "conv-" + uuid.NewString()

	for _, text := range []string{"one", "two", "three"} {
		saved, err := s.InsertMessage(ctx, chat.Message{LocalID: uuid.NewString(), ConversationID: conv, SenderID: u.Key(), Text: text})
		if err != nil {
			t.Fatal(err)
		}
		if saved.ServerID == "" || saved.SentAt.IsZero() {
			t.Fatalf("InsertMessage() = %+v", saved)
		}
	}

	got, err := s.ListMessages(ctx, conv, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("ListMessages() = %+v", got)
	}
	if got[0].Sender != "bob" {
		t.Fatalf("Sender = %q, want profile display name", got[0].Sender)
	}
}

func TestNotificationFeedAndMutations(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	userID := "user-" + uuid.NewString()

	feed, err := s.ChangeFeed().Subscribe(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	inserted, err := s.InsertNotification(ctx, notification.Notification{UserID: userID, Category: notification.CategoryMatches, Title: "New match"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-feed:
		if n.ID != inserted.ID {
			t.Fatalf("feed delivered %q, want %q", n.ID, inserted.ID)
		}
	case <-ctx.Done():
		t.Fatal("no notification from change feed")
	}

	if err := s.MarkNotificationRead(ctx, userID, inserted.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNotificationRead(ctx, userID, "missing"); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("MarkNotificationRead(missing) = %v", err)
	}
	list, err := s.ListNotifications(ctx, userID, 10)
	if err != nil || len(list) != 1 || !list[0].Read {
		t.Fatalf("ListNotifications() = %+v, %v", list, err)
	}
	if err := s.DeleteNotification(ctx, userID, inserted.ID); err != nil {
		t.Fatal(err)
	}
}

func TestSettingsAndWalletFeed(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	u := identity.User{ID: time.Now().UnixNano(), Username: "carol"}

	if err := s.SaveNotificationSettings(ctx, u.Key(), notification.Settings{notification.CategoryCalls: false}); err != nil {
		t.Fatal(err)
	}
	settings, err := s.LoadNotificationSettings(ctx, u.Key())
	if err != nil {
		t.Fatal(err)
	}
	if settings.Enabled(notification.CategoryCalls) || !settings.Enabled(notification.CategoryMessages) {
		t.Fatalf("settings = %v", settings)
	}

	if err := s.UpsertProfile(ctx, u); err != nil {
		t.Fatal(err)
	}
	updates, err := s.WalletFeed().Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE wallets SET credits = 950 WHERE user_id = $1`, u.Key()); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case up := <-updates:
			if up.UserID != u.Key() {
				continue
			}
			if up.Credits != 950 {
				t.Fatalf("credits = %d, want 950", up.Credits)
			}
			if bal, err := s.Balance(ctx, u.Key()); err != nil || bal != 950 {
				t.Fatalf("Balance() = %d, %v", bal, err)
			}
			return
		case <-ctx.Done():
			t.Fatal("no wallet update")
		}
	}
}
