package notification

import (
	"context"
	"time"
)

type Category string

const (
	CategoryMessages   Category = "messages"
	CategoryCalls      Category = "calls"
	CategoryMatches    Category = "matches"
	CategoryLowBalance Category = "low_balance"
	CategorySystem     Category = "system"
)

// Categories lists the categories a user can mute.
var Categories = []Category{CategoryMessages, CategoryCalls, CategoryMatches, CategoryLowBalance, CategorySystem}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Category  Category  `json:"category"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings maps a category to whether it may surface to the user. Missing
// categories are enabled.
type Settings map[Category]bool

func DefaultSettings() Settings {
	s := make(Settings, len(Categories))
	for _, c := range Categories {
		s[c] = true
	}
	return s
}

func (s Settings) Enabled(c Category) bool {
	enabled, ok := s[c]
	return !ok || enabled
}

func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the notification center's whole local view.
type State struct {
	Notifications []Notification
	Unread        int
	Settings      Settings
	Err           error
}

// Store is the durable side of notifications.
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	// InsertNotification stores n and returns the row with its store id.
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, userID, id string) error
	LoadNotificationSettings(ctx context.Context, userID string) (Settings, error)
	SaveNotificationSettings(ctx context.Context, userID string, s Settings) error
	SavePushSubscription(ctx context.Context, sub PushSubscription) error
}

// ChangeFeed streams notifications inserted for a user. The channel closes
// when ctx is done or the feed fails.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string) (<-chan Notification, error)
}

// Notifier shows a notification outside the app (OS level).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
