package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lisuiheng/terrimatch-go/notification"
)

const (
	channelNotifications = "notification_inserts"
	channelWallets       = "wallet_updates"
	feedBuffer           = 64
)

// WalletUpdate is one wallet_updates payload.
type WalletUpdate struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

// listen holds a dedicated connection LISTENing on channel and streams raw
// payloads until ctx is done.
func listen(ctx context.Context, pool *pgxpool.Pool, channel string, log *slog.Logger) (<-chan string, error) {
	pooled, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan string, feedBuffer)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("Change feed stopped", "channel", channel, "error", err)
				}
				return
			}
			select {
			case out <- n.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info("Listening", "channel", channel)
	return out, nil
}

func decodeNotification(payload string) (notification.Notification, error) {
	var n notification.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" || n.UserID == "" {
		return n, fmt.Errorf("decode notification: missing id or user_id")
	}
	return n, nil
}

func decodeWalletUpdate(payload string) (WalletUpdate, error) {
	var u WalletUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return u, fmt.Errorf("decode wallet update: %w", err)
	}
	if u.UserID == "" {
		return u, fmt.Errorf("decode wallet update: missing user_id")
	}
	return u, nil
}

// ChangeFeed streams inserted notifications.
type ChangeFeed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ notification.ChangeFeed = (*ChangeFeed)(nil)

func (s *Store) ChangeFeed() *ChangeFeed {
	return &ChangeFeed{pool: s.pool, logger: s.logger.With("feed", channelNotifications)}
}

// Subscribe streams notifications inserted for userID.
func (f *ChangeFeed) Subscribe(ctx context.Context, userID string) (<-chan notification.Notification, error) {
	return f.subscribe(ctx, func(n notification.Notification) bool { return n.UserID == userID })
}

// SubscribeAll streams notifications inserted for any user.
func (f *ChangeFeed) SubscribeAll(ctx context.Context) (<-chan notification.Notification, error) {
	return f.subscribe(ctx, func(notification.Notification) bool { return true })
}

func (f *ChangeFeed) subscribe(ctx context.Context, keep func(notification.Notification) bool) (<-chan notification.Notification, error) {
	payloads, err := listen(ctx, f.pool, channelNotifications, f.logger)
	if err != nil {
		return nil, err
	}
	out := make(chan notification.Notification, feedBuffer)
	go func() {
		defer close(out)
		for p := range payloads {
			n, err := decodeNotification(p)
			if err != nil {
				f.logger.Warn("Skipping notification payload", "error", err)
				continue
			}
			if !keep(n) {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WalletFeed streams balance changes.
type WalletFeed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func (s *Store) WalletFeed() *WalletFeed {
	return &WalletFeed{pool: s.pool, logger: s.logger.With("feed", channelWallets)}
}

func (f *WalletFeed) Subscribe(ctx context.Context) (<-chan WalletUpdate, error) {
	payloads, err := listen(ctx, f.pool, channelWallets, f.logger)
	if err != nil {
		return nil, err
	}
	out := make(chan WalletUpdate, feedBuffer)
	go func() {
		defer close(out)
		for p := range payloads {
			u, err := decodeWalletUpdate(p)
			if err != nil {
				f.logger.Warn("Skipping wallet payload", "error", err)
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
