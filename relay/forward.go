package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/lisuiheng/terrimatch-go/metrics"
	"github.com/lisuiheng/terrimatch-go/notification"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
	"github.com/lisuiheng/terrimatch-go/utils"
)

// NotificationSource streams notifications inserted for any user.
type NotificationSource interface {
	SubscribeAll(ctx context.Context) (<-chan notification.Notification, error)
}

// CreditsUpdate is a changed wallet balance, sent to its owner as the
// credits_updated payload.
type CreditsUpdate struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

// WalletSource streams wallet balance changes.
type WalletSource interface {
	Subscribe(ctx context.Context) (<-chan CreditsUpdate, error)
}

// ForwardNotifications pushes every stored notification to its owner's peers
// on this node until ctx is done. Every node listens to the store itself, so
// nothing is bridged.
func (h *Hub) ForwardNotifications(ctx context.Context, src NotificationSource) error {
	return forward(ctx, h, "notifications", src.SubscribeAll, func(n notification.Notification) {
		env, err := interfaces.NewEnvelope(interfaces.TypeNotification, n)
		if err != nil {
			h.logger.Warn("Failed to encode notification", "id", n.ID, "error", err)
			return
		}
		h.deliverLocal([]string{n.UserID}, env.Raw)
		routed(env.Type)
	})
}

// ForwardWallets turns wallet updates into credits_updated frames.
func (h *Hub) ForwardWallets(ctx context.Context, src WalletSource) error {
	return forward(ctx, h, "wallets", src.Subscribe, func(u CreditsUpdate) {
		env, err := interfaces.NewEnvelope(interfaces.TypeCreditsUpdated, u)
		if err != nil {
			return
		}
		h.deliverLocal([]string{u.UserID}, env.Raw)
		routed(env.Type)
	})
}

// forward follows one store feed, resubscribing with backoff when it drops.
func forward[T any](ctx context.Context, h *Hub, name string, subscribe func(context.Context) (<-chan T, error), handle func(T)) error {
	backoff := utils.NewExponentialBackoff(time.Second, utils.DefaultMaxReconnectAttempts)
	if err := utils.Follow(ctx, h.logger.With("feed", name), backoff, subscribe, handle); err != nil {
		return fmt.Errorf("%s feed: %w", name, err)
	}
	return nil
}

func routed(eventType string) {
	metrics.RelayEnvelopesRouted.WithLabelValues(eventType, originFeed).Inc()
}
