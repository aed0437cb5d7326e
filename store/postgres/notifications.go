package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lisuiheng/terrimatch-go/notification"
)

var _ notification.Store = (*Store)(nil)

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]notification.Notification, error) {
	return call(s, "list_notifications", func() ([]notification.Notification, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, user_id, category, title, body, read, created_at
			FROM notifications
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2`, userID, limit)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, scanNotification)
	})
}

func scanNotification(row pgx.CollectableRow) (notification.Notification, error) {
	var n notification.Notification
	var category string
	err := row.Scan(&n.ID, &n.UserID, &category, &n.Title, &n.Body, &n.Read, &n.CreatedAt)
	n.Category = notification.Category(category)
	return n, err
}

// InsertNotification stores n; the insert trigger publishes it on the
// notification_inserts channel.
func (s *Store) InsertNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	return call(s, "insert_notification", func() (notification.Notification, error) {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO notifications (user_id, category, title, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id, read, created_at`,
			n.UserID, string(n.Category), n.Title, n.Body,
		).Scan(&n.ID, &n.Read, &n.CreatedAt)
		return n, err
	})
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	err := exec(s, "mark_notification_read", func() error {
		tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND id = $2`, userID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNotFound
		}
		return nil
	})
	return translateNotFound(err)
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return exec(s, "mark_all_notifications_read", func() error {
		_, err := s.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND NOT read`, userID)
		return err
	})
}

func (s *Store) DeleteNotification(ctx context.Context, userID, id string) error {
	err := exec(s, "delete_notification", func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1 AND id = $2`, userID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNotFound
		}
		return nil
	})
	return translateNotFound(err)
}

func (s *Store) LoadNotificationSettings(ctx context.Context, userID string) (notification.Settings, error) {
	return call(s, "load_notification_settings", func() (notification.Settings, error) {
		rows, err := s.pool.Query(ctx, `SELECT category, enabled FROM notification_settings WHERE user_id = $1`, userID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		settings := notification.DefaultSettings()
		for rows.Next() {
			var category string
			var enabled bool
			if err := rows.Scan(&category, &enabled); err != nil {
				return nil, err
			}
			settings[notification.Category(category)] = enabled
		}
		return settings, rows.Err()
	})
}

func (s *Store) SaveNotificationSettings(ctx context.Context, userID string, settings notification.Settings) error {
	return exec(s, "save_notification_settings", func() error {
		batch := &pgx.Batch{}
		for category, enabled := range settings {
			batch.Queue(`
				INSERT INTO notification_settings (user_id, category, enabled)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, category) DO UPDATE SET enabled = EXCLUDED.enabled`,
				userID, string(category), enabled)
		}
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
	})
}

func (s *Store) SavePushSubscription(ctx context.Context, sub notification.PushSubscription) error {
	return exec(s, "save_push_subscription", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (endpoint) DO UPDATE
			SET user_id = EXCLUDED.user_id, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
			sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, sub.CreatedAt)
		return err
	})
}

func translateNotFound(err error) error {
	if errors.Is(err, errNotFound) {
		return notification.ErrNotFound
	}
	return err
}

// Balance returns the wallet balance of userID, zero when no wallet exists.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return call(s, "balance", func() (int64, error) {
		var credits int64
		err := s.pool.QueryRow(ctx, `SELECT credits FROM wallets WHERE user_id = $1`, userID).Scan(&credits)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return credits, err
	})
}
