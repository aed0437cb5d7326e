package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lisuiheng/terrimatch-go/chat"
	"github.com/lisuiheng/terrimatch-go/identity"
)

var _ chat.Store = (*Store)(nil)

// ListMessages returns the newest limit messages of a conversation, oldest
// first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	return call(s, "list_messages", func() ([]chat.Message, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, conversation_id, sender_id, sender_name, body, created_at FROM (
				SELECT m.id, m.conversation_id, m.sender_id,
				       COALESCE(NULLIF(p.display_name, ''), m.sender_id) AS sender_name,
				       m.body, m.created_at
				FROM messages m
				LEFT JOIN profiles p ON p.user_id = m.sender_id
				WHERE m.conversation_id = $1
				ORDER BY m.created_at DESC
				LIMIT $2
			) recent
			ORDER BY created_at ASC`, conversationID, limit)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
			var m chat.Message
			err := row.Scan(&m.ServerID, &m.ConversationID, &m.SenderID, &m.Sender, &m.Text, &m.SentAt)
			return m, err
		})
	})
}

func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	return call(s, "insert_message", func() (chat.Message, error) {
		var id string
		var createdAt time.Time
		err := s.pool.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, sender_id, client_id, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			msg.ConversationID, msg.SenderID, msg.LocalID, msg.Text,
		).Scan(&id, &createdAt)
		if err != nil {
			return chat.Message{}, err
		}
		msg.ServerID = id
		msg.SentAt = createdAt
		return msg, nil
	})
}

// UpsertProfile records a signed-in user and makes sure a wallet row exists.
func (s *Store) UpsertProfile(ctx context.Context, u identity.User) error {
	return exec(s, "upsert_profile", func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO profiles (user_id, username, display_name)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id) DO UPDATE
				SET username = EXCLUDED.username, display_name = EXCLUDED.display_name, updated_at = now()`,
				u.Key(), u.Username, u.DisplayName()); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, u.Key())
			return err
		})
	})
}
