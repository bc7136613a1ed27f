package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record (idempotent on session_id + chat_id).
// The unread counter is never decremented here; MarkChatRead owns the reset.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (session_id, chat_id, name, is_group, participants, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			participants = CASE WHEN excluded.participants != '' THEN excluded.participants ELSE chats.participants END,
			unread_count = MAX(chats.unread_count, excluded.unread_count),
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.SessionID, c.ChatID, c.Name, c.IsGroup, c.Participants, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChat updates a chat's preview/time fields for a newly stored message,
// creating the chat if needed, and increments the unread counter for
// inbound messages.
func (db *DB) TouchChat(sessionID, chatID, preview string, messageAt int64, incrementUnread bool) error {
	unread := 0
	if incrementUnread {
		unread = 1
	}
	_, err := db.Exec(`
		INSERT INTO chats (session_id, chat_id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, chat_id) DO UPDATE SET
			unread_count = chats.unread_count + excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		sessionID, chatID, unread, messageAt, preview, time.Now().UnixMilli())
	return err
}

// MarkChatRead resets the unread counter for an explicit read-acknowledgement.
func (db *DB) MarkChatRead(sessionID, chatID string) error {
	_, err := db.Exec(`
		UPDATE chats SET unread_count = 0, updated_at = ? WHERE session_id = ? AND chat_id = ?`,
		time.Now().UnixMilli(), sessionID, chatID)
	return err
}

// ListChats returns a session's chats sorted by last message timestamp descending.
func (db *DB) ListChats(sessionID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT session_id, chat_id, name, is_group, participants, unread_count, last_message_at, last_message_preview
		FROM chats
		WHERE session_id = ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.SessionID, &c.ChatID, &c.Name, &c.IsGroup, &c.Participants, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat, or nil if absent.
func (db *DB) GetChat(sessionID, chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT session_id, chat_id, name, is_group, participants, unread_count, last_message_at, last_message_preview
		FROM chats WHERE session_id = ? AND chat_id = ?`, sessionID, chatID).
		Scan(&c.SessionID, &c.ChatID, &c.Name, &c.IsGroup, &c.Participants, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
