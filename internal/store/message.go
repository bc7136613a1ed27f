package store

import "time"

// InsertMessageIfAbsent stores a message keyed by (session_id, msg_id).
// A conflict on the natural key is absorbed as a no-op: the first observer
// of a message wins and later observations never overwrite stored content.
// Returns true if a new row was inserted.
func (db *DB) InsertMessageIfAbsent(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO messages (session_id, chat_id, msg_id, sender_jid, sender_name, body, message_type, from_me, has_media, ack_level, read, read_at, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO NOTHING`,
		m.SessionID, m.ChatID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType,
		m.FromMe, m.HasMedia, m.AckLevel, m.Read, m.ReadAt, m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateMessageAck raises a message's acknowledgment level. The guard in
// SQL keeps the level monotonically non-decreasing; a receipt for a message
// we never stored is a no-op. Read receipts also stamp the read flag.
func (db *DB) UpdateMessageAck(sessionID, msgID string, level int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages
		SET ack_level = ?,
			read = CASE WHEN ? >= ? THEN 1 ELSE read END,
			read_at = CASE WHEN ? >= ? AND read = 0 THEN ? ELSE read_at END
		WHERE session_id = ? AND msg_id = ? AND ack_level < ?`,
		level, level, AckRead, level, AckRead, now, sessionID, msgID, level)
	return err
}

// ListMessages returns a chat's messages using keyset pagination by timestamp.
func (db *DB) ListMessages(sessionID, chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, session_id, chat_id, msg_id, sender_jid, sender_name, body, message_type, from_me, has_media, ack_level, read, read_at, timestamp
		FROM messages
		WHERE session_id = ? AND chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, sessionID, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ChatID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.HasMedia, &m.AckLevel, &m.Read, &m.ReadAt, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages for a session.
func (db *DB) CountMessages(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
