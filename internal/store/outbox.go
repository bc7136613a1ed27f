package store

import "time"

// EnqueueOutbox adds a pending outgoing message.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (session_id, client_msg_id, chat_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		e.SessionID, e.ClientMsgID, e.ChatID, e.Body, now, now)
	return err
}

// PendingOutbox returns queued entries across all sessions, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox("queued")
}

// SendingOutbox returns entries claimed for sending but never resolved.
// Outside of a send in flight this is empty; entries linger here only when
// a previous process died mid-send.
func (db *DB) SendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox("sending")
}

func (db *DB) listOutbox(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, session_id, client_msg_id, chat_id, body, status, error_message, server_msg_id
		FROM outbox WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending moves an entry to the sending state.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSent records the server message ID for a sent entry.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed records a send failure.
func (db *DB) MarkOutboxFailed(clientMsgID, errorMessage string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errorMessage, time.Now().UnixMilli(), clientMsgID)
	return err
}

// RequeueOutbox returns a failed or stuck entry to the queue.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}
