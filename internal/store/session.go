package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session record.
func (db *DB) CreateSession(s *Session) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (id, user_id, status, phone_number, qr_payload, sync_progress, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Status, s.PhoneNumber, s.QRPayload, s.SyncProgress, s.LastSyncedAt, now, now)
	return err
}

// GetSession returns a session by ID, or nil if absent.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT id, user_id, status, phone_number, qr_payload, sync_progress, last_synced_at, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.UserID, &s.Status, &s.PhoneNumber, &s.QRPayload, &s.SyncProgress, &s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSessionStatus updates only the status column.
func (db *DB) SetSessionStatus(id, status string) error {
	_, err := db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// SetSessionQR stores a fresh pairing payload and moves the session to the
// given status. The phone number is cleared: a session awaiting pairing has
// no authenticated identity.
func (db *DB) SetSessionQR(id, status, qrPayload string) error {
	_, err := db.Exec(`
		UPDATE sessions SET status = ?, qr_payload = ?, phone_number = '', updated_at = ?
		WHERE id = ?`,
		status, qrPayload, time.Now().UnixMilli(), id)
	return err
}

// SetSessionAuthenticated records the phone number, clears the QR payload
// and moves the session to the given status.
func (db *DB) SetSessionAuthenticated(id, status, phoneNumber string) error {
	_, err := db.Exec(`
		UPDATE sessions SET status = ?, phone_number = ?, qr_payload = '', updated_at = ?
		WHERE id = ?`,
		status, phoneNumber, time.Now().UnixMilli(), id)
	return err
}

// BeginSessionSync marks the start of a sync pass: status set, progress
// reset to zero.
func (db *DB) BeginSessionSync(id, status string) error {
	_, err := db.Exec(`
		UPDATE sessions SET status = ?, sync_progress = 0, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// SetSessionSyncProgress updates the fractional sync progress (0..100).
func (db *DB) SetSessionSyncProgress(id string, progress int) error {
	_, err := db.Exec(`UPDATE sessions SET sync_progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UnixMilli(), id)
	return err
}

// CompleteSessionSync marks a successful sync pass: status set, progress
// pinned to 100 and last_synced_at stamped.
func (db *DB) CompleteSessionSync(id, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sessions SET status = ?, sync_progress = 100, last_synced_at = ?, updated_at = ?
		WHERE id = ?`,
		status, now, now, id)
	return err
}

// CountUserSessions returns how many sessions the user has in any of the
// given statuses.
func (db *DB) CountUserSessions(userID string, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `)`
	args := make([]any, 0, len(statuses)+1)
	args = append(args, userID)
	for _, s := range statuses {
		args = append(args, s)
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses.
func (db *DB) ListSessionsByStatus(statuses ...string) ([]Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, user_id, status, phone_number, qr_payload, sync_progress, last_synced_at, created_at, updated_at
		FROM sessions WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)
		ORDER BY created_at`
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, s)
	}
	return db.scanSessions(query, args...)
}

// ListUserSessions returns all sessions owned by a user.
func (db *DB) ListUserSessions(userID string) ([]Session, error) {
	return db.scanSessions(`
		SELECT id, user_id, status, phone_number, qr_payload, sync_progress, last_synced_at, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY created_at`, userID)
}

func (db *DB) scanSessions(query string, args ...any) ([]Session, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Status, &s.PhoneNumber, &s.QRPayload, &s.SyncProgress, &s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for range n {
		out += ", ?"
	}
	return out
}
