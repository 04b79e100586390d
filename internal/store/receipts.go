package store

import "time"

// QueueReceipt adds a receipt for delivery. Queuing the same
// (user, kind, target) again resets it to queued with no attempts.
func (db *DB) QueueReceipt(userID, kind, targetID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO receipts (user_id, kind, target_id, status, attempts, error_message, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, '', ?, ?)
		ON CONFLICT (user_id, kind, target_id) DO UPDATE SET
			status = 'queued', attempts = 0, error_message = '', updated_at = excluded.updated_at`,
		userID, kind, targetID, now, now)
	return err
}

// PendingReceipts returns up to limit queued receipts of a user, oldest first.
func (db *DB) PendingReceipts(userID string, limit int) ([]Receipt, error) {
	rows, err := db.Query(`
		SELECT id, user_id, kind, target_id, status, attempts, error_message, created_at, updated_at
		FROM receipts WHERE user_id = ? AND status = 'queued'
		ORDER BY created_at ASC, id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.UserID, &r.Kind, &r.TargetID, &r.Status, &r.Attempts, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// DeleteReceipt removes a delivered receipt.
func (db *DB) DeleteReceipt(id int64) error {
	_, err := db.Exec(`DELETE FROM receipts WHERE id = ?`, id)
	return err
}

// RecordReceiptFailure counts a failed delivery attempt. Once attempts
// reach maxAttempts the receipt is marked failed and no longer pending.
// It reports whether that happened.
func (db *DB) RecordReceiptFailure(id int64, errMsg string, maxAttempts int) (bool, error) {
	now := time.Now().UnixMilli()
	var status string
	err := db.QueryRow(`
		UPDATE receipts SET
			attempts = attempts + 1,
			error_message = ?,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE status END,
			updated_at = ?
		WHERE id = ?
		RETURNING status`, errMsg, maxAttempts, now, id).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == ReceiptFailed, nil
}

// PurgeReceipts deletes every receipt of a user and returns how many
// were removed.
func (db *DB) PurgeReceipts(userID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM receipts WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountReceipts returns how many receipts of a user have the given status.
func (db *DB) CountReceipts(userID, status string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM receipts WHERE user_id = ? AND status = ?`, userID, status).Scan(&n)
	return n, err
}
