package storage

const (
	selectSession = `SELECT key, value FROM session_kv WHERE namespace = ? AND key IN (?, ?, ?)`

	upsertSessionKey = `INSERT INTO session_kv (namespace, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	deleteSessionKey = `DELETE FROM session_kv WHERE namespace = ? AND key = ?`

	clearSession = `DELETE FROM session_kv WHERE namespace = ?`
)

const (
	adjustmentColumns = `id, wallet_id, base, delta, target, operation, entry_id, status, attempts, last_error, next_attempt_at, created_at`

	insertAdjustment = `INSERT INTO balance_adjustments
(id, wallet_id, base, delta, target, operation, entry_id, status, attempts, last_error, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	selectDueAdjustments = `SELECT ` + adjustmentColumns + ` FROM balance_adjustments
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at
LIMIT ?`

	claimAdjustment = `UPDATE balance_adjustments SET status = 'processing', updated_at = ?
WHERE id = ? AND status = 'pending'`

	selectAdjustment = `SELECT ` + adjustmentColumns + ` FROM balance_adjustments WHERE id = ?`

	markAdjustmentDone = `UPDATE balance_adjustments
SET status = 'done', attempts = attempts + 1, last_error = '', updated_at = ?
WHERE id = ?`

	markAdjustmentRetry = `UPDATE balance_adjustments
SET status = 'pending', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
WHERE id = ?`

	markAdjustmentFailed = `UPDATE balance_adjustments
SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE id = ?`

	resetStaleAdjustments = `UPDATE balance_adjustments SET status = 'pending', updated_at = ?
WHERE status = 'processing' AND updated_at < ?`

	requeueFailedAdjustments = `UPDATE balance_adjustments
SET status = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ?
WHERE status = 'failed'`

	cleanupAdjustments = `DELETE FROM balance_adjustments WHERE status = 'done' AND updated_at < ?`

	countAdjustmentsByStatus = `SELECT status, COUNT(*) FROM balance_adjustments GROUP BY status`
)
