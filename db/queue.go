package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/threadfed/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertReceivedActivity = `INSERT INTO received_activities(ap_id, actor_ap_id, type, received_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(ap_id) DO NOTHING`
	sqlDeleteReceivedBefore   = `DELETE FROM received_activities WHERE received_at < ?`
	sqlDeleteReceivedActivity = `DELETE FROM received_activities WHERE ap_id = ?`

	deliveryColumns = `id, intent_id, inbox_url, activity_id, payload, digest, signer_ap_id, attempts,
		next_attempt_at, status, last_error, created_at`

	sqlInsertDelivery = `INSERT INTO delivery_queue(id, intent_id, inbox_url, activity_id, payload, digest,
		signer_ap_id, attempts, next_attempt_at, status, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_id, inbox_url) DO NOTHING`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = 'pending'`
	sqlMarkDeliveryFailed = `UPDATE delivery_queue SET status = 'failed', attempts = ?, last_error = ?
		WHERE id = ? AND status = 'pending'`
	sqlDeleteDelivery         = `DELETE FROM delivery_queue WHERE id = ?`
	sqlSelectDeliveryById     = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE id = ?`
	sqlSelectDeliveriesStatus = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE status = ?
		ORDER BY created_at, rowid LIMIT ?`
	sqlCountDeliveriesStatus = `SELECT COUNT(*) FROM delivery_queue WHERE status = ?`
)

// InsertReceivedActivity records an inbound activity id. It reports false
// when the id was already seen.
func (db *DB) InsertReceivedActivity(ctx context.Context, a domain.ReceivedActivity) (bool, error) {
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now()
	}
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertReceivedActivity, a.ApID, a.ActorApID, a.Type, a.ReceivedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n > 0
		return err
	})
	return inserted, err
}

// DeleteReceivedActivity forgets an activity id so a redelivery is processed
// again.
func (db *DB) DeleteReceivedActivity(ctx context.Context, apID string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteReceivedActivity, apID)
		return err
	})
}

// PruneReceivedActivities drops dedupe records older than cutoff.
func (db *DB) PruneReceivedActivities(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteReceivedBefore, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// EnqueueDeliveries persists the tasks of one intent atomically. A task whose
// (activity, inbox) pair is already queued is skipped.
func (db *DB) EnqueueDeliveries(ctx context.Context, tasks []domain.DeliveryTask) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertDelivery)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range tasks {
			if t.Status == "" {
				t.Status = domain.DeliveryPending
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = time.Now()
			}
			if t.NextAttemptAt.IsZero() {
				t.NextAttemptAt = t.CreatedAt
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.IntentID, t.InboxURL, t.ActivityID, string(t.Payload),
				t.Digest, t.SignerApID, t.Attempts, t.NextAttemptAt, string(t.Status), t.LastError, t.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, nextAttempt, lastError, id)
		return err
	})
}

// MarkDeliveryFailed moves a pending task to the terminal failed state. It
// reports false when the task was not pending, so the transition is recorded
// exactly once.
func (db *DB) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) (bool, error) {
	var marked bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlMarkDeliveryFailed, attempts, lastError, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		marked = n == 1
		return err
	})
	return marked, err
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id)
		return err
	})
}

func scanDelivery(row scanner) (domain.DeliveryTask, error) {
	var t domain.DeliveryTask
	var payload, status string
	err := row.Scan(&t.ID, &t.IntentID, &t.InboxURL, &t.ActivityID, &payload, &t.Digest, &t.SignerApID,
		&t.Attempts, &t.NextAttemptAt, &status, &t.LastError, &t.CreatedAt)
	t.Payload = []byte(payload)
	t.Status = domain.DeliveryStatus(status)
	return t, notFound(err)
}

func (db *DB) ReadDeliveryById(ctx context.Context, id uuid.UUID) (domain.DeliveryTask, error) {
	return scanDelivery(db.db.QueryRowContext(ctx, sqlSelectDeliveryById, id))
}

// ReadPendingDeliveries returns up to limit pending tasks, oldest first.
func (db *DB) ReadPendingDeliveries(ctx context.Context, limit int) ([]domain.DeliveryTask, error) {
	return db.readDeliveries(ctx, domain.DeliveryPending, limit)
}

func (db *DB) ReadFailedDeliveries(ctx context.Context, limit int) ([]domain.DeliveryTask, error) {
	return db.readDeliveries(ctx, domain.DeliveryFailed, limit)
}

func (db *DB) CountDeliveries(ctx context.Context, status domain.DeliveryStatus) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveriesStatus, string(status)).Scan(&n)
	return n, err
}

func (db *DB) readDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.DeliveryTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveriesStatus, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		t, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
