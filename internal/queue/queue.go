// Package queue implements the durable work queue. Tasks live in the
// sqlite-backed store; every mutation commits before returning, so a crash
// leaves each record in either its pre- or post-state, never torn.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/keelworks/keel/internal/pool"
	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// claimQuery selects the next claimable task: numerically lowest priority
// first, soonest deadline among those (tasks without a deadline sort last),
// ties broken by creation time. A task with dependencies is claimable only
// when every dependency exists and is completed.
const claimQuery = `
	SELECT * FROM tasks t
	WHERE t.status = 'pending'
	  AND NOT EXISTS (
		SELECT 1 FROM json_each(t.dependencies) d
		LEFT JOIN tasks dep ON dep.id = d.value
		WHERE dep.status IS NULL OR dep.status != 'completed'
	  )
	ORDER BY t.priority ASC,
	         CASE WHEN t.deadline IS NULL THEN 1 ELSE 0 END,
	         t.deadline ASC,
	         t.created_at ASC
	LIMIT 1`

// Queue is the durable task queue. All store access goes through the
// resource pool; the queue itself holds no task state in memory.
type Queue struct {
	pool    *pool.Pool
	cfg     config.QueueConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	resumeOnce sync.Once
}

// New creates a queue over the given handle pool.
func New(p *pool.Pool, cfg config.QueueConfig, m *metrics.Metrics) *Queue {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Queue{
		pool:    p,
		cfg:     cfg,
		logger:  logging.GetLogger(),
		metrics: m,
	}
}

// Submit persists a new pending task. Resubmitting an existing id is a
// no-op and returns false.
func (q *Queue) Submit(ctx context.Context, t *task.Task) (bool, error) {
	if t.ID == "" {
		return false, errors.NewValidationError("task id is required")
	}
	if _, err := task.ParseCategory(string(t.Category)); err != nil {
		return false, errors.NewValidationError(err.Error())
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var inserted bool
	err := q.pool.With(ctx, func(h *store.Handle) error {
		res, err := h.Conn().ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks
				(id, description, category, priority, status, args,
				 dependencies, deadline, attempts, last_error, progress,
				 checkpoint, result, lease_worker, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?, NULL, '', ?)`,
			t.ID, t.Description, t.Category, t.Priority, t.Status,
			nullableJSON(t.Args), t.Dependencies, t.Deadline,
			nullableJSON(t.Checkpoint), t.CreatedAt,
		)
		if err != nil {
			return errors.NewInternalError("failed to submit task").WithCause(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.NewInternalError("failed to submit task").WithCause(err)
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted {
		q.logger.LogTaskEvent(ctx, "task_submitted", t.ID, string(t.Category), logrus.Fields{
			"priority": t.Priority.String(),
		})
	} else {
		q.logger.Debug("Duplicate task submission ignored", "task_id", t.ID)
	}
	return inserted, nil
}

// ClaimNext atomically claims the next eligible pending task for workerID
// and marks it InProgress. Returns nil when no task is claimable.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*task.Task, error) {
	var claimed *task.Task
	err := q.pool.With(ctx, func(h *store.Handle) error {
		tx, err := h.Conn().BeginTxx(ctx, nil)
		if err != nil {
			return errors.NewInternalError("failed to begin claim transaction").WithCause(err)
		}
		defer tx.Rollback()

		var t task.Task
		if err := tx.GetContext(ctx, &t, claimQuery); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return errors.NewInternalError("failed to select claimable task").WithCause(err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'in_progress', lease_worker = ?, started_at = ?,
			    attempts = attempts + 1
			WHERE id = ? AND status = 'pending'`,
			workerID, now, t.ID,
		); err != nil {
			return errors.NewInternalError("failed to claim task").WithCause(err)
		}

		if err := tx.Commit(); err != nil {
			return errors.NewInternalError("failed to commit claim").WithCause(err)
		}

		t.Status = task.StatusInProgress
		t.LeaseWorker = workerID
		t.StartedAt = &now
		t.Attempts++
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		q.logger.LogTaskEvent(ctx, "task_claimed", claimed.ID, string(claimed.Category), logrus.Fields{
			"worker_id": workerID,
			"attempt":   claimed.Attempts,
		})
	}
	return claimed, nil
}

// UpdateProgress persists resumable state for a long-running task.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress float64, checkpoint json.RawMessage) error {
	if progress < 0 || progress > 1 {
		return errors.NewValidationError("progress must be in [0, 1]")
	}

	return q.pool.With(ctx, func(h *store.Handle) error {
		res, err := h.Conn().ExecContext(ctx, `
			UPDATE tasks SET progress = ?, checkpoint = ?
			WHERE id = ? AND status = 'in_progress'`,
			progress, nullableJSON(checkpoint), id,
		)
		if err != nil {
			return errors.NewInternalError("failed to update progress").WithCause(err)
		}
		return q.requireUpdated(ctx, h, res, id, task.StatusInProgress)
	})
}

// Complete transitions an InProgress task to Completed.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	var category string
	var duration time.Duration

	err := q.pool.With(ctx, func(h *store.Handle) error {
		t, err := getTask(ctx, h.Conn(), id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusInProgress {
			return errors.NewConflictError("task is not in progress").WithDetail("task_id", id)
		}

		now := time.Now().UTC()
		if _, err := h.Conn().ExecContext(ctx, `
			UPDATE tasks
			SET status = 'completed', result = ?, progress = 1,
			    completed_at = ?, lease_worker = ''
			WHERE id = ?`,
			nullableJSON(result), now, id,
		); err != nil {
			return errors.NewInternalError("failed to complete task").WithCause(err)
		}

		category = string(t.Category)
		if t.StartedAt != nil {
			duration = now.Sub(*t.StartedAt)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.metrics.RecordTask("completed", category, duration)
	q.logger.LogTaskEvent(ctx, "task_completed", id, category, logrus.Fields{
		"duration": duration.String(),
	})
	return nil
}

// Fail transitions an InProgress task to Failed, recording the error.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	var category string
	var duration time.Duration

	err := q.pool.With(ctx, func(h *store.Handle) error {
		t, err := getTask(ctx, h.Conn(), id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusInProgress {
			return errors.NewConflictError("task is not in progress").WithDetail("task_id", id)
		}

		now := time.Now().UTC()
		if _, err := h.Conn().ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', last_error = ?, completed_at = ?,
			    lease_worker = ''
			WHERE id = ?`,
			errMsg, now, id,
		); err != nil {
			return errors.NewInternalError("failed to fail task").WithCause(err)
		}

		category = string(t.Category)
		if t.StartedAt != nil {
			duration = now.Sub(*t.StartedAt)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.metrics.RecordTask("failed", category, duration)
	q.logger.LogTaskEvent(ctx, "task_failed", id, category, logrus.Fields{
		"error": errMsg,
	})
	return nil
}

// Cancel cancels a task that has not started yet.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	err := q.pool.With(ctx, func(h *store.Handle) error {
		res, err := h.Conn().ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', completed_at = ?
			WHERE id = ? AND status = 'pending'`,
			time.Now().UTC(), id,
		)
		if err != nil {
			return errors.NewInternalError("failed to cancel task").WithCause(err)
		}
		return q.requireUpdated(ctx, h, res, id, task.StatusPending)
	})
	if err != nil {
		return err
	}

	q.metrics.RecordTask("cancelled", "", 0)
	q.logger.LogTaskEvent(ctx, "task_cancelled", id, "", nil)
	return nil
}

// ResumeInterrupted resets every task left InProgress by a prior run back
// to Pending, returning their ids. The reset runs at most once per process;
// later calls return an empty list.
func (q *Queue) ResumeInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	var outerErr error

	q.resumeOnce.Do(func() {
		outerErr = q.pool.With(ctx, func(h *store.Handle) error {
			tx, err := h.Conn().BeginTxx(ctx, nil)
			if err != nil {
				return errors.NewInternalError("failed to begin resume transaction").WithCause(err)
			}
			defer tx.Rollback()

			if err := tx.SelectContext(ctx, &ids,
				`SELECT id FROM tasks WHERE status = 'in_progress' ORDER BY created_at ASC`,
			); err != nil {
				return errors.NewInternalError("failed to find interrupted tasks").WithCause(err)
			}
			if len(ids) == 0 {
				return nil
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'pending', lease_worker = '', started_at = NULL
				WHERE status = 'in_progress'`,
			); err != nil {
				return errors.NewInternalError("failed to reset interrupted tasks").WithCause(err)
			}

			return tx.Commit()
		})
	})
	if outerErr != nil {
		return nil, outerErr
	}

	if len(ids) > 0 {
		q.logger.Warn("Resumed tasks interrupted by prior run", "count", len(ids))
	}
	return ids, nil
}

// Depth returns the number of pending tasks and refreshes the per-priority
// depth gauges.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	type row struct {
		Priority task.Priority `db:"priority"`
		Count    int64         `db:"count"`
	}

	var rows []row
	err := q.pool.With(ctx, func(h *store.Handle) error {
		return h.Conn().SelectContext(ctx, &rows, `
			SELECT priority, COUNT(*) AS count FROM tasks
			WHERE status = 'pending'
			GROUP BY priority`,
		)
	})
	if err != nil {
		return 0, errors.NewInternalError("failed to measure queue depth").WithCause(err)
	}

	var total int64
	seen := make(map[task.Priority]bool, len(rows))
	for _, r := range rows {
		total += r.Count
		seen[r.Priority] = true
		q.metrics.UpdateQueueDepth(r.Priority.String(), r.Count)
	}
	for _, p := range []task.Priority{task.PriorityCritical, task.PriorityHigh, task.PriorityNormal, task.PriorityLow} {
		if !seen[p] {
			q.metrics.UpdateQueueDepth(p.String(), 0)
		}
	}
	return total, nil
}

// Get fetches a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := q.pool.With(ctx, func(h *store.Handle) error {
		found, err := getTask(ctx, h.Conn(), id)
		if err != nil {
			return err
		}
		t = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Cleanup deletes terminal records older than olderThan and blocks pending
// tasks whose dependencies can no longer complete. Returns the number of
// deleted records.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var deleted int64
	err := q.pool.With(ctx, func(h *store.Handle) error {
		res, err := h.Conn().ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL AND completed_at < ?`,
			cutoff,
		)
		if err != nil {
			return errors.NewInternalError("failed to delete terminal tasks").WithCause(err)
		}
		deleted, _ = res.RowsAffected()

		// A pending task with a failed or cancelled dependency will never
		// become claimable; surface that as Blocked.
		if _, err := h.Conn().ExecContext(ctx, `
			UPDATE tasks SET status = 'blocked'
			WHERE status = 'pending'
			  AND EXISTS (
				SELECT 1 FROM json_each(tasks.dependencies) d
				JOIN tasks dep ON dep.id = d.value
				WHERE dep.status IN ('failed', 'cancelled')
			  )`,
		); err != nil {
			return errors.NewInternalError("failed to block orphaned tasks").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		q.logger.Info("Cleaned up terminal tasks", "deleted", deleted, "older_than", olderThan.String())
	}
	return deleted, nil
}

// ClaimWait returns the poll interval workers should use between empty
// claim attempts.
func (q *Queue) ClaimWait() time.Duration {
	return q.cfg.ClaimWait
}

// requireUpdated maps a zero-row update to NotFound or Conflict depending
// on whether the task exists in the expected state.
func (q *Queue) requireUpdated(ctx context.Context, h *store.Handle, res sql.Result, id string, want task.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to read update result").WithCause(err)
	}
	if n > 0 {
		return nil
	}

	t, err := getTask(ctx, h.Conn(), id)
	if err != nil {
		return err
	}
	return errors.NewConflictError("task is not "+string(want)).
		WithDetail("task_id", id).
		WithDetail("status", string(t.Status))
}

func getTask(ctx context.Context, conn *sqlx.Conn, id string) (*task.Task, error) {
	var t task.Task
	if err := conn.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("task " + id)
		}
		return nil, errors.NewInternalError("failed to load task").WithCause(err)
	}
	return &t, nil
}

// nullableJSON maps empty raw JSON to NULL so absent payloads stay NULL in
// the store instead of empty strings.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
