package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/conduit/internal/models"
)

// NotifyChildDone records a child outcome against its waiting-children
// parent. The last successful child promotes the parent to waiting with the
// accumulated child results injected into its payload; a failed child fails
// the parent immediately.
func (b *Broker) NotifyChildDone(ctx context.Context, parent models.JobRef, childID string, result interface{}, childErr string) error {
	if err := b.checkQueue(parent.Queue); err != nil {
		return err
	}

	var promoted, failed *models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		waitItem, err := txn.Get(childrenKey(parent.Queue, parent.ID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				// Parent already promoted, failed, or removed.
				return nil
			}
			return err
		}

		var wait childWait
		if err := waitItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &wait)
		}); err != nil {
			return err
		}

		jobItem, err := txn.Get(jobKey(parent.Queue, parent.ID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return txn.Delete(childrenKey(parent.Queue, parent.ID))
			}
			return err
		}

		var job models.Job
		if err := jobItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		if job.State != models.JobStateWaitingChildren {
			return txn.Delete(childrenKey(parent.Queue, parent.ID))
		}

		if childErr != "" {
			now := time.Now()
			job.State = models.JobStateFailed
			job.FailedReason = fmt.Sprintf("child job %s failed: %s", childID, childErr)
			job.FinishedAt = &now

			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := txn.Set(jobKey(parent.Queue, parent.ID), data); err != nil {
				return err
			}
			if err := txn.Set(doneKey(parent.Queue, now, parent.ID), []byte(job.State)); err != nil {
				return err
			}
			if err := txn.Delete(childrenKey(parent.Queue, parent.ID)); err != nil {
				return err
			}

			failedCopy := job
			failed = &failedCopy
			return nil
		}

		if _, seen := wait.Results[childID]; !seen {
			wait.Remaining--
		}
		wait.Results[childID] = result

		if wait.Remaining > 0 {
			data, err := json.Marshal(&wait)
			if err != nil {
				return err
			}
			return txn.Set(childrenKey(parent.Queue, parent.ID), data)
		}

		// All children done: offer results to the parent and release it.
		if job.Payload == nil {
			job.Payload = make(map[string]interface{})
		}
		job.Payload["_childResults"] = wait.Results
		job.State = models.JobStateWaiting
		job.VisibleAt = time.Now()

		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(parent.Queue, parent.ID), data); err != nil {
			return err
		}
		if err := txn.Set(pendingKey(parent.Queue, job.Options.Priority, job.VisibleAt, parent.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Delete(childrenKey(parent.Queue, parent.ID)); err != nil {
			return err
		}

		promotedCopy := job
		promoted = &promotedCopy
		return nil
	})
	if err != nil {
		return models.ErrBrokerUnavailable("notify child done failed", err)
	}

	if failed != nil {
		b.bus.Publish(models.Event{
			Type:        models.EventJobFailed,
			Queue:       parent.Queue,
			JobID:       parent.ID,
			UserID:      failed.UserID(),
			FlowID:      failed.FlowID(),
			HandlerName: failed.HandlerName,
			Payload:     failed.FailedReason,
			Timestamp:   time.Now(),
		})
	}
	if promoted != nil && b.logger != nil {
		b.logger.Debug().
			Str("queue", parent.Queue).
			Str("job_id", parent.ID).
			Msg("Parent released after last child completion")
	}

	return nil
}
