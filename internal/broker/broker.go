package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// Badger-backed durable broker. All job kinds (user jobs, webhook deliveries,
// scheduled firings, flow members) share the same storage primitive; queue
// names are drawn from the configured whitelist.
type Broker struct {
	store             *badgerhold.Store
	db                *badger.DB
	bus               interfaces.EventBus
	logger            arbor.ILogger
	allowed           map[string]bool
	visibilityTimeout time.Duration

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}
}

// childWait tracks the outstanding children of a waiting-children parent.
type childWait struct {
	Remaining int                    `json:"remaining"`
	Results   map[string]interface{} `json:"results"`
}

// New creates a broker over an open badgerhold store. The raw badger handle
// backs the queue keyspace; badgerhold backs schedule rows.
func New(store *badgerhold.Store, bus interfaces.EventBus, allowedQueues []string, visibilityTimeout time.Duration, logger arbor.ILogger) (*Broker, error) {
	if store == nil {
		return nil, errors.New("badgerhold store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}

	allowed := make(map[string]bool, len(allowedQueues))
	for _, q := range allowedQueues {
		allowed[q] = true
	}
	if len(allowed) == 0 {
		for _, q := range models.DefaultAllowedQueues() {
			allowed[q] = true
		}
	}

	return &Broker{
		store:             store,
		db:                store.Badger(),
		bus:               bus,
		logger:            logger,
		allowed:           allowed,
		visibilityTimeout: visibilityTimeout,
		cancels:           make(map[string]chan struct{}),
	}, nil
}

func (b *Broker) checkQueue(queue string) error {
	if !b.allowed[queue] {
		return models.ErrInvalidQueue(queue)
	}
	return nil
}

// Enqueue stores a job and indexes it for dispatch once any delay elapses.
func (b *Broker) Enqueue(ctx context.Context, queue, handlerName string, payload map[string]interface{}, opts models.JobOptions) (string, error) {
	return b.enqueue(ctx, queue, handlerName, payload, opts, 0)
}

// EnqueueWaitingChildren stores a parent job held until childCount children
// report a terminal state. Children are enqueued afterwards carrying a
// _parentRef back to this job so workers can notify completion.
func (b *Broker) EnqueueWaitingChildren(ctx context.Context, queue, handlerName string, payload map[string]interface{}, opts models.JobOptions, childCount int) (string, error) {
	return b.enqueue(ctx, queue, handlerName, payload, opts, childCount)
}

func (b *Broker) enqueue(ctx context.Context, queue, handlerName string, payload map[string]interface{}, opts models.JobOptions, childCount int) (string, error) {
	if err := b.checkQueue(queue); err != nil {
		return "", err
	}
	if handlerName == "" {
		return "", models.ErrInvalidInput("handler name is required", nil)
	}

	opts.Normalize()

	now := time.Now()
	job := &models.Job{
		ID:          common.NewJobID(),
		Queue:       queue,
		HandlerName: handlerName,
		Payload:     payload,
		Options:     opts,
		State:       models.JobStateWaiting,
		CreatedAt:   now,
		VisibleAt:   now,
	}

	if opts.DelayMs > 0 {
		job.State = models.JobStateDelayed
		job.VisibleAt = now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
	}

	var wait *childWait
	if childCount > 0 {
		job.State = models.JobStateWaitingChildren
		job.ChildCount = childCount
		wait = &childWait{Remaining: childCount, Results: make(map[string]interface{})}
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		if err := txn.Set(jobKey(queue, job.ID), data); err != nil {
			return err
		}

		if wait != nil {
			waitData, err := json.Marshal(wait)
			if err != nil {
				return fmt.Errorf("marshal child wait: %w", err)
			}
			return txn.Set(childrenKey(queue, job.ID), waitData)
		}

		return txn.Set(pendingKey(queue, opts.Priority, job.VisibleAt, job.ID), []byte{})
	})
	if err != nil {
		return "", models.ErrBrokerUnavailable("enqueue failed", err)
	}

	return job.ID, nil
}

// Receive claims the next visible waiting job, transitioning it to active.
// Returns a nil job when the queue is idle.
func (b *Broker) Receive(ctx context.Context, queue string) (*models.Job, interfaces.AckFunc, error) {
	if err := b.checkQueue(queue); err != nil {
		return nil, nil, err
	}

	var claimed *models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := pendingPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := parsePendingKey(queue, key)
			if err != nil {
				continue
			}
			// Keys sort priority-major, so a future timestamp in one priority
			// class says nothing about the next class. Skip, don't break.
			if ts.After(now) {
				continue
			}

			item, err := txn.Get(jobKey(queue, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry.
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var job models.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}

			// Claim: state active, lease via VisibleAt, attempt counted.
			processedAt := now
			job.State = models.JobStateActive
			job.ProcessedAt = &processedAt
			job.AttemptsMade++
			job.VisibleAt = now.Add(b.visibilityTimeout)

			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := txn.Set(jobKey(queue, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}

			claimed = &job
			return nil
		}

		return nil
	})
	if err != nil {
		return nil, nil, models.ErrBrokerUnavailable("receive failed", err)
	}
	if claimed == nil {
		return nil, nil, nil
	}

	b.armCancel(queue, claimed.ID)

	b.bus.Publish(models.Event{
		Type:        models.EventJobActive,
		Queue:       queue,
		JobID:       claimed.ID,
		UserID:      claimed.UserID(),
		FlowID:      claimed.FlowID(),
		HandlerName: claimed.HandlerName,
		Timestamp:   time.Now(),
	})

	jobID := claimed.ID
	ack := func(result interface{}, execErr error) error {
		return b.finalize(queue, jobID, result, execErr)
	}
	return claimed, ack, nil
}

// finalize writes the terminal outcome for a received job. A job removed
// while active is gone by now; its result is discarded silently.
func (b *Broker) finalize(queue, jobID string, result interface{}, execErr error) error {
	var finalized *models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var job models.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		if job.State != models.JobStateActive {
			return nil
		}

		now := time.Now()
		job.FinishedAt = &now
		if execErr != nil {
			job.State = models.JobStateFailed
			job.FailedReason = execErr.Error()
		} else {
			job.State = models.JobStateCompleted
			job.Result = result
		}

		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(queue, jobID), data); err != nil {
			return err
		}
		if err := txn.Set(doneKey(queue, now, jobID), []byte(job.State)); err != nil {
			return err
		}

		finalized = &job
		return nil
	})
	if err != nil {
		return models.ErrBrokerUnavailable("finalize failed", err)
	}

	b.disarmCancel(queue, jobID)

	if finalized == nil {
		return nil
	}

	eventType := models.EventJobCompleted
	var payload interface{} = finalized.Result
	if finalized.State == models.JobStateFailed {
		eventType = models.EventJobFailed
		payload = finalized.FailedReason
	}
	b.bus.Publish(models.Event{
		Type:        eventType,
		Queue:       queue,
		JobID:       jobID,
		UserID:      finalized.UserID(),
		FlowID:      finalized.FlowID(),
		HandlerName: finalized.HandlerName,
		Payload:     payload,
		Timestamp:   time.Now(),
	})

	b.pruneTerminal(queue, finalized.Options)

	return nil
}

// RequeueForRetry reschedules a received job for another attempt instead of
// finalising it. Publishes a non-final failed event so observers see each
// attempt's outcome.
func (b *Broker) RequeueForRetry(ctx context.Context, queue, jobID string, failedReason string, delayMs int64) error {
	var requeued *models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var job models.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		if job.State != models.JobStateActive {
			return nil
		}

		now := time.Now()
		job.FailedReason = failedReason
		job.VisibleAt = now
		job.State = models.JobStateWaiting
		if delayMs > 0 {
			job.State = models.JobStateDelayed
			job.VisibleAt = now.Add(time.Duration(delayMs) * time.Millisecond)
		}

		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(queue, jobID), data); err != nil {
			return err
		}
		if err := txn.Set(pendingKey(queue, job.Options.Priority, job.VisibleAt, jobID), []byte{}); err != nil {
			return err
		}

		requeued = &job
		return nil
	})
	if err != nil {
		return models.ErrBrokerUnavailable("requeue failed", err)
	}

	b.disarmCancel(queue, jobID)

	if requeued != nil {
		b.bus.Publish(models.Event{
			Type:        models.EventJobFailed,
			Queue:       queue,
			JobID:       jobID,
			UserID:      requeued.UserID(),
			FlowID:      requeued.FlowID(),
			HandlerName: requeued.HandlerName,
			Payload: map[string]interface{}{
				"error":        failedReason,
				"attemptsMade": requeued.AttemptsMade,
				"final":        false,
			},
			Timestamp: time.Now(),
		})
	}

	return nil
}

// GetJob loads a job record.
func (b *Broker) GetJob(ctx context.Context, queue, jobID string) (*models.Job, error) {
	if err := b.checkQueue(queue); err != nil {
		return nil, err
	}

	var job models.Job
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, models.ErrNotFound(fmt.Sprintf("job %s not found on queue %s", jobID, queue), nil)
		}
		return nil, models.ErrBrokerUnavailable("get job failed", err)
	}
	return &job, nil
}

// Remove deletes a job wherever it stands. Removing an active job closes its
// cancellation channel; the running handler's eventual result is discarded.
func (b *Broker) Remove(ctx context.Context, queue, jobID string) error {
	if err := b.checkQueue(queue); err != nil {
		return err
	}

	wasActive := false
	found := false

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var job models.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		found = true
		wasActive = job.State == models.JobStateActive

		switch job.State {
		case models.JobStateWaiting, models.JobStateDelayed:
			if err := txn.Delete(pendingKey(queue, job.Options.Priority, job.VisibleAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		case models.JobStateWaitingChildren:
			if err := txn.Delete(childrenKey(queue, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		if job.FinishedAt != nil {
			if err := txn.Delete(doneKey(queue, *job.FinishedAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}

		return txn.Delete(jobKey(queue, jobID))
	})
	if err != nil {
		return models.ErrBrokerUnavailable("remove failed", err)
	}
	if !found {
		return models.ErrNotFound(fmt.Sprintf("job %s not found on queue %s", jobID, queue), nil)
	}

	if wasActive {
		b.signalCancel(queue, jobID)
	}
	return nil
}

// UpdateProgress persists the latest progress value on the job record.
func (b *Broker) UpdateProgress(ctx context.Context, queue, jobID string, progress interface{}) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, jobID))
		if err != nil {
			return err
		}

		var job models.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}

		job.Progress = progress
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(queue, jobID), data)
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return models.ErrNotFound(fmt.Sprintf("job %s not found on queue %s", jobID, queue), nil)
		}
		return models.ErrBrokerUnavailable("update progress failed", err)
	}
	return nil
}

// MarkStuck sweeps active jobs whose claim lease expired, marking them stuck.
// Stuck is terminal; the broker does not resurrect these jobs.
func (b *Broker) MarkStuck(ctx context.Context, queue string) ([]string, error) {
	if err := b.checkQueue(queue); err != nil {
		return nil, err
	}

	var stuck []*models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := jobPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job models.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				continue
			}
			if job.State != models.JobStateActive || job.VisibleAt.After(now) {
				continue
			}

			finishedAt := now
			job.State = models.JobStateStuck
			job.FinishedAt = &finishedAt
			if job.FailedReason == "" {
				job.FailedReason = "worker lost between activation and finalisation"
			}

			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := txn.Set(jobKey(queue, job.ID), data); err != nil {
				return err
			}
			if err := txn.Set(doneKey(queue, finishedAt, job.ID), []byte(job.State)); err != nil {
				return err
			}

			jobCopy := job
			stuck = append(stuck, &jobCopy)
		}
		return nil
	})
	if err != nil {
		return nil, models.ErrBrokerUnavailable("stuck sweep failed", err)
	}

	ids := make([]string, 0, len(stuck))
	for _, job := range stuck {
		ids = append(ids, job.ID)
		b.disarmCancel(queue, job.ID)
		b.bus.Publish(models.Event{
			Type:        models.EventJobFailed,
			Queue:       queue,
			JobID:       job.ID,
			UserID:      job.UserID(),
			FlowID:      job.FlowID(),
			HandlerName: job.HandlerName,
			Payload: map[string]interface{}{
				"error": job.FailedReason,
				"stuck": true,
			},
			Timestamp: time.Now(),
		})
	}
	return ids, nil
}

// pruneTerminal enforces the removeOnComplete/removeOnFail retention caps by
// deleting the oldest terminal jobs beyond the cap. Cap 0 keeps everything.
func (b *Broker) pruneTerminal(queue string, opts models.JobOptions) {
	if opts.RemoveOnComplete <= 0 && opts.RemoveOnFail <= 0 {
		return
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		prefix := donePrefix(queue)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		type doneEntry struct {
			key   []byte
			jobID string
			state models.JobState
		}
		var completed, failed []doneEntry

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id, err := parseDoneKey(queue, key)
			if err != nil {
				continue
			}
			var state models.JobState
			if err := it.Item().Value(func(val []byte) error {
				state = models.JobState(val)
				return nil
			}); err != nil {
				continue
			}
			entry := doneEntry{key: key, jobID: id, state: state}
			if state == models.JobStateCompleted {
				completed = append(completed, entry)
			} else {
				failed = append(failed, entry)
			}
		}

		prune := func(entries []doneEntry, cap int) error {
			if cap <= 0 || len(entries) <= cap {
				return nil
			}
			// Entries iterate oldest-first; drop the overflow head.
			for _, e := range entries[:len(entries)-cap] {
				if err := txn.Delete(e.key); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
				if err := txn.Delete(jobKey(queue, e.jobID)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
			return nil
		}

		if err := prune(completed, opts.RemoveOnComplete); err != nil {
			return err
		}
		return prune(failed, opts.RemoveOnFail)
	})
	if err != nil && b.logger != nil {
		b.logger.Warn().Err(err).Str("queue", queue).Msg("Terminal retention prune failed")
	}
}

// Cancellation channels for active jobs.

func (b *Broker) cancelKey(queue, jobID string) string {
	return queue + ":" + jobID
}

func (b *Broker) armCancel(queue, jobID string) {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	b.cancels[b.cancelKey(queue, jobID)] = make(chan struct{})
}

func (b *Broker) disarmCancel(queue, jobID string) {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	delete(b.cancels, b.cancelKey(queue, jobID))
}

func (b *Broker) signalCancel(queue, jobID string) {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	key := b.cancelKey(queue, jobID)
	if ch, ok := b.cancels[key]; ok {
		close(ch)
		delete(b.cancels, key)
	}
}

// Cancelled exposes the cancellation signal for an active job. Jobs without
// an armed channel get a never-closing one.
func (b *Broker) Cancelled(queue, jobID string) <-chan struct{} {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if ch, ok := b.cancels[b.cancelKey(queue, jobID)]; ok {
		return ch
	}
	return make(chan struct{})
}

// Close releases the broker. The underlying store is owned by the storage
// manager and closed there.
func (b *Broker) Close() error {
	return nil
}
