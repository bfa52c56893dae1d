package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// PoolConfig tunes one queue's worker pool.
type PoolConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Pool drains one queue with bounded concurrency: receive, resolve handler,
// execute, finalise. Retry scheduling uses exponential backoff on the
// broker's delayed visibility.
type Pool struct {
	cfg      PoolConfig
	broker   interfaces.Broker
	registry interfaces.HandlerRegistry
	bus      interfaces.EventBus
	logger   arbor.ILogger

	stop chan struct{}
}

// NewPool creates a worker pool for one queue.
func NewPool(cfg PoolConfig, broker interfaces.Broker, registry interfaces.HandlerRegistry, bus interfaces.EventBus, logger arbor.ILogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	return &Pool{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		bus:      bus,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the worker goroutines. Starts are staggered so an idle
// fleet does not poll in lockstep.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.workerLoop(i)
	}
	p.logger.Info().
		Str("queue", p.cfg.Queue).
		Int("concurrency", p.cfg.Concurrency).
		Msg("Worker pool started")
}

// Stop signals all workers to finish their current job and exit.
func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) workerLoop(slot int) {
	// Stagger startup across the pool.
	select {
	case <-time.After(time.Duration(slot) * 10 * time.Millisecond):
	case <-p.stop:
		return
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

// drain processes jobs until the queue goes idle.
func (p *Pool) drain() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		job, ack, err := p.broker.Receive(context.Background(), p.cfg.Queue)
		if err != nil {
			p.logger.Warn().Err(err).Str("queue", p.cfg.Queue).Msg("Receive failed")
			return
		}
		if job == nil {
			return
		}

		p.process(job, ack)
	}
}

func (p *Pool) process(job *models.Job, ack interfaces.AckFunc) {
	// The handler reference captured here is used to completion; a registry
	// reload mid-job never hot-swaps the executor.
	handler, err := p.registry.Get(job.HandlerName)
	if err != nil {
		// HandlerNotFound is fatal for the job, no retry.
		if ackErr := ack(nil, err); ackErr != nil {
			p.logger.Error().Err(ackErr).Str("job_id", job.ID).Msg("Failed to finalise job without handler")
		}
		p.notifyParent(job, nil, err)
		return
	}

	jctx := newJobContext(job, p.broker, p.bus)
	result, execErr := p.execute(handler, job, jctx)

	if execErr != nil {
		if job.AttemptsMade < job.Options.Attempts {
			delay := p.backoff(job.AttemptsMade)
			if err := p.broker.RequeueForRetry(context.Background(), p.cfg.Queue, job.ID, execErr.Error(), delay.Milliseconds()); err != nil {
				p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Retry requeue failed")
			}
			p.logger.Debug().
				Str("queue", p.cfg.Queue).
				Str("job_id", job.ID).
				Int("attempt", job.AttemptsMade).
				Int("attempts", job.Options.Attempts).
				Str("backoff", delay.String()).
				Msg("Job failed, retrying")
			return
		}

		if err := ack(nil, models.ErrHandlerFailed(execErr.Error(), execErr)); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalise failed job")
		}
		p.notifyParent(job, nil, execErr)
		return
	}

	if err := ack(result, nil); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalise completed job")
		return
	}
	p.notifyParent(job, result, nil)
}

// execute runs the handler with panic containment.
func (p *Pool) execute(handler interfaces.Handler, job *models.Job, jctx interfaces.JobContext) (result interface{}, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("handler panicked: %v", r)
			p.logger.Error().
				Str("queue", p.cfg.Queue).
				Str("job_id", job.ID).
				Str("handler", job.HandlerName).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Handler panic recovered")
		}
	}()

	return handler.Execute(context.Background(), job, jctx)
}

// notifyParent reports a terminal outcome to a waiting-children parent when
// the payload carries a parent reference.
func (p *Pool) notifyParent(job *models.Job, result interface{}, execErr error) {
	parentRef, ok := job.Payload["_parentRef"].(map[string]interface{})
	if !ok {
		return
	}
	queue, _ := parentRef["queue"].(string)
	id, _ := parentRef["id"].(string)
	if queue == "" || id == "" {
		return
	}

	errStr := ""
	if execErr != nil {
		errStr = execErr.Error()
	}

	parent := models.JobRef{Queue: queue, ID: id}
	if err := p.broker.NotifyChildDone(context.Background(), parent, job.ID, result, errStr); err != nil {
		if !errors.Is(err, models.ErrNotFound("", nil)) {
			p.logger.Warn().Err(err).
				Str("parent_queue", queue).
				Str("parent_id", id).
				Str("child_id", job.ID).
				Msg("Failed to notify parent of child outcome")
		}
	}
}

// backoff computes the retry delay: base doubled per prior attempt, capped.
func (p *Pool) backoff(attemptsMade int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if delay > p.cfg.BackoffCap {
		return p.cfg.BackoffCap
	}
	return delay
}
