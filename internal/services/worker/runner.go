package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/queue/redisqueue"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

type Queue interface {
	Receive(ctx context.Context) (*redisqueue.Delivery, error)
	Ack(ctx context.Context, d *redisqueue.Delivery) error
	Nack(ctx context.Context, d *redisqueue.Delivery, delay time.Duration, reason string) (bool, error)
	Defer(ctx context.Context, d *redisqueue.Delivery, delay time.Duration, reason string) error
	Reap(ctx context.Context) (int, []redisqueue.DeadLetter, error)
}

type MessageProcessor interface {
	Process(ctx context.Context, msg messages.DispatchMessage, attempt int) Outcome
}

// Alerter raises operator alerts for dead letters.
type Alerter interface {
	Alert(ctx context.Context, a messages.OperatorAlert)
}

const queueOpTimeout = 5 * time.Second

// Runner pulls deliveries from the queue with a fixed number of consumers
// and returns the leases of crashed workers through the reaper.
type Runner struct {
	queue   Queue
	proc    MessageProcessor
	alerter Alerter
	metrics *telemetry.Metrics
	logger  *slog.Logger

	concurrency  int
	idleWait     time.Duration
	reapInterval time.Duration

	triggerCh chan struct{}

	startedAtUnixNano int64
	lastReapUnixNano  atomic.Int64
	totalReceived     atomic.Int64
	totalAcked        atomic.Int64
	totalRetried      atomic.Int64
	totalDeferred     atomic.Int64
	totalDeadLettered atomic.Int64
	totalPanics       atomic.Int64
	totalQueueErrors  atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func NewRunner(q Queue, proc MessageProcessor, alerter Alerter) *Runner {
	return &Runner{
		queue:             q,
		proc:              proc,
		alerter:           alerter,
		logger:            slog.Default(),
		concurrency:       8,
		idleWait:          500 * time.Millisecond,
		reapInterval:      15 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Runner) WithSettings(concurrency int, idleWait, reapInterval time.Duration) *Runner {
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if idleWait > 0 {
		r.idleWait = idleWait
	}
	if reapInterval > 0 {
		r.reapInterval = reapInterval
	}
	return r
}

func (r *Runner) WithMetrics(m *telemetry.Metrics) *Runner {
	r.metrics = m
	return r
}

// Trigger wakes idle consumers (best-effort, non-blocking).
func (r *Runner) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastReapAt        *time.Time `json:"lastReapAt,omitempty"`
	Concurrency       int        `json:"concurrency"`
	TotalReceived     int64      `json:"totalReceived"`
	TotalAcked        int64      `json:"totalAcked"`
	TotalRetried      int64      `json:"totalRetried"`
	TotalDeferred     int64      `json:"totalDeferred"`
	TotalDeadLettered int64      `json:"totalDeadLettered"`
	TotalPanics       int64      `json:"totalPanics"`
	TotalQueueErrors  int64      `json:"totalQueueErrors"`
	InFlight          int64      `json:"inFlight"`
	LastError         string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, r.startedAtUnixNano).UTC(),
		Concurrency:       r.concurrency,
		TotalReceived:     r.totalReceived.Load(),
		TotalAcked:        r.totalAcked.Load(),
		TotalRetried:      r.totalRetried.Load(),
		TotalDeferred:     r.totalDeferred.Load(),
		TotalDeadLettered: r.totalDeadLettered.Load(),
		TotalPanics:       r.totalPanics.Load(),
		TotalQueueErrors:  r.totalQueueErrors.Load(),
		InFlight:          r.inFlight.Load(),
	}
	if n := r.lastReapUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastReapAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Runner) setLastError(err error) {
	r.totalQueueErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

// Run blocks until ctx is cancelled. In-flight messages are finished before it returns.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		id := i
		g.Go(func() error {
			r.consume(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		r.reapLoop(gctx)
		return nil
	})
	_ = g.Wait()
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("queue receive", "consumer", id, "error", err.Error())
			r.setLastError(err)
		}
		if handled {
			continue
		}
		t := time.NewTimer(r.idleWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		case <-r.triggerCh:
			t.Stop()
		}
	}
}

func (r *Runner) reapLoop(ctx context.Context) {
	t := time.NewTicker(r.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce requeues expired leases and raises alerts for messages that ran out of attempts.
func (r *Runner) ReapOnce(ctx context.Context) {
	r.lastReapUnixNano.Store(time.Now().UTC().UnixNano())

	requeued, dead, err := r.queue.Reap(ctx)
	if err != nil {
		r.logger.Error("queue reap", "error", err.Error())
		r.setLastError(err)
		return
	}
	if requeued > 0 {
		r.logger.Warn("expired leases requeued", "count", requeued)
	}
	for _, dl := range dead {
		r.deadLettered(ctx, dl.MessageID, dl.Message, dl.Reason)
	}
}

// RunOnce receives and handles at most one delivery. It reports whether a delivery was handled.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	d, err := r.queue.Receive(ctx)
	if err != nil {
		return false, errors.Wrap(err, "receive")
	}
	if d == nil {
		return false, nil
	}
	r.totalReceived.Add(1)
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	out := r.handle(ctx, d)
	r.settle(ctx, d, out)
	return true, nil
}

func (r *Runner) handle(ctx context.Context, d *redisqueue.Delivery) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.totalPanics.Add(1)
			r.metrics.RecordPanic()
			r.logger.Error("worker panic",
				"message_id", d.ID,
				"attempt", d.Attempt,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			out = retry(0, fmt.Sprintf("panic: %v", rec))
		}
	}()

	msg, err := d.Decode()
	if err != nil {
		return ack(OutcomeDropped, "poison message: "+err.Error())
	}
	return r.proc.Process(ctx, msg, d.Attempt)
}

// settle survives shutdown so that a finished check is not redelivered.
func (r *Runner) settle(ctx context.Context, d *redisqueue.Delivery, out Outcome) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueOpTimeout)
	defer cancel()

	var err error
	switch out.Action {
	case ActionAck:
		err = r.queue.Ack(qctx, d)
		if err == nil {
			r.totalAcked.Add(1)
		}
	case ActionDefer:
		err = r.queue.Defer(qctx, d, out.Delay, out.Reason)
		if err == nil {
			r.totalDeferred.Add(1)
		}
	default:
		var dead bool
		dead, err = r.queue.Nack(qctx, d, out.Delay, out.Reason)
		if err == nil {
			r.totalRetried.Add(1)
			if dead {
				msg, _ := d.Decode()
				r.deadLettered(qctx, d.ID, msg, out.Reason)
			}
		}
	}

	switch {
	case errors.Is(err, redisqueue.ErrLeaseLost):
		// lease истёк и сообщение уже у другого воркера
		r.logger.Warn("queue lease lost", "message_id", d.ID, "action", string(out.Action))
	case err != nil:
		r.logger.Error("queue settle", "message_id", d.ID, "action", string(out.Action), "error", err.Error())
		r.setLastError(err)
	}
}

func (r *Runner) deadLettered(ctx context.Context, id string, msg messages.DispatchMessage, reason string) {
	r.totalDeadLettered.Add(1)
	r.metrics.RecordDeadLetters(1)
	if r.alerter == nil {
		return
	}
	r.alerter.Alert(ctx, messages.OperatorAlert{
		Kind:       messages.AlertDeadLetter,
		Carrier:    msg.Carrier,
		ShipmentID: msg.ShipmentID,
		MessageID:  id,
		Detail:     reason,
	})
}
