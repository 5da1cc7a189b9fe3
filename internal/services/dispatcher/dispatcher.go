package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/storage/pgshipments"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

type Repository interface {
	ListEligible(ctx context.Context, q pgshipments.EligibleQuery) ([]*models.Shipment, error)
}

type Queue interface {
	Enqueue(ctx context.Context, msg messages.DispatchMessage) (bool, error)
}

type Result struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// Dispatcher reads due shipments and enqueues one check per shipment. It never writes shipments.
type Dispatcher struct {
	repo  Repository
	queue Queue

	recheckInterval time.Duration
	maxAge          time.Duration
	batchSize       int

	now     func() time.Time
	newID   func() string
	metrics *telemetry.Metrics
	logger  *slog.Logger

	triggerCh chan struct{}
	running   sync.Mutex

	lastRunUnixNano atomic.Int64
	totalEnqueued   atomic.Int64
	totalSkipped    atomic.Int64
	lastErrorMu     sync.Mutex
	lastError       string
	lastResult      Result
}

func New(repo Repository, queue Queue, recheckInterval, maxAge time.Duration, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Dispatcher{
		repo:            repo,
		queue:           queue,
		recheckInterval: recheckInterval,
		maxAge:          maxAge,
		batchSize:       batchSize,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          slog.Default(),
		triggerCh:       make(chan struct{}, 1),
	}
}

func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch runs one pass. On an enqueue failure it returns the counts so far together with the error;
// messages enqueued before the failure stay valid.
func (d *Dispatcher) Dispatch(ctx context.Context) (Result, error) {
	// один проход за раз, даже если триггернули руками во время цикла
	d.running.Lock()
	defer d.running.Unlock()

	now := d.now().UTC()
	d.lastRunUnixNano.Store(now.UnixNano())

	res, err := d.dispatch(ctx, now)

	d.totalEnqueued.Add(int64(res.Enqueued))
	d.totalSkipped.Add(int64(res.Skipped))
	d.metrics.RecordDispatch(res.Enqueued, res.Skipped)

	d.lastErrorMu.Lock()
	d.lastResult = res
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.lastErrorMu.Unlock()

	if err != nil {
		d.logger.Error("dispatch", "enqueued", res.Enqueued, "skipped", res.Skipped, "error", err.Error())
		return res, err
	}
	d.logger.Info("dispatch done", "enqueued", res.Enqueued, "skipped", res.Skipped)
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	q := pgshipments.EligibleQuery{
		Now:             now,
		RecheckInterval: d.recheckInterval,
		MaxAge:          d.maxAge,
		Limit:           d.batchSize,
	}

	for {
		page, err := d.repo.ListEligible(ctx, q)
		if err != nil {
			return res, errors.Wrap(err, "list eligible shipments")
		}

		for _, sh := range page {
			if !sh.Status.Active() || sh.TrackingNumber == "" || !sh.Carrier.Valid() {
				d.logger.Warn("skip shipment", "shipment_id", sh.ID, "carrier", string(sh.Carrier), "status", string(sh.Status))
				res.Skipped++
				continue
			}

			msg := messages.DispatchMessage{
				MessageID:      d.newID(),
				ShipmentID:     sh.ID,
				TrackingNumber: sh.TrackingNumber,
				Carrier:        sh.Carrier,
				EnqueuedAt:     now,
			}
			ok, err := d.queue.Enqueue(ctx, msg)
			if err != nil {
				return res, errors.Wrapf(err, "enqueue shipment %d", sh.ID)
			}
			if !ok {
				// уже лежит в очереди
				res.Skipped++
				continue
			}
			res.Enqueued++
		}

		if len(page) < q.Limit {
			return res, nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}

// Run dispatches every interval and whenever Trigger is called.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	_, _ = d.Dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = d.Dispatch(ctx)
		case <-d.triggerCh:
			_, _ = d.Dispatch(ctx)
		}
	}
}

// Trigger forces an immediate dispatch in Run (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastResult    Result     `json:"lastResult"`
	TotalEnqueued int64      `json:"totalEnqueued"`
	TotalSkipped  int64      `json:"totalSkipped"`
	LastError     string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		TotalEnqueued: d.totalEnqueued.Load(),
		TotalSkipped:  d.totalSkipped.Load(),
	}
	if n := d.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastResult = d.lastResult
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}
