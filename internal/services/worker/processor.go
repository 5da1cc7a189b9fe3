package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/storage/pgshipments"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

type ShipmentStore interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	ApplyCheckResult(ctx context.Context, res pgshipments.CheckResult) (models.ShipmentStatus, error)
	MarkException(ctx context.Context, id uint64, prevCheckedAt *time.Time, checkedAt time.Time, note string) (models.ShipmentStatus, error)
}

type Breaker interface {
	Permit(ctx context.Context, c models.Carrier) (bool, error)
	RecordSuccess(ctx context.Context, c models.Carrier) error
	RecordFailure(ctx context.Context, c models.Carrier, failureID string) error
	State(ctx context.Context, c models.Carrier) (models.CircuitState, error)
	ReleaseTrial(ctx context.Context, c models.Carrier) error
	RetryAfter(st models.CircuitState, now time.Time) time.Duration
}

type Adapters interface {
	Get(c models.Carrier) (carrier.Client, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// DoneMarkers remembers messages that were already applied.
type DoneMarkers interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Events interface {
	ShipmentUpdated(ctx context.Context, ev messages.ShipmentUpdated) error
	Alert(ctx context.Context, a messages.OperatorAlert)
}

type Settings struct {
	AdapterTimeout     time.Duration
	MaxAge             time.Duration
	DeferDelay         time.Duration
	RateLimitPerMinute int64
	DoneMarkerTTL      time.Duration
	DoneMarkerPrefix   string
}

func (s Settings) withDefaults() Settings {
	if s.AdapterTimeout <= 0 {
		s.AdapterTimeout = 20 * time.Second
	}
	if s.DeferDelay <= 0 {
		s.DeferDelay = time.Minute
	}
	if s.DoneMarkerTTL <= 0 {
		s.DoneMarkerTTL = 24 * time.Hour
	}
	if s.DoneMarkerPrefix == "" {
		s.DoneMarkerPrefix = "shipcheck:done:"
	}
	return s
}

// Processor handles one dispatch message end to end.
type Processor struct {
	store    ShipmentStore
	breaker  Breaker
	adapters Adapters
	events   Events
	rl       RateLimiter
	done     DoneMarkers

	planner  *Planner
	settings Settings
	now      func() time.Time
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewProcessor(store ShipmentStore, br Breaker, adapters Adapters, events Events, settings Settings) *Processor {
	return &Processor{
		store:    store,
		breaker:  br,
		adapters: adapters,
		events:   events,
		planner:  NewPlanner(DefaultPlannerConfig(), nil),
		settings: settings.withDefaults(),
		now:      time.Now,
		tracer:   telemetry.Tracer("shipcheck/worker"),
		logger:   slog.Default(),
	}
}

func (p *Processor) WithRateLimiter(rl RateLimiter) *Processor {
	p.rl = rl
	return p
}

func (p *Processor) WithDoneMarkers(d DoneMarkers) *Processor {
	p.done = d
	return p
}

func (p *Processor) WithPlanner(pl *Planner) *Processor {
	p.planner = pl
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func (p *Processor) WithMetrics(m *telemetry.Metrics) *Processor {
	p.metrics = m
	return p
}

func (p *Processor) doneKey(msgID string) string {
	return p.settings.DoneMarkerPrefix + msgID
}

// Process never returns an error: every failure is turned into an Outcome for the queue.
// attempt is the 1-based delivery attempt of this message.
func (p *Processor) Process(ctx context.Context, msg messages.DispatchMessage, attempt int) (out Outcome) {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("carrier", string(msg.Carrier)),
		attribute.Int64("shipment_id", int64(msg.ShipmentID)),
		attribute.Int("attempt", attempt),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(out.Kind)))
		span.End()
		p.metrics.RecordOutcome(string(msg.Carrier), string(out.Kind))

		p.logger.Info("message processed",
			"message_id", msg.MessageID,
			"shipment_id", msg.ShipmentID,
			"carrier", string(msg.Carrier),
			"attempt", attempt,
			"outcome", string(out.Kind),
			"action", string(out.Action),
			"delay", out.Delay.String(),
			"reason", out.Reason,
		)
	}()

	if err := msg.Validate(); err != nil {
		return ack(OutcomeDropped, "poison message: "+err.Error())
	}

	if p.done != nil {
		_, ok, err := p.done.Get(ctx, p.doneKey(msg.MessageID))
		if err != nil {
			p.logger.Warn("done marker lookup", "message_id", msg.MessageID, "error", err.Error())
		} else if ok {
			return ack(OutcomeAlreadyApplied, "message already applied")
		}
	}

	sh, err := p.store.GetShipment(ctx, msg.ShipmentID)
	if errors.Is(err, pgshipments.ErrNotFound) {
		return ack(OutcomeDropped, "shipment not found")
	}
	if err != nil {
		return retry(p.planner.BackoffDelay(attempt), "load shipment: "+err.Error())
	}

	if reason := p.ineligible(sh, msg); reason != "" {
		return ack(OutcomeIneligible, reason)
	}

	adapter, err := p.adapters.Get(sh.Carrier)
	if err != nil {
		p.events.Alert(ctx, messages.OperatorAlert{
			Kind:       messages.AlertCarrierConfig,
			Carrier:    sh.Carrier,
			ShipmentID: sh.ID,
			MessageID:  msg.MessageID,
			Detail:     err.Error(),
		})
		return ack(OutcomeAlerted, "no adapter for carrier")
	}

	if out, limited := p.rateLimited(ctx, sh.Carrier); limited {
		return out
	}

	ok, err := p.breaker.Permit(ctx, sh.Carrier)
	if err != nil {
		return deferFor(p.settings.DeferDelay, "breaker unavailable: "+err.Error())
	}
	if !ok {
		delay := p.settings.DeferDelay
		if st, err := p.breaker.State(ctx, sh.Carrier); err == nil {
			if d := p.breaker.RetryAfter(st, p.now()); d > 0 {
				delay = d
			}
		}
		return deferFor(delay, "circuit open")
	}

	res, err := p.track(ctx, adapter, sh.TrackingNumber)
	if err == nil && !res.Status.Valid() {
		err = carrier.NewError(carrier.KindMalformed, sh.Carrier, fmt.Sprintf("adapter returned status %q", res.Status))
	}
	if err == nil && res.Status == models.ShipmentStatusUnknown {
		res = keepStatus(sh, res)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.handleTrackError(ctx, sh, msg, attempt, err)
	}
	return p.applyResult(ctx, sh, msg, attempt, res)
}

// keepStatus turns a carrier answer without a recognizable status into a plain check:
// the stored status stays, last_checked_at moves and the history gets a note.
func keepStatus(sh *models.Shipment, res carrier.NormalizedStatus) carrier.NormalizedStatus {
	note := "carrier reported no recognizable status"
	if res.RawNote != "" {
		note += ": " + res.RawNote
	}
	res.Status = sh.Status
	res.RawNote = note
	return res
}

func (p *Processor) ineligible(sh *models.Shipment, msg messages.DispatchMessage) string {
	switch {
	case !sh.Status.Active():
		return "shipment status is " + string(sh.Status)
	case sh.Carrier != msg.Carrier:
		return "carrier changed since dispatch"
	case sh.TrackingNumber != msg.TrackingNumber:
		return "tracking number changed since dispatch"
	case p.settings.MaxAge > 0 && p.now().Sub(sh.CreatedAt) > p.settings.MaxAge:
		return "shipment is older than max age"
	case sh.LastCheckedAt != nil && sh.LastCheckedAt.After(msg.EnqueuedAt):
		return "shipment checked since dispatch"
	}
	return ""
}

func (p *Processor) rateLimited(ctx context.Context, c models.Carrier) (Outcome, bool) {
	if p.rl == nil || p.settings.RateLimitPerMinute <= 0 {
		return Outcome{}, false
	}
	now := p.now().UTC()
	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", c, now.Format("200601021504"))
	allowed, n, err := p.rl.Allow(ctx, minuteKey, p.settings.RateLimitPerMinute, 70*time.Second)
	if err != nil {
		// лимитер недоступен: не блокируем проверки
		p.logger.Warn("rate limiter", "carrier", string(c), "error", err.Error())
		return Outcome{}, false
	}
	if allowed {
		return Outcome{}, false
	}
	p.logger.Warn("rate limit exceeded", "carrier", string(c), "count", n)
	nextMinute := now.Truncate(time.Minute).Add(time.Minute)
	return deferFor(nextMinute.Sub(now)+time.Second, "carrier rate limit"), true
}

func (p *Processor) track(ctx context.Context, adapter carrier.Client, trackingNumber string) (carrier.NormalizedStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, p.settings.AdapterTimeout)
	defer cancel()

	cctx, span := p.tracer.Start(cctx, "carrier.track", trace.WithAttributes(
		attribute.String("carrier", string(adapter.Carrier())),
	))
	defer span.End()

	start := time.Now()
	res, err := adapter.Track(cctx, trackingNumber)
	if err != nil {
		var te *carrier.TrackingError
		if !errors.As(err, &te) {
			err = carrier.ClassifyTransport(adapter.Carrier(), err)
		}
	}

	kind := ""
	if err != nil {
		kind = string(carrier.KindOf(err))
		span.SetAttributes(attribute.String("error.kind", kind))
	}
	p.metrics.RecordCarrierCall(string(adapter.Carrier()), time.Since(start).Seconds(), kind)
	return res, err
}

func failureID(msg messages.DispatchMessage, attempt int) string {
	return msg.MessageID + ":" + strconv.Itoa(attempt)
}

// releaseTrial hands a half-open trial slot back when the call told nothing about carrier health.
func (p *Processor) releaseTrial(ctx context.Context, c models.Carrier) {
	if err := p.breaker.ReleaseTrial(ctx, c); err != nil {
		p.logger.Error("breaker release trial", "carrier", string(c), "error", err.Error())
	}
}

func (p *Processor) handleTrackError(ctx context.Context, sh *models.Shipment, msg messages.DispatchMessage, attempt int, err error) Outcome {
	switch carrier.KindOf(err) {
	case carrier.KindTransient, carrier.KindRateLimited:
		if ferr := p.breaker.RecordFailure(ctx, sh.Carrier, failureID(msg, attempt)); ferr != nil {
			p.logger.Error("breaker record failure", "carrier", string(sh.Carrier), "error", ferr.Error())
		}
		return retry(p.planner.BackoffDelay(attempt), err.Error())

	case carrier.KindNotFound, carrier.KindMalformed:
		p.releaseTrial(ctx, sh.Carrier)
		checkedAt := p.now().UTC()
		prev, merr := p.store.MarkException(ctx, sh.ID, sh.LastCheckedAt, checkedAt, err.Error())
		switch {
		case errors.Is(merr, pgshipments.ErrStaleWrite):
			return ack(OutcomeAlreadyApplied, "shipment changed before exception was recorded")
		case errors.Is(merr, pgshipments.ErrNotFound):
			return ack(OutcomeDropped, "shipment not found")
		case merr != nil:
			return retry(p.planner.BackoffDelay(attempt), "mark exception: "+merr.Error())
		}
		p.markDone(ctx, msg)
		p.publishUpdate(ctx, sh, msg, prev, carrier.NormalizedStatus{
			Status:  models.ShipmentStatusException,
			RawNote: err.Error(),
		}, checkedAt)
		return ack(OutcomeFlagged, err.Error())

	default: // KindAuth
		p.releaseTrial(ctx, sh.Carrier)
		p.events.Alert(ctx, messages.OperatorAlert{
			Kind:       messages.AlertCarrierAuth,
			Carrier:    sh.Carrier,
			ShipmentID: sh.ID,
			MessageID:  msg.MessageID,
			Detail:     err.Error(),
		})
		return ack(OutcomeAlerted, err.Error())
	}
}

func (p *Processor) applyResult(ctx context.Context, sh *models.Shipment, msg messages.DispatchMessage, attempt int, res carrier.NormalizedStatus) Outcome {
	if err := p.breaker.RecordSuccess(ctx, sh.Carrier); err != nil {
		p.logger.Error("breaker record success", "carrier", string(sh.Carrier), "error", err.Error())
	}

	checkedAt := p.now().UTC()
	prev, err := p.store.ApplyCheckResult(ctx, pgshipments.CheckResult{
		ShipmentID:    sh.ID,
		PrevCheckedAt: sh.LastCheckedAt,
		CheckedAt:     checkedAt,
		Status:        res.Status,
		Location:      res.Location,
		StatusAt:      res.StatusAt,
		RawNote:       res.RawNote,
	})
	switch {
	case errors.Is(err, pgshipments.ErrStaleWrite):
		return ack(OutcomeAlreadyApplied, "shipment changed since it was read")
	case errors.Is(err, pgshipments.ErrNotFound):
		return ack(OutcomeDropped, "shipment not found")
	case err != nil:
		return retry(p.planner.BackoffDelay(attempt), "apply result: "+err.Error())
	}

	p.markDone(ctx, msg)
	p.publishUpdate(ctx, sh, msg, prev, res, checkedAt)
	return ack(OutcomeApplied, "status "+string(res.Status))
}

func (p *Processor) markDone(ctx context.Context, msg messages.DispatchMessage) {
	if p.done == nil {
		return
	}
	if err := p.done.Set(ctx, p.doneKey(msg.MessageID), []byte("1"), p.settings.DoneMarkerTTL); err != nil {
		p.logger.Warn("set done marker", "message_id", msg.MessageID, "error", err.Error())
	}
}

func (p *Processor) publishUpdate(ctx context.Context, sh *models.Shipment, msg messages.DispatchMessage, prev models.ShipmentStatus, res carrier.NormalizedStatus, checkedAt time.Time) {
	if prev == res.Status {
		return
	}
	err := p.events.ShipmentUpdated(ctx, messages.ShipmentUpdated{
		ShipmentID:       sh.ID,
		Carrier:          sh.Carrier,
		TrackingNumber:   sh.TrackingNumber,
		PreviousStatus:   prev,
		Status:           res.Status,
		Location:         res.Location,
		RawNote:          res.RawNote,
		DestinationPhone: sh.DestinationPhone,
		CheckedAt:        checkedAt,
	})
	if err != nil {
		// запись в БД уже есть, событие потеряем, но сообщение не переигрываем
		p.logger.Error("publish shipment updated", "shipment_id", sh.ID, "message_id", msg.MessageID, "error", err.Error())
	}
}
