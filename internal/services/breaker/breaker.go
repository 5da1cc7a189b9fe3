package breaker

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/models"
)

// Store persists one CircuitState per carrier. Update runs fn as an atomic read-modify-write;
// fn may be called more than once and reports whether the state needs to be written.
type Store interface {
	Get(ctx context.Context, carrier models.Carrier) (models.CircuitState, error)
	Update(ctx context.Context, carrier models.Carrier, fn func(st *models.CircuitState) (bool, error)) (models.CircuitState, error)
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	// TrialTimeout frees the half-open trial slot if its result never arrives.
	TrialTimeout time.Duration
	// RecentFailures is how many failure ids are remembered to ignore repeated reports.
	RecentFailures int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Minute,
		TrialTimeout:     time.Minute,
		RecentFailures:   32,
	}
}

// TransitionFunc is called after a state change has been persisted.
type TransitionFunc func(ctx context.Context, prev, next models.CircuitState)

type Breaker struct {
	store        Store
	cfg          Config
	now          func() time.Time
	onTransition TransitionFunc
	logger       *slog.Logger
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

func New(store Store, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = def.TrialTimeout
	}
	if cfg.RecentFailures <= 0 {
		cfg.RecentFailures = def.RecentFailures
	}
	b := &Breaker{store: store, cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Permit reports whether a call to the carrier may go out now.
// After the cooldown exactly one caller gets the half-open trial slot.
func (b *Breaker) Permit(ctx context.Context, carrier models.Carrier) (bool, error) {
	var allowed bool
	var prev models.CircuitState

	next, err := b.store.Update(ctx, carrier, func(st *models.CircuitState) (bool, error) {
		allowed = false
		prev = *st
		now := b.now().UTC()

		switch st.State {
		case models.CircuitOpen:
			if st.OpenedAt != nil && now.Sub(*st.OpenedAt) < b.cfg.Cooldown {
				return false, nil
			}
			st.State = models.CircuitHalfOpen
			st.ConsecutiveFailures = 0
			st.TrialStartedAt = &now
			st.LastTransitionAt = now
			allowed = true
			return true, nil
		case models.CircuitHalfOpen:
			if st.TrialStartedAt != nil && now.Sub(*st.TrialStartedAt) < b.cfg.TrialTimeout {
				return false, nil
			}
			// пробный вызов так и не отчитался, отдаём слот следующему
			st.ConsecutiveFailures = 0
			st.TrialStartedAt = &now
			allowed = true
			return true, nil
		default:
			allowed = true
			return false, nil
		}
	})
	if err != nil {
		return false, errors.Wrapf(err, "breaker permit %s", carrier)
	}
	b.transitioned(ctx, prev, next)
	return allowed, nil
}

// RecordSuccess always clears the failure count; a successful trial closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, carrier models.Carrier) error {
	var prev models.CircuitState

	next, err := b.store.Update(ctx, carrier, func(st *models.CircuitState) (bool, error) {
		prev = *st
		now := b.now().UTC()

		switch st.State {
		case models.CircuitHalfOpen:
			st.State = models.CircuitClosed
			st.ConsecutiveFailures = 0
			st.OpenedAt = nil
			st.TrialStartedAt = nil
			st.LastTransitionAt = now
			return true, nil
		default:
			if st.ConsecutiveFailures == 0 {
				return false, nil
			}
			st.ConsecutiveFailures = 0
			return true, nil
		}
	})
	if err != nil {
		return errors.Wrapf(err, "breaker success %s", carrier)
	}
	b.transitioned(ctx, prev, next)
	return nil
}

// ReleaseTrial frees the half-open trial slot when the trial call ended in a way that says nothing
// about carrier health (unknown number, bad data, rejected credentials). Nothing is counted and the
// circuit stays HALF_OPEN, so the next Permit starts a new trial.
func (b *Breaker) ReleaseTrial(ctx context.Context, carrier models.Carrier) error {
	_, err := b.store.Update(ctx, carrier, func(st *models.CircuitState) (bool, error) {
		if st.State != models.CircuitHalfOpen || st.TrialStartedAt == nil {
			return false, nil
		}
		st.TrialStartedAt = nil
		return true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "breaker release trial %s", carrier)
	}
	return nil
}

// RecordFailure counts a transient carrier failure. failureID identifies one delivery attempt;
// a failureID seen recently is ignored so redelivered work does not count twice.
func (b *Breaker) RecordFailure(ctx context.Context, carrier models.Carrier, failureID string) error {
	var prev models.CircuitState

	next, err := b.store.Update(ctx, carrier, func(st *models.CircuitState) (bool, error) {
		prev = *st
		now := b.now().UTC()

		if failureID != "" {
			if slices.Contains(st.RecentFailureIDs, failureID) {
				return false, nil
			}
			ids := append(slices.Clone(st.RecentFailureIDs), failureID)
			if over := len(ids) - b.cfg.RecentFailures; over > 0 {
				ids = ids[over:]
			}
			st.RecentFailureIDs = ids
		}

		st.ConsecutiveFailures++
		switch st.State {
		case models.CircuitHalfOpen:
			st.State = models.CircuitOpen
			st.OpenedAt = &now
			st.TrialStartedAt = nil
			st.LastTransitionAt = now
		case models.CircuitOpen:
			// запоздавший ответ от вызова, начатого до открытия
		default:
			st.State = models.CircuitClosed
			if st.ConsecutiveFailures >= b.cfg.FailureThreshold {
				st.State = models.CircuitOpen
				st.OpenedAt = &now
				st.LastTransitionAt = now
			}
		}
		return true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "breaker failure %s", carrier)
	}
	b.transitioned(ctx, prev, next)
	return nil
}

func (b *Breaker) State(ctx context.Context, carrier models.Carrier) (models.CircuitState, error) {
	st, err := b.store.Get(ctx, carrier)
	if err != nil {
		return st, errors.Wrapf(err, "breaker state %s", carrier)
	}
	return st, nil
}

func (b *Breaker) States(ctx context.Context, carriers []models.Carrier) ([]models.CircuitState, error) {
	out := make([]models.CircuitState, 0, len(carriers))
	for _, c := range carriers {
		st, err := b.State(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RetryAfter is how long until Permit can succeed again for st; zero when it may already.
func (b *Breaker) RetryAfter(st models.CircuitState, now time.Time) time.Duration {
	var until time.Time
	switch st.State {
	case models.CircuitOpen:
		if st.OpenedAt == nil {
			return 0
		}
		until = st.OpenedAt.Add(b.cfg.Cooldown)
	case models.CircuitHalfOpen:
		if st.TrialStartedAt == nil {
			return 0
		}
		until = st.TrialStartedAt.Add(b.cfg.TrialTimeout)
	default:
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (b *Breaker) transitioned(ctx context.Context, prev, next models.CircuitState) {
	if prev.State == next.State || next.State == "" {
		return
	}
	b.logger.Info("circuit transition",
		"carrier", string(next.Carrier),
		"from", string(prev.State),
		"to", string(next.State),
		"consecutive_failures", next.ConsecutiveFailures,
	)
	if b.onTransition != nil {
		b.onTransition(ctx, prev, next)
	}
}
