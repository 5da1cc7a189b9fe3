package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/ShipCheck/config"
	"github.com/BearBump/ShipCheck/internal/broker/kafka"
	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/cache/rediscache"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/fedexhttp"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/upshttp"
	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/queue/redisqueue"
	"github.com/BearBump/ShipCheck/internal/services/alerts"
	"github.com/BearBump/ShipCheck/internal/services/breaker"
	"github.com/BearBump/ShipCheck/internal/services/dispatcher"
	"github.com/BearBump/ShipCheck/internal/services/worker"
	"github.com/BearBump/ShipCheck/internal/storage/pgshipments"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

type eventProducer interface {
	alerts.Producer
	Close() error
}

// factories make the external connections; tests swap them for in-memory ones.
type factories struct {
	newStorage  func(cfg *config.Config) (*pgshipments.Storage, error)
	newRedis    func(cfg *config.Config) *redis.Client
	newProducer func(cfg *config.Config) eventProducer
}

func defaultFactories() factories {
	return factories{
		newStorage: func(cfg *config.Config) (*pgshipments.Storage, error) {
			return pgshipments.New(cfg.Database.DSN())
		},
		newRedis: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		},
		newProducer: func(cfg *config.Config) eventProducer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
	}
}

func newQueue(cfg *config.Config, rdb *redis.Client) *redisqueue.Queue {
	return redisqueue.New(rdb, redisqueue.Options{
		Prefix:            cfg.ShipCheck.QueuePrefix,
		VisibilityTimeout: cfg.ShipCheck.VisibilityTimeout(),
		MaxAttempts:       cfg.ShipCheck.MaxAttempts,
	})
}

func newDispatcher(cfg *config.Config, st *pgshipments.Storage, q *redisqueue.Queue, m *telemetry.Metrics) *dispatcher.Dispatcher {
	return dispatcher.New(st, q, cfg.ShipCheck.RecheckInterval(), cfg.ShipCheck.MaxAge(), cfg.ShipCheck.DispatchBatchSize).
		WithMetrics(m).
		WithLogger(slog.Default().With("component", "dispatcher"))
}

// RunDispatch runs one dispatch cycle, or keeps dispatching when loop is set.
func RunDispatch(ctx context.Context, cfg *config.Config, f factories, loop bool) error {
	st, err := f.newStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer st.Close()

	rdb := f.newRedis(cfg)
	defer func() { _ = rdb.Close() }()

	d := newDispatcher(cfg, st, newQueue(cfg, rdb), nil)
	if loop {
		slog.Info("dispatcher started", "interval", cfg.ShipCheck.DispatchInterval().String())
		return d.Run(ctx, cfg.ShipCheck.DispatchInterval())
	}

	res, err := d.Dispatch(ctx)
	slog.Info("dispatch finished", "enqueued", res.Enqueued, "skipped", res.Skipped)
	return err
}

// newCircuitStore picks where breaker state lives. Both stores are shared by all worker processes.
func newCircuitStore(cfg *config.Config, rdb *redis.Client, st *pgshipments.Storage) (breaker.Store, error) {
	switch cfg.ShipCheck.BreakerStore {
	case config.BreakerStoreRedis, "":
		return rediscache.NewCircuitStore(rdb, cfg.ShipCheck.QueuePrefix+":circuit"), nil
	case config.BreakerStorePostgres:
		if st == nil {
			return nil, errors.New("postgres breaker store needs storage")
		}
		return st.Circuits(), nil
	default:
		return nil, fmt.Errorf("unknown breaker store %q", cfg.ShipCheck.BreakerStore)
	}
}

func newCarrierClient(cc config.CarrierConfig) (carrier.Client, error) {
	code, err := models.ParseCarrier(cc.Code)
	if err != nil {
		return nil, err
	}
	switch cc.Kind {
	case config.CarrierKindUPS:
		if code != models.CarrierUPS {
			return nil, fmt.Errorf("carrier %s cannot use the ups adapter", code)
		}
		return upshttp.New(upshttp.Config{BaseURL: cc.BaseURL, Token: cc.APIKey, Timeout: cc.Timeout()}), nil
	case config.CarrierKindFedEx:
		if code != models.CarrierFedEx {
			return nil, fmt.Errorf("carrier %s cannot use the fedex adapter", code)
		}
		return fedexhttp.New(fedexhttp.Config{BaseURL: cc.BaseURL, APIKey: cc.APIKey, Timeout: cc.Timeout()}), nil
	case config.CarrierKindEmulator:
		return emulatorv1.New(code, emulatorv1.Config{BaseURL: cc.BaseURL, APIKey: cc.APIKey, Timeout: cc.Timeout()}), nil
	case config.CarrierKindFake:
		return fake.New(code), nil
	default:
		return nil, fmt.Errorf("carrier %s: unknown adapter kind %q", code, cc.Kind)
	}
}

func buildRegistry(cfg *config.Config) (*carrier.Registry, error) {
	reg := carrier.NewRegistry()
	for _, cc := range cfg.Carriers {
		cl, err := newCarrierClient(cc)
		if err != nil {
			return nil, err
		}
		reg.Register(cl)
	}
	return reg, nil
}

func circuitGauge(s models.CircuitStateName) float64 {
	switch s {
	case models.CircuitHalfOpen:
		return 1
	case models.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// circuitHook mirrors breaker transitions into metrics and raises an alert when a circuit opens.
func circuitHook(m *telemetry.Metrics, alerter worker.Alerter) breaker.TransitionFunc {
	return func(ctx context.Context, prev, next models.CircuitState) {
		m.SetCircuitState(string(next.Carrier), circuitGauge(next.State))
		if next.State != models.CircuitOpen || alerter == nil {
			return
		}
		alerter.Alert(ctx, messages.OperatorAlert{
			Kind:    messages.AlertCircuitOpened,
			Carrier: next.Carrier,
			Detail: fmt.Sprintf("circuit opened from %s after %d consecutive failures",
				prev.State, next.ConsecutiveFailures),
		})
	}
}

// RunWorker runs the consumer pool, the lease reaper and the admin HTTP server until ctx is done.
func RunWorker(ctx context.Context, cfg *config.Config, f factories) error {
	sc := cfg.ShipCheck

	if sc.OTELEnabled {
		_, shutdown, err := telemetry.InitTracer(ctx, sc.OTELEndpoint, sc.ServiceName, version)
		if err != nil {
			slog.Warn("tracer disabled", "error", err.Error())
		} else {
			defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
		}
	}

	st, err := f.newStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer st.Close()

	rdb := f.newRedis(cfg)
	defer func() { _ = rdb.Close() }()

	producer := f.newProducer(cfg)
	defer func() { _ = producer.Close() }()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	circuits, err := newCircuitStore(cfg, rdb, st)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	publisher := alerts.NewPublisher(producer, cfg.Kafka.ShipmentUpdatedTopicName, cfg.Kafka.AlertsTopicName)
	q := newQueue(cfg, rdb)

	br := breaker.New(circuits, breaker.Config{
		FailureThreshold: sc.BreakerFailureThreshold,
		Cooldown:         sc.BreakerCooldown(),
		TrialTimeout:     sc.BreakerTrialTimeout(),
	}, breaker.WithTransitionHook(circuitHook(metrics, publisher)))

	proc := worker.NewProcessor(st, br, registry, publisher, worker.Settings{
		AdapterTimeout:     sc.AdapterTimeout(),
		MaxAge:             sc.MaxAge(),
		DeferDelay:         sc.BreakerDeferDelay(),
		RateLimitPerMinute: int64(sc.RateLimitPerMinute),
		DoneMarkerTTL:      sc.DoneMarkerTTL(),
		DoneMarkerPrefix:   sc.QueuePrefix + ":done:",
	}).
		WithRateLimiter(rediscache.NewRateLimiterWithClient(rdb)).
		WithDoneMarkers(rediscache.NewWithClient(rdb)).
		WithPlanner(worker.NewPlanner(worker.PlannerConfigFromSchedule(sc.Backoff()), nil)).
		WithMetrics(metrics)

	runner := worker.NewRunner(q, proc, publisher).
		WithSettings(sc.WorkerConcurrency, sc.IdleWait(), sc.ReapInterval()).
		WithMetrics(metrics)

	slog.Info("worker started",
		"concurrency", sc.WorkerConcurrency,
		"carriers", registry.Carriers(),
		"breaker_store", sc.BreakerStore,
		"admin_addr", sc.WorkerHTTPAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		return runAdminServer(gctx, adminOpts{
			httpAddr:   sc.WorkerHTTPAddr,
			runner:     runner,
			dispatcher: newDispatcher(cfg, st, q, metrics),
			queue:      q,
			circuits:   br,
			carriers:   registry.Carriers(),
			metrics:    metrics,
			ready: func(ctx context.Context) error {
				if err := st.Ping(ctx); err != nil {
					return errors.Wrap(err, "postgres")
				}
				return errors.Wrap(rdb.Ping(ctx).Err(), "redis")
			},
		})
	})
	return g.Wait()
}

// RunAlerts logs every operator alert from the alerts topic.
func RunAlerts(ctx context.Context, cfg *config.Config) error {
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.AlertsTopicName, cfg.Kafka.AlertsConsumerGroup)
	defer func() { _ = consumer.Close() }()

	slog.Info("alerts consumer started", "topic", cfg.Kafka.AlertsTopicName, "group", cfg.Kafka.AlertsConsumerGroup)
	return consumer.Consume(ctx, logAlert)
}

func logAlert(key, value []byte) error {
	var a messages.OperatorAlert
	if err := json.Unmarshal(value, &a); err != nil {
		// битое сообщение не должно останавливать consumer
		slog.Error("decode operator alert", "key", string(key), "error", err.Error())
		return nil
	}
	slog.Warn("operator alert",
		"kind", string(a.Kind),
		"carrier", string(a.Carrier),
		"shipment_id", a.ShipmentID,
		"message_id", a.MessageID,
		"detail", a.Detail,
		"raised_at", a.RaisedAt,
	)
	return nil
}
