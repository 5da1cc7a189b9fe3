package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/cache/rediscache"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/services/breaker"
	"github.com/BearBump/ShipCheck/internal/storage/pgshipments"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore mimics the conditional writes of pgshipments.Storage.
type memStore struct {
	mu        sync.Mutex
	shipments map[uint64]*models.Shipment
	history   map[uint64][]models.StatusHistoryEntry
}

func newMemStore(items ...*models.Shipment) *memStore {
	s := &memStore{
		shipments: make(map[uint64]*models.Shipment),
		history:   make(map[uint64][]models.StatusHistoryEntry),
	}
	for _, sh := range items {
		s.shipments[sh.ID] = sh
	}
	return s
}

func (s *memStore) GetShipment(_ context.Context, id uint64) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return nil, pgshipments.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (s *memStore) lockForCheck(id uint64, prev *time.Time) (*models.Shipment, error) {
	sh, ok := s.shipments[id]
	if !ok {
		return nil, pgshipments.ErrNotFound
	}
	if !sh.Status.Active() {
		return nil, pgshipments.ErrStaleWrite
	}
	switch {
	case prev == nil && sh.LastCheckedAt == nil:
	case prev != nil && sh.LastCheckedAt != nil && prev.Equal(*sh.LastCheckedAt):
	default:
		return nil, pgshipments.ErrStaleWrite
	}
	return sh, nil
}

func (s *memStore) ApplyCheckResult(_ context.Context, res pgshipments.CheckResult) (models.ShipmentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.lockForCheck(res.ShipmentID, res.PrevCheckedAt)
	if err != nil {
		return "", err
	}
	prev := sh.Status
	checked := res.CheckedAt
	sh.Status = res.Status
	if res.Location != nil {
		sh.LastLocation = res.Location
	}
	if res.StatusAt != nil {
		sh.StatusAt = res.StatusAt
	}
	sh.LastCheckedAt = &checked
	s.history[sh.ID] = append(s.history[sh.ID], models.StatusHistoryEntry{
		ShipmentID: sh.ID, RecordedAt: checked, Status: res.Status, Location: res.Location, RawNote: res.RawNote,
	})
	return prev, nil
}

func (s *memStore) MarkException(_ context.Context, id uint64, prevCheckedAt *time.Time, checkedAt time.Time, note string) (models.ShipmentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.lockForCheck(id, prevCheckedAt)
	if err != nil {
		return "", err
	}
	prev := sh.Status
	sh.Status = models.ShipmentStatusException
	sh.LastCheckedAt = &checkedAt
	s.history[id] = append(s.history[id], models.StatusHistoryEntry{
		ShipmentID: id, RecordedAt: checkedAt, Status: models.ShipmentStatusException, RawNote: note,
	})
	return prev, nil
}

func (s *memStore) historyLen(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[id])
}

func (s *memStore) lastEntry(id uint64) models.StatusHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[id]
	return h[len(h)-1]
}

func (s *memStore) shipment(id uint64) models.Shipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.shipments[id]
}

func (s *memStore) status(id uint64) models.ShipmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipments[id].Status
}

// scriptedClient answers every Track call with the same function.
type scriptedClient struct {
	carrier models.Carrier
	fn      func(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error)
	calls   atomic.Int64
}

func (c *scriptedClient) Carrier() models.Carrier { return c.carrier }

func (c *scriptedClient) Track(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error) {
	c.calls.Add(1)
	return c.fn(ctx, trackingNumber)
}

func returns(st models.ShipmentStatus) func(context.Context, string) (carrier.NormalizedStatus, error) {
	return func(context.Context, string) (carrier.NormalizedStatus, error) {
		return carrier.NormalizedStatus{Status: st}, nil
	}
}

func fails(kind carrier.ErrorKind) func(context.Context, string) (carrier.NormalizedStatus, error) {
	return func(context.Context, string) (carrier.NormalizedStatus, error) {
		return carrier.NormalizedStatus{}, carrier.NewError(kind, "", "scripted "+string(kind))
	}
}

// hangs blocks until the adapter deadline, like a carrier that never answers.
func hangs(ctx context.Context, _ string) (carrier.NormalizedStatus, error) {
	<-ctx.Done()
	return carrier.NormalizedStatus{}, ctx.Err()
}

type eventsRecorder struct {
	mu      sync.Mutex
	updates []messages.ShipmentUpdated
	alerts  []messages.OperatorAlert
}

func (e *eventsRecorder) ShipmentUpdated(_ context.Context, ev messages.ShipmentUpdated) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, ev)
	return nil
}

func (e *eventsRecorder) Alert(_ context.Context, a messages.OperatorAlert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a)
}

func (e *eventsRecorder) alertKinds() []messages.AlertKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]messages.AlertKind, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type env struct {
	rdb     *redis.Client
	clk     *clock
	store   *memStore
	breaker *breaker.Breaker
	events  *eventsRecorder
	proc    *Processor
}

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, store *memStore, clients ...carrier.Client) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{t: t0}
	br := breaker.New(rediscache.NewCircuitStore(rdb, "test:circuit"),
		breaker.Config{FailureThreshold: 3, Cooldown: 30 * time.Minute, TrialTimeout: time.Minute},
		breaker.WithClock(clk.Now),
	)
	ev := &eventsRecorder{}
	proc := NewProcessor(store, br, carrier.NewRegistry(clients...), ev, Settings{
		AdapterTimeout: 50 * time.Millisecond,
		MaxAge:         90 * 24 * time.Hour,
		DeferDelay:     time.Minute,
	}).
		WithClock(clk.Now).
		WithDoneMarkers(rediscache.NewWithClient(rdb)).
		WithPlanner(NewPlanner(PlannerConfig{JitterPercent: 0}, nil))

	return &env{rdb: rdb, clk: clk, store: store, breaker: br, events: ev, proc: proc}
}

func activeShipment(id uint64, c models.Carrier, trackingNumber string) *models.Shipment {
	phone := "+15551234567"
	return &models.Shipment{
		ID:               id,
		TrackingNumber:   trackingNumber,
		Carrier:          c,
		DestinationPhone: &phone,
		Status:           models.ShipmentStatusInTransit,
		CreatedAt:        t0.Add(-48 * time.Hour),
		UpdatedAt:        t0.Add(-48 * time.Hour),
	}
}

func dispatchFor(sh *models.Shipment) messages.DispatchMessage {
	return messages.DispatchMessage{
		MessageID:      uuid.NewString(),
		ShipmentID:     sh.ID,
		TrackingNumber: sh.TrackingNumber,
		Carrier:        sh.Carrier,
		EnqueuedAt:     t0.Add(-time.Minute),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
