package rediscache

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/internal/models"
)

func newCircuitStore(t *testing.T) *CircuitStore {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewCircuitStore(c, "test:circuit")
}

func TestCircuitStore_GetMissingIsClosed(t *testing.T) {
	s := newCircuitStore(t)

	st, err := s.Get(context.Background(), models.CarrierUPS)
	require.NoError(t, err)
	require.Equal(t, models.CircuitClosed, st.State)
	require.Equal(t, models.CarrierUPS, st.Carrier)
	require.Zero(t, st.ConsecutiveFailures)
	require.Nil(t, st.OpenedAt)
}

func TestCircuitStore_UpdateRoundTrip(t *testing.T) {
	s := newCircuitStore(t)
	ctx := context.Background()
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Update(ctx, models.CarrierFedEx, func(st *models.CircuitState) (bool, error) {
		st.State = models.CircuitOpen
		st.ConsecutiveFailures = 3
		st.OpenedAt = &opened
		st.LastTransitionAt = opened
		st.RecentFailureIDs = []string{"m1:1", "m2:1", "m3:1"}
		return true, nil
	})
	require.NoError(t, err)

	st, err := s.Get(ctx, models.CarrierFedEx)
	require.NoError(t, err)
	require.Equal(t, models.CircuitOpen, st.State)
	require.Equal(t, 3, st.ConsecutiveFailures)
	require.NotNil(t, st.OpenedAt)
	require.True(t, opened.Equal(*st.OpenedAt))
	require.Nil(t, st.TrialStartedAt)
	require.Equal(t, []string{"m1:1", "m2:1", "m3:1"}, st.RecentFailureIDs)
	require.Equal(t, int64(1), st.Version)
}

func TestCircuitStore_UnchangedDoesNotWrite(t *testing.T) {
	s := newCircuitStore(t)
	ctx := context.Background()

	st, err := s.Update(ctx, models.CarrierDHL, func(*models.CircuitState) (bool, error) { return false, nil })
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Version)

	n, err := s.c.Exists(ctx, s.key(models.CarrierDHL)).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCircuitStore_FnErrorPropagates(t *testing.T) {
	s := newCircuitStore(t)
	boom := errors.New("boom")

	_, err := s.Update(context.Background(), models.CarrierUSPS, func(*models.CircuitState) (bool, error) {
		return false, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestCircuitStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	s := newCircuitStore(t)
	s.maxRetries = 1000
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, models.CarrierUPS, func(st *models.CircuitState) (bool, error) {
				st.ConsecutiveFailures++
				return true, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.Get(ctx, models.CarrierUPS)
	require.NoError(t, err)
	require.Equal(t, n, st.ConsecutiveFailures)
	require.Equal(t, int64(n), st.Version)
}
