package redisqueue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, Options{
		Prefix:            "test",
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       maxAttempts,
		Now:               clk.Now,
	})
	return q, clk
}

func msgFor(shipmentID uint64, at time.Time) messages.DispatchMessage {
	return messages.DispatchMessage{
		MessageID:      uuid.NewString(),
		ShipmentID:     shipmentID,
		TrackingNumber: "1Z999AA10123456784",
		Carrier:        models.CarrierUPS,
		EnqueuedAt:     at,
	}
}

func TestQueue_EnqueueReceiveAck(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	ctx := context.Background()

	m := msgFor(1, clk.Now())
	ok, err := q.Enqueue(ctx, m)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, m.MessageID, d.ID)
	require.Equal(t, 1, d.Attempt)

	got, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, m.ShipmentID, got.ShipmentID)
	require.Equal(t, m.Carrier, got.Carrier)

	empty, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, empty)

	require.NoError(t, q.Ack(ctx, d))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)
}

func TestQueue_EnqueueDedupesPendingShipment(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, msgFor(7, clk.Now()))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(ctx, msgFor(7, clk.Now()))
	require.NoError(t, err)
	require.False(t, ok)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d))

	ok, err = q.Enqueue(ctx, msgFor(7, clk.Now()))
	require.NoError(t, err)
	require.True(t, ok, "acked shipment can be enqueued again")
}

func TestQueue_EnqueueRejectsInvalid(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	m := msgFor(1, clk.Now())
	m.Carrier = "ROYALMAIL"

	_, err := q.Enqueue(context.Background(), m)
	require.Error(t, err)
}

func TestQueue_OnlyLeaseHolderCanAck(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, msgFor(1, clk.Now()))
	require.NoError(t, err)

	first, err := q.Receive(ctx)
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	requeued, dead, err := q.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Empty(t, dead)

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.Attempt)

	require.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestQueue_NackDelaysAndDeadLetters(t *testing.T) {
	q, clk := newTestQueue(t, 2)
	ctx := context.Background()

	m := msgFor(3, clk.Now())
	_, err := q.Enqueue(ctx, m)
	require.NoError(t, err)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, d, 10*time.Second, "timeout")
	require.NoError(t, err)
	require.False(t, dead)

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, d, "not visible before the delay")

	clk.Advance(10 * time.Second)
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, 2, d.Attempt)

	dead, err = q.Nack(ctx, d, 10*time.Second, "timeout again")
	require.NoError(t, err)
	require.True(t, dead)

	dls, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, m.MessageID, dls[0].MessageID)
	require.Equal(t, m.ShipmentID, dls[0].Message.ShipmentID)
	require.Equal(t, 2, dls[0].Attempts)
	require.Equal(t, "timeout again", dls[0].Reason)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Dead)
	require.Zero(t, st.Pending)
	require.Zero(t, st.Ready)
}

func TestQueue_DeferDoesNotConsumeAttempt(t *testing.T) {
	q, clk := newTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, msgFor(4, clk.Now()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.Equal(t, 1, d.Attempt)
		require.NoError(t, q.Defer(ctx, d, time.Minute, "circuit open"))
		clk.Advance(time.Minute)
	}

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Dead)
	require.Equal(t, int64(1), st.Ready)
}

func TestQueue_ReapDeadLettersExhausted(t *testing.T) {
	q, clk := newTestQueue(t, 1)
	ctx := context.Background()

	m := msgFor(5, clk.Now())
	_, err := q.Enqueue(ctx, m)
	require.NoError(t, err)
	_, err = q.Receive(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	requeued, dead, err := q.Reap(ctx)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Len(t, dead, 1)
	require.Equal(t, m.MessageID, dead[0].MessageID)
	require.Equal(t, "visibility timeout expired", dead[0].Reason)

	ok, err := q.Enqueue(ctx, msgFor(5, clk.Now()))
	require.NoError(t, err)
	require.True(t, ok, "dead-lettered shipment is no longer pending")
}

func TestQueue_ExplicitDeadLetter(t *testing.T) {
	q, clk := newTestQueue(t, 5)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, msgFor(6, clk.Now()))
	require.NoError(t, err)
	d, err := q.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, d, "poison"))
	require.ErrorIs(t, q.DeadLetter(ctx, d, "again"), ErrLeaseLost)

	dls, err := q.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, "poison", dls[0].Reason)
}

func TestQueue_ConcurrentReceiversGetDistinctMessages(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	ctx := context.Background()

	const n = 20
	for i := 1; i <= n; i++ {
		_, err := q.Enqueue(ctx, msgFor(uint64(i), clk.Now()))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := q.Receive(ctx)
				if err != nil || d == nil {
					return
				}
				mu.Lock()
				seen[d.ID]++
				mu.Unlock()
				_ = q.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, c := range seen {
		require.Equal(t, 1, c, id)
	}
}

func TestQueue_KeysShareHashTag(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, Options{Prefix: "shipcheck", MaxAttempts: 1, Now: clk.Now})
	ctx := context.Background()

	for i := uint64(1); i <= 2; i++ {
		_, err := q.Enqueue(ctx, msgFor(i, clk.Now()))
		require.NoError(t, err)
	}
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, d, time.Second, "boom")
	require.NoError(t, err)
	require.True(t, dead)
	_, err = q.Receive(ctx)
	require.NoError(t, err)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		require.True(t, strings.HasPrefix(k, "{shipcheck}:q:"), k)
	}
	require.True(t, mr.Exists("{shipcheck}:q:msg:"+d.ID))
}

func TestHashTag(t *testing.T) {
	require.Equal(t, "{shipcheck}", hashTag(""))
	require.Equal(t, "{sc}", hashTag("sc"))
	require.Equal(t, "{eu}:shipcheck", hashTag("{eu}:shipcheck"))
}
