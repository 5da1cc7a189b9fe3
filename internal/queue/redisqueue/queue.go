package redisqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
)

// ErrLeaseLost means the delivery is no longer held by the caller: it was reaped, acked
// or re-leased by another worker.
var ErrLeaseLost = errors.New("queue lease lost")

const defaultReapBatch = 100

// Queue is an at-least-once work queue on Redis.
//
// Ready messages sit in a sorted set scored by the time they become visible, leased ones in
// a second sorted set scored by the lease deadline. Every transition is a single Lua script.
type Queue struct {
	rdb         *redis.Client
	prefix      string
	visibility  time.Duration
	maxAttempts int
	reapBatch   int
	now         func() time.Time
}

type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	Now               func() time.Time
}

func New(rdb *redis.Client, opt Options) *Queue {
	q := &Queue{
		rdb:         rdb,
		prefix:      opt.Prefix,
		visibility:  opt.VisibilityTimeout,
		maxAttempts: opt.MaxAttempts,
		reapBatch:   defaultReapBatch,
		now:         opt.Now,
	}
	q.prefix = hashTag(q.prefix)
	if q.visibility <= 0 {
		q.visibility = time.Minute
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Delivery is one leased copy of a message. Attempt starts at 1.
type Delivery struct {
	ID      string
	Attempt int
	Body    []byte
	receipt string
}

func (d *Delivery) Decode() (messages.DispatchMessage, error) {
	var m messages.DispatchMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return m, errors.Wrap(err, "decode dispatch message")
	}
	return m, nil
}

type DeadLetter struct {
	MessageID  string                   `json:"message_id"`
	Message    messages.DispatchMessage `json:"message"`
	Attempts   int                      `json:"attempts"`
	Reason     string                   `json:"reason"`
	EnqueuedAt time.Time                `json:"enqueued_at"`
	DeadAt     time.Time                `json:"dead_at"`
}

type Stats struct {
	Ready    int64 `json:"ready"`
	Due      int64 `json:"due"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
	Pending  int64 `json:"pending"`
}

// hashTag wraps the prefix in braces so that all queue keys hash to one Redis Cluster slot.
// A prefix that already has a tag is kept as is.
func hashTag(prefix string) string {
	if prefix == "" {
		prefix = "shipcheck"
	}
	if strings.Contains(prefix, "{") {
		return prefix
	}
	return "{" + prefix + "}"
}

func (q *Queue) key(name string) string  { return q.prefix + ":q:" + name }
func (q *Queue) msgPrefix() string       { return q.prefix + ":q:msg:" }
func (q *Queue) msgKey(id string) string { return q.msgPrefix() + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

// Enqueue adds msg unless a message for the same shipment is still pending.
func (q *Queue) Enqueue(ctx context.Context, msg messages.DispatchMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false, errors.Wrap(err, "encode dispatch message")
	}
	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("pending"), q.msgKey(msg.MessageID)},
		msg.MessageID, strconv.FormatUint(msg.ShipmentID, 10), body, ms(q.now()),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "queue enqueue")
	}
	return res == 1, nil
}

// Receive leases the oldest due message. It returns nil, nil when nothing is due.
func (q *Queue) Receive(ctx context.Context) (*Delivery, error) {
	now := q.now()
	receipt := uuid.NewString()
	res, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("inflight")},
		ms(now), ms(now.Add(q.visibility)), receipt, q.msgPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue receive")
	}
	if len(res) != 3 {
		return nil, errors.Errorf("queue receive: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	attempts, _ := res[2].(int64)
	return &Delivery{ID: id, Attempt: int(attempts), Body: []byte(body), receipt: receipt}, nil
}

// Ack removes the message. Only the current lease holder can ack.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	res, err := ackScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("pending"), q.msgKey(d.ID)},
		d.ID, d.receipt,
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue ack")
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack returns the message for another attempt after delay. Once the message has used
// MaxAttempts deliveries it is dead-lettered instead.
func (q *Queue) Nack(ctx context.Context, d *Delivery, delay time.Duration, reason string) (bool, error) {
	now := q.now()
	res, err := nackScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("inflight"), q.key("pending"), q.key("dead"), q.msgKey(d.ID)},
		d.ID, d.receipt, ms(now.Add(delay)), q.maxAttempts, ms(now), reason,
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "queue nack")
	}
	if res < 0 {
		return false, ErrLeaseLost
	}
	return res == 1, nil
}

// Defer makes the message visible again after delay without consuming an attempt.
func (q *Queue) Defer(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	res, err := deferScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("inflight"), q.msgKey(d.ID)},
		d.ID, d.receipt, ms(q.now().Add(delay)), reason,
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue defer")
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	res, err := deadLetterScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("pending"), q.key("dead"), q.msgKey(d.ID)},
		d.ID, d.receipt, ms(q.now()), reason,
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue dead-letter")
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reap returns expired leases to the ready set and dead-letters the ones that are out of attempts.
func (q *Queue) Reap(ctx context.Context) (int, []DeadLetter, error) {
	res, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("inflight"), q.key("pending"), q.key("dead")},
		ms(q.now()), q.maxAttempts, q.msgPrefix(), q.reapBatch,
	).Slice()
	if err != nil {
		return 0, nil, errors.Wrap(err, "queue reap")
	}
	if len(res) != 2 {
		return 0, nil, errors.Errorf("queue reap: unexpected reply %v", res)
	}
	requeued, _ := res[0].(int64)
	ids, _ := res[1].([]interface{})

	dead := make([]DeadLetter, 0, len(ids))
	for _, raw := range ids {
		id, _ := raw.(string)
		dl, ok, err := q.loadDeadLetter(ctx, id)
		if err != nil {
			return int(requeued), dead, err
		}
		if ok {
			dead = append(dead, dl)
		}
	}
	return int(requeued), dead, nil
}

// ListDeadLetters returns the newest dead letters first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.LRange(ctx, q.key("dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue list dead letters")
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, ok, err := q.loadDeadLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (q *Queue) loadDeadLetter(ctx context.Context, id string) (DeadLetter, bool, error) {
	h, err := q.rdb.HGetAll(ctx, q.msgKey(id)).Result()
	if err != nil {
		return DeadLetter{}, false, errors.Wrap(err, "queue load dead letter")
	}
	if len(h) == 0 {
		return DeadLetter{}, false, nil
	}
	dl := DeadLetter{MessageID: id, Reason: h["reason"]}
	// битое тело тоже показываем, просто без распарсенного сообщения
	_ = json.Unmarshal([]byte(h["body"]), &dl.Message)
	dl.Attempts, _ = strconv.Atoi(h["attempts"])
	if v, err := strconv.ParseInt(h["enqueued_at"], 10, 64); err == nil {
		dl.EnqueuedAt = time.UnixMilli(v).UTC()
	}
	if v, err := strconv.ParseInt(h["dead_at"], 10, 64); err == nil {
		dl.DeadAt = time.UnixMilli(v).UTC()
	}
	return dl, true, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.key("ready"))
	due := pipe.ZCount(ctx, q.key("ready"), "-inf", strconv.FormatInt(ms(q.now()), 10))
	inflight := pipe.ZCard(ctx, q.key("inflight"))
	dead := pipe.LLen(ctx, q.key("dead"))
	pending := pipe.HLen(ctx, q.key("pending"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{
		Ready:    ready.Val(),
		Due:      due.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
		Pending:  pending.Val(),
	}, nil
}
