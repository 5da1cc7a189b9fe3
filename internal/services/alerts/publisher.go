package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Publisher sends shipment change events and operator alerts to Kafka.
type Publisher struct {
	producer     Producer
	updatedTopic string
	alertsTopic  string
	attempts     int
	backoff      time.Duration
	now          func() time.Time
}

func NewPublisher(p Producer, updatedTopic, alertsTopic string) *Publisher {
	return &Publisher{
		producer:     p,
		updatedTopic: updatedTopic,
		alertsTopic:  alertsTopic,
		attempts:     10,
		backoff:      150 * time.Millisecond,
		now:          time.Now,
	}
}

func (p *Publisher) ShipmentUpdated(ctx context.Context, ev messages.ShipmentUpdated) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal shipment updated")
	}
	return p.publish(ctx, p.updatedTopic, []byte(strconv.FormatUint(ev.ShipmentID, 10)), b)
}

// Alert publishes an operator alert. Failures are logged, not returned: alerts never block processing.
func (p *Publisher) Alert(ctx context.Context, a messages.OperatorAlert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = p.now().UTC()
	}
	slog.Warn("operator alert",
		"kind", string(a.Kind),
		"carrier", string(a.Carrier),
		"shipment_id", a.ShipmentID,
		"message_id", a.MessageID,
		"detail", a.Detail,
	)

	b, err := json.Marshal(a)
	if err != nil {
		slog.Error("marshal alert", "error", err.Error())
		return
	}
	key := []byte(string(a.Kind) + ":" + string(a.Carrier))
	if err := p.publish(ctx, p.alertsTopic, key, b); err != nil {
		slog.Error("publish alert", "kind", string(a.Kind), "error", err.Error())
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, key, value []byte) error {
	// Kafka может быть не готова сразу после старта docker compose, поэтому небольшой retry.
	var pubErr error
	for i := 0; i < p.attempts; i++ {
		if pubErr = p.producer.Publish(ctx, topic, key, value); pubErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "publish cancelled")
		case <-time.After(time.Duration(i+1) * p.backoff):
		}
	}
	return errors.Wrapf(pubErr, "publish to %s", topic)
}
