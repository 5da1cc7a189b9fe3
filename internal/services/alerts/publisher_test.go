package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/models"
)

type producerMock struct{ mock.Mock }

func (m *producerMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func newTestPublisher(p Producer) *Publisher {
	pub := NewPublisher(p, "shipments.updated", "shipments.alerts")
	pub.backoff = time.Millisecond
	return pub
}

func TestPublisher_ShipmentUpdated(t *testing.T) {
	pm := &producerMock{}
	pm.On("Publish", mock.Anything, "shipments.updated", []byte("42"), mock.MatchedBy(func(b []byte) bool {
		var ev messages.ShipmentUpdated
		return json.Unmarshal(b, &ev) == nil && ev.Status == models.ShipmentStatusDelivered
	})).Return(nil).Once()

	err := newTestPublisher(pm).ShipmentUpdated(context.Background(), messages.ShipmentUpdated{
		ShipmentID: 42,
		Carrier:    models.CarrierUPS,
		Status:     models.ShipmentStatusDelivered,
	})
	require.NoError(t, err)
	pm.AssertExpectations(t)
}

func TestPublisher_RetriesThenSucceeds(t *testing.T) {
	pm := &producerMock{}
	pm.On("Publish", mock.Anything, "shipments.updated", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Twice()
	pm.On("Publish", mock.Anything, "shipments.updated", mock.Anything, mock.Anything).Return(nil).Once()

	err := newTestPublisher(pm).ShipmentUpdated(context.Background(), messages.ShipmentUpdated{ShipmentID: 1})
	require.NoError(t, err)
	pm.AssertNumberOfCalls(t, "Publish", 3)
}

func TestPublisher_GivesUp(t *testing.T) {
	pm := &producerMock{}
	pm.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

	pub := newTestPublisher(pm)
	pub.attempts = 3
	err := pub.ShipmentUpdated(context.Background(), messages.ShipmentUpdated{ShipmentID: 1})
	require.ErrorContains(t, err, "down")
	pm.AssertNumberOfCalls(t, "Publish", 3)
}

func TestPublisher_AlertStampsTime(t *testing.T) {
	pm := &producerMock{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pm.On("Publish", mock.Anything, "shipments.alerts", []byte("CARRIER_AUTH:FEDEX"), mock.MatchedBy(func(b []byte) bool {
		var a messages.OperatorAlert
		return json.Unmarshal(b, &a) == nil && a.RaisedAt.Equal(fixed)
	})).Return(nil).Once()

	pub := newTestPublisher(pm)
	pub.now = func() time.Time { return fixed }
	pub.Alert(context.Background(), messages.OperatorAlert{Kind: messages.AlertCarrierAuth, Carrier: models.CarrierFedEx})
	pm.AssertExpectations(t)
}
