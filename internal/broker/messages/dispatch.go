package messages

import (
	"time"

	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/pkg/errors"
)

// DispatchMessage is the queue payload: one shipment, one carrier call.
type DispatchMessage struct {
	MessageID      string         `json:"message_id"`
	ShipmentID     uint64         `json:"shipment_id"`
	TrackingNumber string         `json:"tracking_number"`
	Carrier        models.Carrier `json:"carrier"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

func (m DispatchMessage) Validate() error {
	if m.MessageID == "" {
		return errors.New("message_id is required")
	}
	if m.ShipmentID == 0 {
		return errors.New("shipment_id is required")
	}
	if m.TrackingNumber == "" {
		return errors.New("tracking_number is required")
	}
	if !m.Carrier.Valid() {
		return errors.Errorf("unsupported carrier %q", m.Carrier)
	}
	if m.EnqueuedAt.IsZero() {
		return errors.New("enqueued_at is required")
	}
	return nil
}
