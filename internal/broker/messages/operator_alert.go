package messages

import (
	"time"

	"github.com/BearBump/ShipCheck/internal/models"
)

type AlertKind string

const (
	AlertCarrierAuth    AlertKind = "CARRIER_AUTH"
	AlertCarrierConfig  AlertKind = "CARRIER_CONFIG"
	AlertDeadLetter     AlertKind = "DEAD_LETTER"
	AlertCircuitOpened  AlertKind = "CIRCUIT_OPENED"
	AlertShipmentReview AlertKind = "SHIPMENT_REVIEW"
)

// OperatorAlert is published for conditions that need a human.
type OperatorAlert struct {
	Kind       AlertKind      `json:"kind"`
	Carrier    models.Carrier `json:"carrier,omitempty"`
	ShipmentID uint64         `json:"shipment_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	Detail     string         `json:"detail"`
	RaisedAt   time.Time      `json:"raised_at"`
}
