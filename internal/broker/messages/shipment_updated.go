package messages

import (
	"time"

	"github.com/BearBump/ShipCheck/internal/models"
)

type ShipmentUpdated struct {
	ShipmentID       uint64                `json:"shipment_id"`
	Carrier          models.Carrier        `json:"carrier"`
	TrackingNumber   string                `json:"tracking_number"`
	PreviousStatus   models.ShipmentStatus `json:"previous_status"`
	Status           models.ShipmentStatus `json:"status"`
	Location         *string               `json:"location,omitempty"`
	RawNote          string                `json:"raw_note,omitempty"`
	DestinationPhone *string               `json:"destination_phone,omitempty"`
	CheckedAt        time.Time             `json:"checked_at"`
}
