package models

import "time"

type ShipmentStatus string

// Нормализованные статусы отправления.
const (
	ShipmentStatusUnknown        ShipmentStatus = "UNKNOWN"
	ShipmentStatusInTransit      ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusOutForDelivery ShipmentStatus = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered      ShipmentStatus = "DELIVERED"
	ShipmentStatusException      ShipmentStatus = "EXCEPTION"
)

var allowedStatuses = [...]ShipmentStatus{
	ShipmentStatusUnknown,
	ShipmentStatusInTransit,
	ShipmentStatusOutForDelivery,
	ShipmentStatusDelivered,
	ShipmentStatusException,
}

// ActiveStatuses are the statuses a shipment must have to be picked up by the dispatcher.
var ActiveStatuses = []ShipmentStatus{ShipmentStatusInTransit, ShipmentStatusOutForDelivery}

func (s ShipmentStatus) Valid() bool {
	for _, v := range allowedStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Active reports whether the status still needs tracking checks.
func (s ShipmentStatus) Active() bool {
	for _, v := range ActiveStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Shipment struct {
	ID               uint64
	TrackingNumber   string
	Carrier          Carrier
	DestinationPhone *string
	Status           ShipmentStatus
	LastLocation     *string
	StatusAt         *time.Time
	LastCheckedAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type StatusHistoryEntry struct {
	ID         uint64
	ShipmentID uint64
	RecordedAt time.Time
	Status     ShipmentStatus
	Location   *string
	RawNote    string
}

type ShipmentCreateInput struct {
	TrackingNumber   string
	Carrier          Carrier
	DestinationPhone *string
	Status           ShipmentStatus
}
