package carrier

import (
	"context"
	"time"

	"github.com/BearBump/ShipCheck/internal/models"
)

// NormalizedStatus is a carrier answer mapped onto the shipment status set.
type NormalizedStatus struct {
	Status   models.ShipmentStatus
	Location *string
	StatusAt *time.Time
	RawNote  string
}

// Client is one carrier adapter. It is selected by the shipment's stored carrier,
// never by the shape of the tracking number.
type Client interface {
	Carrier() models.Carrier
	Track(ctx context.Context, trackingNumber string) (NormalizedStatus, error)
}

// JoinLocation glues non-empty address parts; nil when there is nothing to show.
func JoinLocation(parts ...string) *string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += p
	}
	if out == "" {
		return nil
	}
	return &out
}
