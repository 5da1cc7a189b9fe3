package models

import (
	"fmt"
	"strings"
)

// Carrier is the explicit carrier identity stored with a shipment.
// It is never derived from the tracking number format.
type Carrier string

const (
	CarrierUPS   Carrier = "UPS"
	CarrierFedEx Carrier = "FEDEX"
	CarrierUSPS  Carrier = "USPS"
	CarrierDHL   Carrier = "DHL"
)

var supportedCarriers = [...]Carrier{CarrierUPS, CarrierFedEx, CarrierUSPS, CarrierDHL}

func SupportedCarriers() []Carrier {
	out := make([]Carrier, len(supportedCarriers))
	copy(out, supportedCarriers[:])
	return out
}

func (c Carrier) Valid() bool {
	for _, v := range supportedCarriers {
		if c == v {
			return true
		}
	}
	return false
}

// ParseCarrier accepts a carrier code in any case and surrounding whitespace.
func ParseCarrier(s string) (Carrier, error) {
	c := Carrier(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCarrier, s)
	}
	return c, nil
}
