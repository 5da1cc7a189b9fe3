package models

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidCarrier = errors.New("invalid carrier")
	ErrInvalidPhone   = errors.New("phone must be in E.164 format")
	ErrInvalidStatus  = errors.New("invalid shipment status")
)

// E164Pattern is shared with the storage CHECK constraint.
const E164Pattern = `^\+[1-9][0-9]{1,14}$`

var reE164 = regexp.MustCompile(E164Pattern)

func ValidatePhone(s string) error {
	if !reE164.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, s)
	}
	return nil
}

// ValidateCreateInput checks everything the storage layer refuses to persist.
func ValidateCreateInput(in ShipmentCreateInput) error {
	if !in.Carrier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCarrier, in.Carrier)
	}
	if in.Status != "" && !in.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if in.DestinationPhone != nil {
		if err := ValidatePhone(*in.DestinationPhone); err != nil {
			return err
		}
	}
	return nil
}
