package pgshipments

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/models"
)

func quotedList[T ~string](vals []T) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, "'"+string(v)+"'")
	}
	return strings.Join(parts, ",")
}

func (s *Storage) initSchema(ctx context.Context) error {
	statuses := []models.ShipmentStatus{
		models.ShipmentStatusUnknown,
		models.ShipmentStatusInTransit,
		models.ShipmentStatusOutForDelivery,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusException,
	}

	stmts := []string{
		// carrier = '' остаётся для старых импортов без перевозчика, диспетчер их пропускает
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL DEFAULT '',
  carrier TEXT NOT NULL DEFAULT ''
    CONSTRAINT shipments_carrier_check CHECK (carrier IN ('', %s)),
  destination_phone TEXT NULL
    CONSTRAINT shipments_destination_phone_e164 CHECK (destination_phone ~ '%s'),
  status TEXT NOT NULL DEFAULT 'UNKNOWN'
    CONSTRAINT shipments_status_check CHECK (status IN (%s)),
  last_location TEXT NULL,
  status_at TIMESTAMPTZ NULL,
  last_checked_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`, quotedList(models.SupportedCarriers()), models.E164Pattern, quotedList(statuses)),
		`CREATE INDEX IF NOT EXISTS idx_shipments_active_last_checked
  ON shipments(last_checked_at, id) WHERE status IN ('IN_TRANSIT', 'OUT_FOR_DELIVERY')`,
		`
CREATE TABLE IF NOT EXISTS status_history (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  recorded_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  location TEXT NULL,
  raw_note TEXT NOT NULL DEFAULT '',
  UNIQUE (shipment_id, recorded_at)
)`,
		`
CREATE TABLE IF NOT EXISTS circuit_states (
  carrier TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  consecutive_failures INT NOT NULL DEFAULT 0,
  opened_at TIMESTAMPTZ NULL,
  last_transition_at TIMESTAMPTZ NOT NULL,
  trial_started_at TIMESTAMPTZ NULL,
  recent_failure_ids TEXT[] NOT NULL DEFAULT '{}',
  version BIGINT NOT NULL DEFAULT 0
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
