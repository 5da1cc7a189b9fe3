package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/models"
)

func insertHistory(ctx context.Context, tx pgx.Tx, shipmentID uint64, at time.Time, status models.ShipmentStatus, location *string, note string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO status_history (shipment_id, recorded_at, status, location, raw_note)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (shipment_id, recorded_at) DO NOTHING
`, shipmentID, at.UTC(), string(status), location, note)
	if err != nil {
		return errors.Wrap(err, "insert status history")
	}
	return nil
}

// ListHistory returns the newest entries first.
func (s *Storage) ListHistory(ctx context.Context, shipmentID uint64, limit int) ([]*models.StatusHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, recorded_at, status, location, raw_note
FROM status_history
WHERE shipment_id = $1
ORDER BY recorded_at DESC
LIMIT $2
`, shipmentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ShipmentID, &e.RecordedAt, &status, &e.Location, &e.RawNote); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.Status = models.ShipmentStatus(status)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
