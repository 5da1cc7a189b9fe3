package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/models"
)

const shipmentColumns = `
  id, tracking_number, carrier, destination_phone, status,
  last_location, status_at, last_checked_at, created_at, updated_at`

// EligibleQuery selects shipments due for a carrier check. Pages are keyset on id.
type EligibleQuery struct {
	Now             time.Time
	RecheckInterval time.Duration
	MaxAge          time.Duration
	AfterID         uint64
	Limit           int
}

// CheckResult is a normalized carrier answer ready to be written.
// PrevCheckedAt is the last_checked_at the caller read; the write only happens if it is unchanged.
type CheckResult struct {
	ShipmentID    uint64
	PrevCheckedAt *time.Time
	CheckedAt     time.Time
	Status        models.ShipmentStatus
	Location      *string
	StatusAt      *time.Time
	RawNote       string
}

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var carrier, status string
	if err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &carrier, &sh.DestinationPhone, &status,
		&sh.LastLocation, &sh.StatusAt, &sh.LastCheckedAt, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.Carrier = models.Carrier(carrier)
	sh.Status = models.ShipmentStatus(status)
	return &sh, nil
}

func (s *Storage) ListEligible(ctx context.Context, q EligibleQuery) ([]*models.Shipment, error) {
	if q.Limit <= 0 || q.Limit > 5000 {
		q.Limit = 500
	}
	if q.MaxAge <= 0 {
		q.MaxAge = 100 * 365 * 24 * time.Hour
	}
	now := q.Now.UTC()

	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE status IN ('IN_TRANSIT', 'OUT_FOR_DELIVERY')
  AND tracking_number <> ''
  AND carrier <> ''
  AND (last_checked_at IS NULL OR last_checked_at < $1)
  AND created_at >= $2
  AND id > $3
ORDER BY id
LIMIT $4
`, now.Add(-q.RecheckInterval), now.Add(-q.MaxAge), q.AfterID, q.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "select eligible")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	if err := models.ValidateCreateInput(in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = models.ShipmentStatusUnknown
	}
	now := time.Now().UTC()

	sh, err := scanShipment(s.db.QueryRow(ctx, `
INSERT INTO shipments (tracking_number, carrier, destination_phone, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING`+shipmentColumns,
		in.TrackingNumber, string(in.Carrier), in.DestinationPhone, string(in.Status), now))
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	return sh, nil
}

func (s *Storage) UpdateDestinationPhone(ctx context.Context, id uint64, phone *string) error {
	if phone != nil {
		if err := models.ValidatePhone(*phone); err != nil {
			return err
		}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE shipments SET destination_phone = $2, updated_at = now() WHERE id = $1
`, id, phone)
	if err != nil {
		return errors.Wrap(err, "update phone")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// lockForCheck reads the row under FOR UPDATE and verifies it is still the one the worker saw.
func lockForCheck(ctx context.Context, tx pgx.Tx, id uint64, prev *time.Time) (models.ShipmentStatus, error) {
	var status string
	var lastChecked *time.Time
	err := tx.QueryRow(ctx, `
SELECT status, last_checked_at FROM shipments WHERE id = $1 FOR UPDATE
`, id).Scan(&status, &lastChecked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "lock shipment")
	}

	st := models.ShipmentStatus(status)
	if !st.Active() || !sameInstant(lastChecked, prev) {
		return st, ErrStaleWrite
	}
	return st, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// pg хранит микросекунды
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

// ApplyCheckResult writes a successful check: status, location, last_checked_at and one history row.
// It returns the status the shipment had before the write.
func (s *Storage) ApplyCheckResult(ctx context.Context, res CheckResult) (models.ShipmentStatus, error) {
	if !res.Status.Valid() {
		return "", errors.Wrapf(models.ErrInvalidStatus, "status %q", res.Status)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prevStatus, err := lockForCheck(ctx, tx, res.ShipmentID, res.PrevCheckedAt)
	if err != nil {
		return prevStatus, err
	}

	_, err = tx.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  last_location = COALESCE($3, last_location),
  status_at = COALESCE($4, status_at),
  last_checked_at = $5,
  updated_at = now()
WHERE id = $1
`, res.ShipmentID, string(res.Status), res.Location, res.StatusAt, res.CheckedAt.UTC())
	if err != nil {
		return prevStatus, errors.Wrap(err, "update shipment")
	}

	if err := insertHistory(ctx, tx, res.ShipmentID, res.CheckedAt, res.Status, res.Location, res.RawNote); err != nil {
		return prevStatus, err
	}

	if err := tx.Commit(ctx); err != nil {
		return prevStatus, errors.Wrap(err, "commit tx")
	}
	return prevStatus, nil
}

// MarkException flags a shipment the carrier cannot resolve (unknown number, malformed data).
func (s *Storage) MarkException(ctx context.Context, id uint64, prevCheckedAt *time.Time, checkedAt time.Time, note string) (models.ShipmentStatus, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prevStatus, err := lockForCheck(ctx, tx, id, prevCheckedAt)
	if err != nil {
		return prevStatus, err
	}

	_, err = tx.Exec(ctx, `
UPDATE shipments
SET status = $2, last_checked_at = $3, updated_at = now()
WHERE id = $1
`, id, string(models.ShipmentStatusException), checkedAt.UTC())
	if err != nil {
		return prevStatus, errors.Wrap(err, "update shipment (exception)")
	}

	if err := insertHistory(ctx, tx, id, checkedAt, models.ShipmentStatusException, nil, note); err != nil {
		return prevStatus, err
	}

	if err := tx.Commit(ctx); err != nil {
		return prevStatus, errors.Wrap(err, "commit tx")
	}
	return prevStatus, nil
}
