package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipCheck/internal/models"
)

// CircuitStore keeps breaker rows in circuit_states. Each update is one short transaction
// holding the row lock, so concurrent workers serialize on the carrier row.
type CircuitStore struct {
	s *Storage
}

func (s *Storage) Circuits() *CircuitStore {
	return &CircuitStore{s: s}
}

const circuitColumns = `carrier, state, consecutive_failures, opened_at, last_transition_at, trial_started_at, recent_failure_ids, version`

func scanCircuit(row pgx.Row) (models.CircuitState, error) {
	var st models.CircuitState
	var carrier, state string
	err := row.Scan(&carrier, &state, &st.ConsecutiveFailures, &st.OpenedAt, &st.LastTransitionAt,
		&st.TrialStartedAt, &st.RecentFailureIDs, &st.Version)
	st.Carrier = models.Carrier(carrier)
	st.State = models.CircuitStateName(state)
	return st, err
}

func (c *CircuitStore) Get(ctx context.Context, carrier models.Carrier) (models.CircuitState, error) {
	st, err := scanCircuit(c.s.db.QueryRow(ctx, `SELECT `+circuitColumns+` FROM circuit_states WHERE carrier = $1`, string(carrier)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CircuitState{Carrier: carrier, State: models.CircuitClosed}, nil
	}
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "select circuit")
	}
	return st, nil
}

func (c *CircuitStore) Update(ctx context.Context, carrier models.Carrier, fn func(st *models.CircuitState) (bool, error)) (models.CircuitState, error) {
	tx, err := c.s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO circuit_states (carrier, state, last_transition_at)
VALUES ($1, $2, $3)
ON CONFLICT (carrier) DO NOTHING
`, string(carrier), string(models.CircuitClosed), time.Now().UTC())
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "insert circuit")
	}

	st, err := scanCircuit(tx.QueryRow(ctx, `SELECT `+circuitColumns+` FROM circuit_states WHERE carrier = $1 FOR UPDATE`, string(carrier)))
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "lock circuit")
	}

	changed, err := fn(&st)
	if err != nil {
		return models.CircuitState{}, err
	}
	if !changed {
		return st, nil
	}

	ids := st.RecentFailureIDs
	if ids == nil {
		ids = []string{}
	}
	err = tx.QueryRow(ctx, `
UPDATE circuit_states
SET state = $2, consecutive_failures = $3, opened_at = $4, last_transition_at = $5,
    trial_started_at = $6, recent_failure_ids = $7, version = version + 1
WHERE carrier = $1
RETURNING version
`, string(carrier), string(st.State), st.ConsecutiveFailures, st.OpenedAt, st.LastTransitionAt.UTC(),
		st.TrialStartedAt, ids).Scan(&st.Version)
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "update circuit")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.CircuitState{}, errors.Wrap(err, "commit tx")
	}
	return st, nil
}
