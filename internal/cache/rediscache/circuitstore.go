package rediscache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrCircuitContention = errors.New("circuit state update lost too many optimistic retries")

const defaultCircuitRetries = 20

// CircuitStore keeps one hash per carrier and updates it with WATCH/MULTI.
// A concurrent writer makes EXEC fail with TxFailedErr and the update is retried on fresh state.
type CircuitStore struct {
	c          *redis.Client
	prefix     string
	maxRetries int
}

func NewCircuitStore(c *redis.Client, prefix string) *CircuitStore {
	if prefix == "" {
		prefix = "shipcheck:circuit"
	}
	return &CircuitStore{c: c, prefix: prefix, maxRetries: defaultCircuitRetries}
}

func (s *CircuitStore) key(c models.Carrier) string {
	return s.prefix + ":" + string(c)
}

// Get returns the stored state or a fresh CLOSED state when the carrier was never referenced.
func (s *CircuitStore) Get(ctx context.Context, carrier models.Carrier) (models.CircuitState, error) {
	data, err := s.c.HGetAll(ctx, s.key(carrier)).Result()
	if err != nil {
		return models.CircuitState{}, errors.Wrap(err, "redis circuit get")
	}
	return decodeCircuit(carrier, data)
}

func (s *CircuitStore) Update(ctx context.Context, carrier models.Carrier, fn func(st *models.CircuitState) (bool, error)) (models.CircuitState, error) {
	key := s.key(carrier)

	var out models.CircuitState
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return errors.Wrap(err, "redis circuit read")
		}
		st, err := decodeCircuit(carrier, data)
		if err != nil {
			return err
		}
		changed, err := fn(&st)
		if err != nil {
			return err
		}
		if !changed {
			out = st
			return nil
		}
		st.Version++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeCircuit(st))
			return nil
		})
		if err != nil {
			return err
		}
		out = st
		return nil
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.c.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.CircuitState{}, err
	}
	return models.CircuitState{}, ErrCircuitContention
}

func encodeCircuit(st models.CircuitState) map[string]any {
	return map[string]any{
		"state":              string(st.State),
		"failures":           st.ConsecutiveFailures,
		"opened_at":          encodeTime(st.OpenedAt),
		"last_transition_at": st.LastTransitionAt.UTC().UnixNano(),
		"trial_started_at":   encodeTime(st.TrialStartedAt),
		"recent_failures":    strings.Join(st.RecentFailureIDs, ","),
		"version":            st.Version,
	}
}

func decodeCircuit(carrier models.Carrier, data map[string]string) (models.CircuitState, error) {
	st := models.CircuitState{Carrier: carrier, State: models.CircuitClosed}
	if len(data) == 0 {
		return st, nil
	}
	if v := data["state"]; v != "" {
		st.State = models.CircuitStateName(v)
	}
	var err error
	if st.ConsecutiveFailures, err = atoiOrZero(data["failures"]); err != nil {
		return st, errors.Wrap(err, "decode failures")
	}
	if st.OpenedAt, err = decodeTime(data["opened_at"]); err != nil {
		return st, errors.Wrap(err, "decode opened_at")
	}
	lt, err := decodeTime(data["last_transition_at"])
	if err != nil {
		return st, errors.Wrap(err, "decode last_transition_at")
	}
	if lt != nil {
		st.LastTransitionAt = *lt
	}
	if st.TrialStartedAt, err = decodeTime(data["trial_started_at"]); err != nil {
		return st, errors.Wrap(err, "decode trial_started_at")
	}
	if v := data["recent_failures"]; v != "" {
		st.RecentFailureIDs = strings.Split(v, ",")
	}
	if v := data["version"]; v != "" {
		if st.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return st, errors.Wrap(err, "decode version")
		}
	}
	return st, nil
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UTC().UnixNano(), 10)
}

func decodeTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, n).UTC()
	return &t, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
