package worker

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Backoff1 time.Duration // default: 5 seconds
	Backoff2 time.Duration // default: 15 seconds
	Backoff3 time.Duration // default: 30 seconds
	Backoff4 time.Duration // default: 60 seconds

	// JitterPercent spreads retries of one failing carrier, 0 disables it.
	JitterPercent int
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1:      5 * time.Second,
		Backoff2:      15 * time.Second,
		Backoff3:      30 * time.Second,
		Backoff4:      60 * time.Second,
		JitterPercent: 10,
	}
}

// PlannerConfigFromSchedule builds a config from the backoff list in the yaml config.
func PlannerConfigFromSchedule(backoff []time.Duration) PlannerConfig {
	cfg := DefaultPlannerConfig()
	dst := []*time.Duration{&cfg.Backoff1, &cfg.Backoff2, &cfg.Backoff3, &cfg.Backoff4}
	for i := 0; i < len(dst) && i < len(backoff); i++ {
		if backoff[i] > 0 {
			*dst[i] = backoff[i]
		}
	}
	return cfg
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.JitterPercent < 0 {
		cfg.JitterPercent = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the redelivery delay after the given failed delivery attempt (1-based).
func (p *Planner) BackoffDelay(attempt int) time.Duration {
	var d time.Duration
	switch {
	case attempt <= 1:
		d = p.cfg.Backoff1
	case attempt == 2:
		d = p.cfg.Backoff2
	case attempt == 3:
		d = p.cfg.Backoff3
	default:
		d = p.cfg.Backoff4
	}
	if p.cfg.JitterPercent == 0 {
		return d
	}
	spread := int(d.Milliseconds()) * p.cfg.JitterPercent / 100
	if spread <= 0 {
		return d
	}
	return d + time.Duration(p.r.Intn(spread+1))*time.Millisecond
}
