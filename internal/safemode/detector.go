package safemode

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Prober checks the cache.
type Prober interface {
	Ping(ctx context.Context) error
}

// DetectorConfig tunes the availability detector.
type DetectorConfig struct {
	// ProbeTimeout bounds a single probe. Default: 200ms.
	ProbeTimeout time.Duration
	// MaxFailures is the number of consecutive failed probes that open the
	// breaker. While open, no probes are sent. Default: 3.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before a trial probe.
	// Default: 10s.
	Cooldown time.Duration
	// HealthyFor caches a successful probe so that hot-path callers do not
	// ping Redis on every request. Zero probes every time.
	HealthyFor time.Duration
}

// Detector decides whether the cache is unavailable. It wraps the probe in
// a circuit breaker: once the cache has failed MaxFailures probes in a row,
// callers are told it is down without touching the network until Cooldown
// has passed.
type Detector struct {
	prober  Prober
	breaker *gobreaker.CircuitBreaker
	config  DetectorConfig
	log     *zap.Logger

	mu          sync.Mutex
	healthyTill time.Time
	now         func() time.Time
}

// NewDetector creates a Detector around prober.
func NewDetector(prober Prober, config DetectorConfig, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 200 * time.Millisecond
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 10 * time.Second
	}

	d := &Detector{
		prober: prober,
		config: config,
		log:    log,
		now:    time.Now,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache",
		MaxRequests: 1,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Warn("cache marked unavailable, safe mode engaged",
					zap.String("from", from.String()))
				mon.Event("safe_mode_engaged")
			case gobreaker.StateClosed:
				log.Info("cache available again, safe mode released",
					zap.String("from", from.String()))
				mon.Event("safe_mode_released")
			}
		},
	})
	return d
}

// Unavailable probes the cache through the breaker and reports whether it
// is down. A failed probe reports down immediately, even before the breaker
// opens.
func (d *Detector) Unavailable(ctx context.Context) bool {
	if d.config.HealthyFor > 0 {
		d.mu.Lock()
		fresh := d.now().Before(d.healthyTill)
		d.mu.Unlock()
		if fresh {
			return false
		}
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
		defer cancel()
		return nil, d.prober.Ping(pctx)
	})
	if err != nil {
		d.log.Debug("cache probe failed", zap.Error(err))
		return true
	}

	if d.config.HealthyFor > 0 {
		d.mu.Lock()
		d.healthyTill = d.now().Add(d.config.HealthyFor)
		d.mu.Unlock()
	}
	return false
}

// MarkFailed records an out-of-band cache failure (for example a command
// that failed on the hot path) and drops any cached healthy result.
func (d *Detector) MarkFailed(cause error) {
	d.mu.Lock()
	d.healthyTill = time.Time{}
	d.mu.Unlock()
	_, _ = d.breaker.Execute(func() (interface{}, error) { return nil, cause })
}

// State returns the breaker state name: closed, half-open or open.
func (d *Detector) State() string {
	return d.breaker.State().String()
}
