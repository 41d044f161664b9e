package attempt

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coordinatr/mergequeue/internal/metrics"
)

// ErrForgeUnavailable is returned in place of the underlying error once the
// circuit has tripped, so callers don't need to inspect gobreaker's own
// error type to recognize a sustained outage.
var ErrForgeUnavailable = errors.New("forge circuit open")

// newForgeBreaker trips after 5 consecutive forge-call failures and stays
// open for 30s before allowing a single probe request through, shielding
// the per-repo worker from hammering a forge that's down during a sustained
// outage rather than retrying every single attempt's Finalizing step.
func newForgeBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// callForge runs fn through the breaker, translating a tripped-circuit
// rejection into ErrForgeUnavailable and counting every failure against
// metrics.ForgeErrorsTotal under the given repo/method labels.
func callForge(cb *gobreaker.CircuitBreaker, repoID, method string, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		metrics.ForgeErrorsTotal.WithLabelValues(repoID, method).Inc()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrForgeUnavailable
	}
	return err
}
