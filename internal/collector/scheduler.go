package collector

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-fx-collector/internal/config"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// TimeoutPolicy derives the await budget of a request from the amount of
// history it asks for.
type TimeoutPolicy struct {
	Base   time.Duration
	PerBar time.Duration
	Max    time.Duration
}

// TimeoutPolicyFrom reads the policy from the collector section.
func TimeoutPolicyFrom(c config.CollectorConfig) TimeoutPolicy {
	return TimeoutPolicy{
		Base:   c.BaseTimeoutDuration(),
		PerBar: c.PerBarTimeoutDuration(),
		Max:    c.MaxTimeoutDuration(),
	}
}

// Budget returns the timeout for tf. An explicit timeframe timeout wins;
// otherwise Base + ExpectedBars*PerBar clamped to [Base, Max].
func (p TimeoutPolicy) Budget(tf models.Timeframe) time.Duration {
	if tf.Timeout > 0 {
		return tf.Timeout
	}

	budget := p.Base
	if n, err := tf.ExpectedBars(); err == nil {
		budget += time.Duration(n) * p.PerBar
	}
	if budget < p.Base {
		budget = p.Base
	}
	if p.Max > 0 && budget > p.Max {
		budget = p.Max
	}
	return budget
}

// newSubmitLimiter paces request submission. It never waits on request
// completion, only on the token bucket.
func newSubmitLimiter(c config.CollectorConfig) *rate.Limiter {
	if c.SubmitRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := c.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.SubmitRate), burst)
}
