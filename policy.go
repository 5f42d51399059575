package reqcache

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Policy controls how a resource kind is cached
type Policy struct {
	// FreshDuration is how long a successful result is served without refetch.
	// Zero means every Get triggers a fetch.
	FreshDuration time.Duration

	// FetchTimeout is the hard cap on a single fetch attempt before it is treated as failed
	FetchTimeout time.Duration

	// MaxWaitAttempts and PollInterval bound how long a caller arriving while a fetch
	// is in flight waits for it: MaxWaitAttempts × PollInterval.
	MaxWaitAttempts int
	PollInterval    time.Duration
}

// DefaultPolicy is a reasonable policy for dashboard-style resources
var DefaultPolicy = Policy{
	FreshDuration:   2 * time.Minute,
	FetchTimeout:    10 * time.Second,
	MaxWaitAttempts: 50,
	PollInterval:    100 * time.Millisecond,
}

// Validate reports whether the policy is usable
func (p Policy) Validate() error {
	if p.FreshDuration < 0 {
		return errors.Errorf("freshDuration must not be negative: %s", p.FreshDuration)
	}
	if p.FetchTimeout <= 0 {
		return errors.Errorf("fetchTimeout must be positive: %s", p.FetchTimeout)
	}
	if p.MaxWaitAttempts <= 0 {
		return errors.Errorf("maxWaitAttempts must be positive: %d", p.MaxWaitAttempts)
	}
	if p.PollInterval <= 0 {
		return errors.Errorf("pollInterval must be positive: %s", p.PollInterval)
	}
	if int64(p.MaxWaitAttempts) > math.MaxInt64/int64(p.PollInterval) {
		return errors.Errorf("maxWaitAttempts × pollInterval overflows: %d × %s", p.MaxWaitAttempts, p.PollInterval)
	}
	return nil
}

// WaitBudget is the longest a piggy-backing caller waits for an in-flight fetch
func (p Policy) WaitBudget() time.Duration {
	return time.Duration(p.MaxWaitAttempts) * p.PollInterval
}

func (p Policy) mustValidate() {
	if err := p.Validate(); err != nil {
		panic(errors.Wrap(err, "invalid policy"))
	}
}
