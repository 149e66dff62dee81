package publisher

import "time"

const (
	defaultMaxAttempts = 8
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 5 * time.Minute
)

// RetryPolicy bounds relay retries.
type RetryPolicy struct {
	// MaxAttempts is the number of failed relays after which a marker is
	// stuck. The first failed publish counts as attempt one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait after the given failed attempt: base << (attempt-1),
// capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 0 {
		attempt = 1
	}
	// Shifting past 62 bits overflows; the cap applies long before that.
	if attempt > 32 {
		return p.MaxDelay
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt failures make a marker stuck.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}
