package live

import "time"

// Backoff bounds reconnects after a transport drop. The delay doubles from
// BaseDelay up to MaxDelay; after MaxAttempts consecutive failures the
// channel stays closed. Reaching the open state resets the count.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultBackoff = Backoff{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// NoReconnect disables reconnects.
var NoReconnect = Backoff{}

// Delay returns the wait before the given attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}
