package exchange

import "time"

// backoff produces the reconnect delay sequence for a stream. Each next
// call returns the current delay and multiplies it for the following
// attempt, up to the ceiling; reset returns to the start delay after a
// successful connect.
type backoff struct {
	start   time.Duration
	ceiling time.Duration
	factor  float64

	current time.Duration
}

func newBackoff(start, ceiling time.Duration, factor float64) *backoff {
	return &backoff{start: start, ceiling: ceiling, factor: factor, current: start}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current = time.Duration(float64(b.current) * b.factor)
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.start
}
