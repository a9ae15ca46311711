package dbftengine

import "time"

// TimeoutStrategy determines how long a validator waits in a view
// before asking to change it.
type TimeoutStrategy interface {
	// ViewTimeout is the delay a backup waits in the given view
	// for the round to make progress.
	ViewTimeout(view uint8) time.Duration
}

// ExponentialTimeoutStrategy doubles the timeout with every view,
// starting from Base.
type ExponentialTimeoutStrategy struct {
	Base time.Duration

	// Views beyond MaxExponent stop doubling.
	MaxExponent uint8

	// Max caps the timeout when non-zero.
	Max time.Duration
}

// DefaultTimeoutStrategy returns the strategy used when none is configured:
// twice the block time at view 0, doubling for each view after that.
func DefaultTimeoutStrategy(timePerBlock time.Duration) ExponentialTimeoutStrategy {
	return ExponentialTimeoutStrategy{
		Base:        2 * timePerBlock,
		MaxExponent: 8,
	}
}

func (s ExponentialTimeoutStrategy) ViewTimeout(view uint8) time.Duration {
	d := s.Base << min(view, s.MaxExponent)
	if s.Max > 0 && (d > s.Max || d < s.Base) {
		// d < s.Base only on overflow.
		return s.Max
	}
	return d
}
