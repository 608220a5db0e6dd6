package connection

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// schedule yields reconnect delays: exponential from base, capped at max, with full jitter
// (a uniform pick in [0, step]).
type schedule struct {
	exp    *backoff.ExponentialBackOff
	jitter func(time.Duration) time.Duration
}

func newSchedule(base, max time.Duration) *schedule {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &schedule{exp: exp, jitter: fullJitter}
}

func (s *schedule) Next() time.Duration {
	step := s.exp.NextBackOff()
	if step == backoff.Stop || step > s.exp.MaxInterval {
		step = s.exp.MaxInterval
	}
	return s.jitter(step)
}

func (s *schedule) Reset() {
	s.exp.Reset()
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
