// Package retry decides how long a failed stage waits before it is
// dispatched again and how many attempts a stage gets.
package retry

import (
	"math"
	"time"
)

// Policy is consulted by the coordinator after every counted failure.
// NextDelay must be non-decreasing in attempt and never exceed its cap.
type Policy interface {
	NextDelay(attempt int) time.Duration
	MaxAttempts() int
}

// Exponential grows the delay by Multiplier per attempt, starting at Base
// and capped at Max. A zero Max caps at the largest time.Duration.
type Exponential struct {
	Attempts   int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

var _ Policy = Exponential{}

// NextDelay returns the wait before attempt+1, given attempt failures so far.
func (e Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}
	ceiling := e.Max
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	if e.Base <= 0 {
		return 0
	}
	d := float64(e.Base) * math.Pow(mult, float64(attempt-1))
	if math.IsNaN(d) || d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// MaxAttempts is Attempts, at least 1.
func (e Exponential) MaxAttempts() int {
	if e.Attempts < 1 {
		return 1
	}
	return e.Attempts
}

// Constant waits the same Delay after every failure.
type Constant struct {
	Attempts int
	Delay    time.Duration
}

var _ Policy = Constant{}

func (c Constant) NextDelay(int) time.Duration { return c.Delay }

func (c Constant) MaxAttempts() int {
	if c.Attempts < 1 {
		return 1
	}
	return c.Attempts
}
