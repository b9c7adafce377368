package harness

import (
	"fmt"
	"time"

	"github.com/0xphantomotr/relayprobe/pkg/metrics"
)

// PollRatio is the minimum number of polls that fit in a wait's timeout.
const PollRatio = 50

// Condition reports whether the awaited state has been reached. An error
// means "not yet" and is kept as the cause if the wait times out.
type Condition func() (bool, error)

// PollInterval returns the interval WaitUntil will actually use: interval
// clamped to timeout/PollRatio, and timeout/PollRatio when interval is zero.
func PollInterval(timeout, interval time.Duration) time.Duration {
	limit := timeout / PollRatio
	if limit <= 0 {
		limit = time.Millisecond
	}
	if interval <= 0 || interval > limit {
		return limit
	}
	return interval
}

// WaitUntil evaluates cond now and then once per poll interval until it
// holds or timeout has elapsed. It fails with *TimeoutError no earlier than
// timeout, after a final check at the deadline.
func WaitUntil(what string, cond Condition, timeout, interval time.Duration) error {
	interval = PollInterval(timeout, interval)
	start := time.Now()
	deadline := start.Add(timeout)

	var (
		lastErr  error
		attempts int
	)
	for {
		ok, err := check(cond)
		attempts++
		if ok {
			metrics.ObserveWait("satisfied", time.Since(start).Seconds())
			return nil
		}
		if err != nil {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			elapsed := time.Since(start)
			metrics.ObserveWait("timeout", elapsed.Seconds())
			return &TimeoutError{
				What:     what,
				Timeout:  timeout,
				Elapsed:  elapsed,
				Attempts: attempts,
				LastErr:  lastErr,
			}
		}
		time.Sleep(min(interval, remaining))
	}
}

// check runs cond, turning a panic into an error so that a condition racing
// with startup cannot take the wait down.
func check(cond Condition) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return cond()
}
