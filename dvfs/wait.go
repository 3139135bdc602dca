package dvfs

import (
	"errors"
	"fmt"
	"time"
)

var ErrWaitTimeout = errors.New("timed out waiting for hardware")

// Waiter blocks until cond reports true. what names the condition for errors and logs.
type Waiter interface {
	WaitUntil(what string, cond func() bool) error
}

// Spin polls cond with no bound at all. A condition that never comes true hangs the caller,
// which is what the hardware contract asks for: there is nothing safe to do with a half-switched
// clock. It never returns an error.
type Spin struct{}

func (Spin) WaitUntil(what string, cond func() bool) error {
	for !cond() {
	}
	return nil
}

// Bounded polls cond until it holds, Timeout passes or MaxPolls polls have failed, whichever
// comes first. Zero disables a limit. Interval, if set, sleeps between polls.
type Bounded struct {
	Timeout  time.Duration
	MaxPolls int
	Interval time.Duration
}

func (b Bounded) WaitUntil(what string, cond func() bool) error {
	start := time.Now()
	for polls := 1; ; polls++ {
		if cond() {
			return nil
		}
		if b.MaxPolls > 0 && polls >= b.MaxPolls {
			return fmt.Errorf("%w: %s, %d polls", ErrWaitTimeout, what, polls)
		}
		if b.Timeout > 0 && time.Since(start) > b.Timeout {
			return fmt.Errorf("%w: %s, started %v, now %v", ErrWaitTimeout, what, start, time.Now())
		}
		if b.Interval > 0 {
			time.Sleep(b.Interval)
		}
	}
}
