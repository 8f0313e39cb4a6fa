// Package backoff runs an operation with bounded exponential delays between attempts.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// ErrExhausted is returned when every allowed attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// PermanentError stops retrying immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes the delay schedule.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"` // 0 means unlimited
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" default:"250ms"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay" default:"10s"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier" default:"2"`
	Jitter       bool          `yaml:"jitter" json:"jitter" default:"true"`
}

// DefaultPolicy retries forever with delays growing from 250ms to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  0,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks the policy for values that would make the schedule meaningless.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("backoff: MaxAttempts cannot be negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("backoff: InitialDelay must be > 0")
	}
	if p.MaxDelay < p.InitialDelay {
		return errors.New("backoff: MaxDelay must be >= InitialDelay")
	}
	if p.Multiplier < 1 {
		return errors.New("backoff: Multiplier must be >= 1")
	}
	return nil
}

// Delay returns the sleep before attempt n+1 (n counts from 1), without jitter.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a permanent error, attempts run out, or
// ctx is done. fn receives the 1-based attempt number.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		sleep := p.Delay(attempt)
		if p.Jitter && sleep >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(sleep / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, p.MaxAttempts, lastErr)
}
