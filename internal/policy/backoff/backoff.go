// Package backoff provides SleepScheduler implementations used between
// retries: fixed, uniform random, jittered exponential and zero delays.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Delayer computes the delay before a retry. tries counts the failed
// attempts so far and starts at 1.
type Delayer interface {
	Delay(tries int) time.Duration
}

// Sleeper turns a Delayer into a crawler.SleepScheduler whose sleep ends
// early when the context is canceled.
type Sleeper struct {
	delayer Delayer
}

var _ crawler.SleepScheduler = (*Sleeper)(nil)

// New wraps d.
func New(d Delayer) *Sleeper {
	return &Sleeper{delayer: d}
}

// Sleep implements crawler.SleepScheduler.
func (s *Sleeper) Sleep(ctx context.Context, tries int) error {
	return Pause(ctx, s.delayer.Delay(tries))
}

// Delay exposes the wrapped Delayer.
func (s *Sleeper) Delay(tries int) time.Duration {
	return s.delayer.Delay(tries)
}

// Pause waits for delay or until ctx is done.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backoff canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Zero never waits. It is intended for tests.
func Zero() *Sleeper {
	return New(Fixed(0))
}

// Fixed waits the same duration before every retry.
type Fixed time.Duration

// Delay implements Delayer.
func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Uniform waits a random duration in [Min, Max].
type Uniform struct {
	Min time.Duration
	Max time.Duration
}

// Delay implements Delayer.
func (u Uniform) Delay(int) time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	return u.Min + randomDuration(u.Max-u.Min+1)
}

// Exponential waits Base before the first retry and doubles per retry up
// to Max; the result is jittered between half and the full delay.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultExponential uses a 250ms base capped at 5s.
func DefaultExponential() Exponential {
	return Exponential{Base: 250 * time.Millisecond, Max: 5 * time.Second}
}

// Delay implements Delayer.
func (e Exponential) Delay(tries int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	exp := tries - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(e.Base) * math.Pow(2, float64(exp))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	d := time.Duration(math.MaxInt64)
	if delay < math.MaxInt64 {
		d = time.Duration(delay)
	}
	half := d / 2
	return half + randomDuration(d-half)
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
