// Package retry is the single retry-with-backoff helper shared by the
// protocol reconnect loop and the record store.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Options control a Do call.
type Options struct {
	Attempts   int
	Initial    time.Duration
	Factor     float64
	Max        time.Duration
	DelayFirst bool
	Message    string
	Logger     zerolog.Logger
	// Transient reports whether err may succeed on a later attempt.
	// Errors for which it returns false end the loop immediately.
	Transient func(err error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt is invoked before every attempt with the 1-based attempt
	// number and the delay that preceded it.
	OnAttempt func(attempt int, delay time.Duration)
}

// Option configures Options.
type Option func(*Options)

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

// WithBackoff sets capped exponential backoff parameters.
func WithBackoff(initial time.Duration, factor float64, max time.Duration) Option {
	return func(o *Options) {
		o.Initial = initial
		o.Factor = factor
		o.Max = max
	}
}

// WithDelayFirst waits one backoff period before the first attempt. Reconnect
// loops use it because the failure that triggered them already happened.
func WithDelayFirst() Option {
	return func(o *Options) { o.DelayFirst = true }
}

// WithMessage sets the message logged on every failed attempt.
func WithMessage(msg string) Option {
	return func(o *Options) { o.Message = msg }
}

// WithLogger sets the logger used for attempt failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClassifier installs the transient/fatal classifier.
func WithClassifier(transient func(error) bool) Option {
	return func(o *Options) { o.Transient = transient }
}

// WithSleep replaces the wait between attempts, letting callers drive the
// loop from a fake clock.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Options) { o.Sleep = fn }
}

// WithOnAttempt installs an attempt observer.
func WithOnAttempt(fn func(attempt int, delay time.Duration)) Option {
	return func(o *Options) { o.OnAttempt = fn }
}

func defaults() Options {
	return Options{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Factor:   2.0,
		Max:      5 * time.Second,
		Message:  "operation failed",
		Logger:   zerolog.Nop(),
	}
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as fatal regardless of the classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, the classifier reports a fatal error, the
// attempt budget runs out or ctx is cancelled.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Sleep == nil {
		o.Sleep = sleepFunc
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}

	var (
		zero  T
		err   error
		delay = o.Initial
	)
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		var waited time.Duration
		if attempt > 1 || o.DelayFirst {
			if serr := o.Sleep(ctx, delay); serr != nil {
				return zero, serr
			}
			waited = delay
			delay = CappedExponentialBackoff(delay, o.Factor, o.Max)
		}
		if o.OnAttempt != nil {
			o.OnAttempt(attempt, waited)
		}

		var res T
		res, err = fn(ctx)
		if err == nil {
			return res, nil
		}
		if IsPermanent(err) {
			return zero, errors.Unwrap(err)
		}
		if o.Transient != nil && !o.Transient(err) {
			return zero, err
		}
		o.Logger.Warn().Err(err).Int("attempt", attempt).Int("of", o.Attempts).Msg(o.Message)
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, o.Attempts, err)
}

// Delays returns the waits Do performs before each of n attempts when
// DelayFirst is set.
func Delays(n int, initial time.Duration, factor float64, max time.Duration) []time.Duration {
	out := make([]time.Duration, 0, n)
	d := initial
	for i := 0; i < n; i++ {
		out = append(out, d)
		d = CappedExponentialBackoff(d, factor, max)
	}
	return out
}
