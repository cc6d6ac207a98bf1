// Package retry wraps remote provider calls with bounded, status-classified
// backoff. Only rate limiting (429) and server errors (5xx) are retried;
// everything else is returned to the caller immediately. The delay is linear
// in the attempt index, not exponential.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
)

// StatusError carries an HTTP status code for errors coming from transports
// that do not expose one themselves.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf extracts the HTTP status code from a provider error, or 0 when
// the error carries none.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// Config holds the per-adapter retry policy. Delay bases differ between
// providers because their rate limiters behave differently.
type Config struct {
	MaxAttempts int
	Delay429    time.Duration
	Delay5xx    time.Duration
}

// DefaultConfig returns the generic policy used when an adapter does not
// override it.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay429:    2 * time.Second,
		Delay5xx:    time.Second,
	}
}

// Executor applies a Config to remote calls.
type Executor struct {
	cfg   Config
	log   *logrus.Entry
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor. Nil log falls back to the standard logger.
func New(cfg Config, log *logrus.Entry) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{cfg: cfg, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn, retrying transient failures up to MaxAttempts. The delay before
// retry attempt n+1 is base * n. The final error is returned unmodified so
// callers can still classify it.
func (e *Executor) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var base time.Duration
		switch status := StatusOf(err); {
		case status == 429:
			base = e.cfg.Delay429
		case status >= 500 && status <= 599:
			base = e.cfg.Delay5xx
		default:
			return err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := base * time.Duration(attempt)
		e.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"status":  StatusOf(err),
			"delay":   delay,
		}).Warn("transient provider error, retrying")

		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

// Do runs fn through the executor and returns its value on success.
func Do[T any](ctx context.Context, e *Executor, op string, fn func() (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
