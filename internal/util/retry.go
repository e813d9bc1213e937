// Package util provides shared utility functions for chanfs.
package util

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/common"
)

// RetryPolicy bounds retries of remote calls. Delays grow exponentially from
// Delay and are capped at MaxDelay; every attempt gets its own CallTimeout.
type RetryPolicy struct {
	Attempts    uint
	Delay       time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration

	// OnRetry, when set, is called before every retry.
	OnRetry func(op string, attempt uint, err error)
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    5,
		Delay:       200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

// RemoteRetryOptions returns retry options for calls into the message
// channel. Only transient errors are retried.
func RemoteRetryOptions(ctx context.Context, policy RetryPolicy, op string) []retry.Option {
	attempts := policy.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(policy.Delay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("op", op).Debugf("retry %d after error: %v", n+1, err)
			if policy.OnRetry != nil {
				policy.OnRetry(op, n+1, err)
			}
		}),
	}
}

// DatabaseRetryOptions returns retry options for the local SQLite channel,
// where the only transient failure is lock contention.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// CallRemote runs fn under policy, giving each attempt its own timeout.
// A transient error that survives every attempt is reported as
// common.ErrRemoteUnavailable; permanent errors and cancellation pass through.
func CallRemote[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := RetryWithResult(ctx, func() (T, error) {
		callCtx, cancel := withCallTimeout(ctx, policy.CallTimeout)
		defer cancel()
		return fn(callCtx)
	}, RemoteRetryOptions(ctx, policy, op)...)
	if err != nil {
		return result, classifyRemote(ctx, op, err)
	}
	return result, nil
}

func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func classifyRemote(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if common.IsPermanent(err) || errors.Is(err, common.ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrRemoteUnavailable, err)
}

// Common retry predicates

// IsTransient returns true if the error is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !common.IsPermanent(err)
}

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
