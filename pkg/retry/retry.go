package retry

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("azgraph/retry")

// Retryer waits out transient failures with linear backoff. A zero attempt
// counter resets whenever an operation succeeds, so one Retryer can guard a
// sequence of calls.
type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
	retryable    func(error) bool
}

type Config struct {
	MaxAttempts  uint          // 0 means no limit (which is also the default).
	InitialDelay time.Duration // Default is 1 second.
	MaxDelay     time.Duration // Default is 60 seconds. 0 means no limit.
	Retryable    func(error) bool
}

func NewRetryer(config Config) *Retryer {
	r := &Retryer{
		attempts:     0,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		retryable:    config.Retryable,
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	if r.retryable == nil {
		r.retryable = func(error) bool { return false }
	}
	return r
}

// ShouldWaitAndRetry reports whether the caller should retry after err. A nil
// err resets the attempt counter. Non-retryable errors and exhausted attempts
// return false immediately; otherwise the call blocks for the backoff window
// or until the context is done.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !r.retryable(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.maxAttempts > 0 && r.attempts > r.maxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		return false
	}

	// use linear backoff by default
	wait := time.Duration(int64(r.attempts)) * r.initialDelay
	if wait > r.maxDelay {
		wait = r.maxDelay
	}

	l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait))

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
