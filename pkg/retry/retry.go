package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransient marks a failure that is worth another attempt
	ErrTransient = goerr.New("transient failure")
)

// Policy is the retry configuration applied to every external call
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// CallTimeout bounds each single attempt. Zero disables it.
	CallTimeout time.Duration
}

// DefaultPolicy returns 3 attempts with 1s base delay, 30s max delay and 50% jitter
func DefaultPolicy() Policy {
	return NewPolicy(model.DefaultProfile().Retry)
}

// NewPolicy builds a Policy from the retry section of a run profile
func NewPolicy(p model.RetryProfile) Policy {
	return Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		Jitter:      p.Jitter,
		CallTimeout: p.CallTimeout,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. Each attempt runs under its own CallTimeout;
// a timeout of a single attempt is transient, cancellation of ctx is not.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		callCtx, cancel := p.callContext(ctx)
		defer cancel()

		resp, err := op(callCtx)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return resp, backoff.Permanent(goerr.Wrap(ctx.Err(), "call aborted", goerr.V("call", name), goerr.V("cause", err.Error())))
		}
		if !IsTransient(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, next time.Duration) {
		logging.From(ctx).Warn("transient failure, retrying",
			"call", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"next", next,
			"error", err,
		)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return resp, goerr.Wrap(err, "call failed", goerr.V("call", name), goerr.V("attempts", attempt))
	}
	return resp, nil
}

func (p Policy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// MarkTransient tags err as retryable. It returns nil for a nil err.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}

	return false
}

// IsTransientStatus reports whether an HTTP status code from an API
// indicates a retryable condition
func IsTransientStatus(code int) bool {
	return code == 429 || code == 408 || code >= 500
}
