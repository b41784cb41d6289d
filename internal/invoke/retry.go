package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/copp1723/lane-google-sub001/internal/invoke"

// SleepFunc waits for d or until ctx is done. It returns ctx.Err() when
// the wait was cut short.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy controls one call site's retry behavior. A Policy is a plain
// value; build it once per call site and reuse it.
type Policy struct {
	// Name identifies the call site in logs, spans and errors.
	Name string

	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. Attempt n (0-based)
	// is followed by a wait of BaseDelay * 2^n.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration

	// Classify maps failures to classes. Nil uses DefaultClassifier.
	Classify Classifier

	// Logger receives one Info line per retry. Nil uses slog.Default().
	Logger *slog.Logger

	// Sleep performs the backoff wait. Nil uses a context-aware timer.
	Sleep SleepFunc
}

// DefaultPolicy returns a three-attempt policy with a one-second base.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Backoff returns the wait after the given 0-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 { // overflow
			if p.MaxDelay > 0 {
				return p.MaxDelay
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) classify(err error) Class {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return DefaultClassifier(err)
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done, whichever is first.
// Only the calling goroutine is suspended.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with a non-retryable class, the
// attempts are exhausted, or ctx is done.
//
// Cancellation is observed between attempts and during backoff waits; an
// attempt already in flight is only interrupted through the ctx passed to
// op.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	name := opName(p.Name)
	logger := p.logger()
	maxAttempts := p.attempts()

	ctx, span := tracer().Start(ctx, "invoke."+name,
		trace.WithAttributes(
			attribute.String("invoke.op", name),
			attribute.Int("invoke.max_attempts", maxAttempts),
		))
	defer span.End()

	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, finish(span, &CancelledError{Op: name, Attempts: attempt, Err: err, Last: last})
		}

		recordAttempt(ctx, name)
		result, err := op(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("invoke.attempts", attempt+1))
			if attempt > 0 {
				logger.Info("call succeeded after retry",
					"op", name,
					"attempts", attempt+1,
					"last_error", last,
				)
			}
			return result, nil
		}
		last = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, finish(span, &CancelledError{Op: name, Attempts: attempt + 1, Err: ctxErr, Last: err})
		}

		class := p.classify(err)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("invoke.attempt", attempt),
			attribute.String("invoke.class", class.String()),
			attribute.String("error", err.Error()),
		))

		switch class {
		case ClassAuthentication:
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				return zero, finish(span, err)
			}
			return zero, finish(span, &AuthenticationError{Err: err})
		case ClassFatal:
			return zero, finish(span, fmt.Errorf("%s: %w", name, err))
		case ClassRateLimited, ClassTransient:
			// retryable; handled below
		default:
			panic("invoke: unhandled Class " + class.String())
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		logger.Info("retrying call",
			"op", name,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"class", class.String(),
			"next_delay", delay,
			"error", err,
		)
		recordRetry(ctx, name, class)

		if err := p.sleep(ctx, delay); err != nil {
			return zero, finish(span, &CancelledError{Op: name, Attempts: attempt + 1, Err: err, Last: last})
		}
	}

	return zero, finish(span, &MaxRetriesExceededError{Op: name, Attempts: maxAttempts, Last: last})
}

// Result carries the outcome of an asynchronous invocation.
type Result[T any] struct {
	Value T
	Err   error
}

// DoAsync runs Do on a new goroutine and delivers exactly one Result on
// the returned channel, which is then closed.
func DoAsync[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := Do(ctx, p, op)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

func finish(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Counters are resolved through the global meter provider on each call so
// a provider installed after package init is honoured.
func recordAttempt(ctx context.Context, op string) {
	c, err := otel.Meter(instrumentationName).Int64Counter("lane.invoke.attempts",
		metric.WithDescription("Outbound call attempts"))
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("invoke.op", op)))
}

func recordRetry(ctx context.Context, op string, class Class) {
	c, err := otel.Meter(instrumentationName).Int64Counter("lane.invoke.retries",
		metric.WithDescription("Outbound call retries by failure class"))
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("invoke.op", op),
		attribute.String("invoke.class", class.String()),
	))
}
