package core

import (
	"time"

	"go.uber.org/zap"
)

// DefaultFetchConcurrency bounds how many siblings FetchUnit resolves at once.
const DefaultFetchConcurrency = 8

// defaultAppendAttempts bounds AddAttributeToUnit retries after a version conflict.
const defaultAppendAttempts = 3

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type serviceOptions struct {
	clock            Clock
	logger           *zap.Logger
	metrics          MetricsRecorder
	fetchConcurrency int
	appendAttempts   int
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:            ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:           zap.NewNop(),
		metrics:          noopMetrics{},
		fetchConcurrency: DefaultFetchConcurrency,
		appendAttempts:   defaultAppendAttempts,
	}
}

// WithClock overrides the clock used to time operations.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger. A nil logger keeps the no-op default.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the recorder notified after every operation.
func WithMetrics(metrics MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithFetchConcurrency bounds the per-node fan-out of FetchUnit. Values below
// one are ignored.
func WithFetchConcurrency(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.fetchConcurrency = n
		}
	}
}

// WithAppendAttempts bounds how often AddAttributeToUnit retries after losing
// a version race.
func WithAppendAttempts(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.appendAttempts = n
		}
	}
}
