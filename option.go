package loader

import (
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Unset is a special value for various [Option] functions, usually meaning unrestricted, unlimited, or disable.
// You need to read the doc of the corresponding function to know what this value does.
const Unset = -1

// DefaultDelay is the default max time a batch window stays open.
const DefaultDelay = 10 * time.Millisecond

// config configurable options of a loader.
type config struct {
	delay          time.Duration
	eagerBatchSize int64
	maxConcurrency int64
	limiter        *rate.Limiter
	label          string
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func defaultConfig() config {
	return config{
		delay:          DefaultDelay,
		eagerBatchSize: Unset,
		maxConcurrency: 1,
	}
}

// Option general options for the loader.
type Option func(*config)

// size is a type alias for int, int32, and int64.
type size interface {
	~int | ~int32 | ~int64
}

// WithDelay set the max time a batch window stays open waiting for more keys before the fetcher is invoked.
// The delay starts counting when the first key of the window arrives.
// Accept 0 (fetch as soon as a worker is available) or any positive [time.Duration].
func WithDelay(delay time.Duration) Option {
	return func(c *config) {
		if delay < 0 {
			delay = 0
		}
		c.delay = delay
	}
}

// WithEagerBatchSize set the number of pending keys that closes the window immediately.
// A window never holds more keys than this size, the remaining keys of a large request go to the next window.
// Passing -1 [Unset] disables eager closing, so windows are only closed by [WithDelay].
func WithEagerBatchSize[I size](n I) Option {
	return func(c *config) {
		if n <= 0 {
			c.eagerBatchSize = Unset
			return
		}
		c.eagerBatchSize = int64(n)
	}
}

// WithMaxConcurrency set the max number of fetcher calls that can be in flight at the same time.
// Support 0 (run on the coordinator goroutine) and fixed number.
// Passing -1 [Unset] (unlimited) to this function has the same effect of passing [math.MaxInt64].
//
// While no worker is available, a due window stays open and keeps accumulating keys.
func WithMaxConcurrency[I size](concurrency I) Option {
	return func(c *config) {
		if concurrency < 0 {
			c.maxConcurrency = math.MaxInt64
			return
		}
		c.maxConcurrency = int64(concurrency)
	}
}

// WithRateLimit limits how often the fetcher is invoked.
// A due window waits for the limiter, accumulating keys in the meantime.
// A limiter with zero burst and a finite limit never allows any fetch, so it is ignored with a warning.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(c *config) {
		c.limiter = limiter
	}
}

// WithLabel set the diagnostic label of the loader.
// The label is attached to logs, spans and metrics, and has no behavioral effect.
func WithLabel(label string) Option {
	return func(c *config) {
		c.label = label
	}
}

// WithLogger set the logger used for reporting fetch failures.
// Default to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider set the provider of the tracer that records one span per fetcher call.
// Default to the otel global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider set the provider of the meter that records loader metrics.
// Default to the otel global provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}
