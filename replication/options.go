package replication

import (
	"log/slog"
	"time"

	"github.com/hupe1980/shardblob/metrics"
)

const (
	// DefaultMaxRecords is the per-unit record limit when a request sets none.
	DefaultMaxRecords = 1000
	// DefaultTimeout bounds one call to a peer.
	DefaultTimeout = 10 * time.Second
	// DefaultInterval is the pause between catch-up rounds.
	DefaultInterval = 5 * time.Second
	// DefaultConcurrency is the number of peers pulled from at once.
	DefaultConcurrency = 4
)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Registry
	maxRecords  int
	timeout     time.Duration
	interval    time.Duration
	concurrency int
}

func defaultOptions() options {
	return options{
		maxRecords:  DefaultMaxRecords,
		timeout:     DefaultTimeout,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
	}
}

func buildOptions(optFns []Option) options {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
	return opts
}

// Option configures a Handler or a Replicator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the registry for catch-up counters and timings.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) { o.metrics = r }
}

// WithMaxRecords sets the records per unit: the cap a Handler serves and the
// amount a Replicator asks for.
func WithMaxRecords(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRecords = n
		}
	}
}

// WithTimeout bounds each call a Replicator makes to a peer.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithInterval sets the pause between catch-up rounds of Run.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithConcurrency sets how many peers Run pulls from at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}
