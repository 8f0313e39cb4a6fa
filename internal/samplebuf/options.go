package samplebuf

import "github.com/prometheus/client_golang/prometheus"

// Option configures a Buffer.
type Option func(*bufferOptions)

type bufferOptions struct {
	maxCapacity   int
	registerer    prometheus.Registerer
	metricsPrefix string
}

// WithMaxCapacity rejects capacities above limit. Zero disables the ceiling.
func WithMaxCapacity(limit int) Option {
	return func(opts *bufferOptions) {
		opts.maxCapacity = limit
	}
}

// WithMetrics exposes buffer statistics as Prometheus metrics labelled with prefix.
// Ignored when registerer is nil or prefix is empty.
func WithMetrics(registerer prometheus.Registerer, prefix string) Option {
	return func(opts *bufferOptions) {
		if registerer != nil && prefix != "" {
			opts.registerer = registerer
			opts.metricsPrefix = prefix
		}
	}
}

func applyOptions(options ...Option) *bufferOptions {
	opts := &bufferOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
