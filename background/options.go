package background

import (
	"time"
)

type moduleOptions struct {
	now func() time.Time
}

// Option configures a Module.
type Option func(*moduleOptions)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(opts *moduleOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

func resolveOptions(opts []Option) *moduleOptions {
	cfg := &moduleOptions{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}
