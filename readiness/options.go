// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package readiness

import (
	"fmt"
)

const defaultMaxEvents = 256

type setOptions struct {
	backend   Backend
	maxEvents int
}

// Option configures a Set.
type Option interface {
	applySet(*setOptions) error
}

type setOptionImpl struct {
	applySetFunc func(*setOptions) error
}

func (o *setOptionImpl) applySet(opts *setOptions) error {
	return o.applySetFunc(opts)
}

// WithBackend selects the multiplexer. BackendAuto (the default) picks the
// native one for the platform.
func WithBackend(b Backend) Option {
	return &setOptionImpl{func(opts *setOptions) error {
		if b < BackendAuto || b > BackendEvents {
			return fmt.Errorf("%w: %d", ErrUnknownBackend, b)
		}
		opts.backend = b
		return nil
	}}
}

// WithMaxEvents bounds how many ready endpoints a single Wait reports, for
// the backends that take a bounded event buffer.
func WithMaxEvents(n int) Option {
	return &setOptionImpl{func(opts *setOptions) error {
		if n > 0 {
			opts.maxEvents = n
		}
		return nil
	}}
}

func resolveOptions(opts []Option) (*setOptions, error) {
	cfg := &setOptions{
		backend:   BackendAuto,
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySet(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
