// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package workqueue

import (
	"errors"
	"fmt"
)

// ErrUnknownStrategy is returned for a Strategy value outside the defined set.
var ErrUnknownStrategy = errors.New("workqueue: unknown strategy")

type queueOptions struct {
	strategy  Strategy
	nodeLimit int64
}

// Option configures a Queue.
type Option interface {
	applyQueue(*queueOptions) error
}

type queueOptionImpl struct {
	applyQueueFunc func(*queueOptions) error
}

func (o *queueOptionImpl) applyQueue(opts *queueOptions) error {
	return o.applyQueueFunc(opts)
}

// WithStrategy forces a strategy. StrategyAuto (the default) detects one.
func WithStrategy(s Strategy) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		if s < StrategyAuto || s > StrategyMutex {
			return fmt.Errorf("%w: %d", ErrUnknownStrategy, s)
		}
		opts.strategy = s
		return nil
	}}
}

// WithNodeLimit bounds the number of queued values; Enqueue fails with
// ErrNodeLimit beyond it. Zero or negative means unbounded.
func WithNodeLimit(n int) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		opts.nodeLimit = int64(n)
		return nil
	}}
}

func resolveOptions(opts []Option) (*queueOptions, error) {
	cfg := &queueOptions{strategy: StrategyAuto}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
