// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"time"

	"github.com/joeycumines/go-stcbase/readiness"
	"github.com/joeycumines/go-stcbase/workqueue"
	"github.com/joeycumines/logiface"
)

// DefaultSelectTimeout bounds each wait, and therefore the longest gap
// between background handler invocations.
const DefaultSelectTimeout = 10 * time.Second

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	logger        *logiface.Logger[logiface.Event]
	logRates      map[time.Duration]int
	queueOpts     []workqueue.Option
	setOpts       []readiness.Option
	selectTimeout time.Duration
}

// Option configures a Reactor instance.
type Option interface {
	applyReactor(*reactorOptions) error
}

// reactorOptionImpl implements Option.
type reactorOptionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (o *reactorOptionImpl) applyReactor(opts *reactorOptions) error {
	return o.applyReactorFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSelectTimeout sets the wait timeout used by Run. Negative waits
// indefinitely, between wake signals and socket readiness.
func WithSelectTimeout(d time.Duration) Option {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.selectTimeout = d
		return nil
	}}
}

// WithQueueOptions configures the work queue.
func WithQueueOptions(options ...workqueue.Option) Option {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.queueOpts = append(opts.queueOpts, options...)
		return nil
	}}
}

// WithReadinessOptions configures the readiness set.
func WithReadinessOptions(options ...readiness.Option) Option {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.setOpts = append(opts.setOpts, options...)
		return nil
	}}
}

// WithLogRates limits how often repeated dispatch failures, per module, are
// logged. A nil or empty map disables the limit.
func WithLogRates(rates map[time.Duration]int) Option {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// resolveReactorOptions applies Option instances to reactorOptions.
func resolveReactorOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		selectTimeout: DefaultSelectTimeout,
		logRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
