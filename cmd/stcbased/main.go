// Command stcbased runs the reactor as a standalone service, with the
// interval module and the optional echo listeners.
//
// Usage:
//
//	stcbased [-config path] [-check]
//
// SIGINT and SIGTERM stop the loop gracefully. SIGHUP logs a status line
// immediately.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/joeycumines/go-stcbase/background"
	"github.com/joeycumines/go-stcbase/config"
	"github.com/joeycumines/go-stcbase/echo"
	"github.com/joeycumines/go-stcbase/reactor"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const statusLabel = `status`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet(`stcbased`, flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String(`config`, ``, `path to a TOML config file`)
	check := flags.Bool(`check`, false, `validate the config and exit`)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg := config.Default()
	if *configPath != `` {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 2
		}
	}
	if *check {
		return 0
	}

	logger := newLogger(stderr, cfg.LogLevel)

	err := serve(ctx, cfg, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Err().Err(err).Log(`stcbased exited`)
	} else {
		logger.Info().Log(`stcbased stopped`)
	}
	return reactor.ExitCode(err)
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func serve(ctx context.Context, cfg config.Config, logger *logiface.Logger[logiface.Event]) error {
	r, err := reactor.New(cfg.ReactorOptions(logger)...)
	if err != nil {
		return err
	}
	defer r.Close()

	bg, err := background.Register(r)
	if err != nil {
		return err
	}
	if err := bg.AddIntervalCallback(statusLabel, cfg.StatusInterval, logStatus, nil); err != nil {
		return err
	}

	if cfg.EchoTCP != `` || cfg.EchoUDP != `` {
		srv, err := echo.Register(r, cfg.EchoTCP, cfg.EchoUDP)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info().
		Stringer(`queue_strategy`, r.QueueStrategy()).
		Stringer(`backend`, r.Readiness().Backend()).
		Dur(`select_timeout`, cfg.SelectTimeout).
		Log(`stcbased starting`)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-r.Done():
				return nil
			case <-hup:
				if err := bg.RunNow(r, statusLabel); err != nil {
					logger.Warning().Err(err).Log(`status request failed`)
				}
			}
		}
	})
	return g.Wait()
}

func logStatus(r *reactor.Reactor, _ *background.Entry) error {
	m := r.Metrics()
	r.Logger().Info().
		Uint64(`ticks`, m.Ticks).
		Uint64(`timeouts`, m.Timeouts).
		Uint64(`enqueued`, m.Enqueued).
		Uint64(`dispatched`, m.Dispatched).
		Uint64(`dropped`, m.Dropped).
		Uint64(`socket_events`, m.SocketEvents).
		Uint64(`endpoints_removed`, m.EndpointsRemoved).
		Uint64(`background_failures`, m.BackgroundFailures).
		Int(`queue_depth`, m.QueueDepth).
		Int(`endpoints`, m.Endpoints).
		Log(`status`)
	return nil
}
