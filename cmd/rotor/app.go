package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"QuicRotor/internal/api"
	"QuicRotor/internal/control"
	"QuicRotor/internal/logger"
	"QuicRotor/internal/rotation"
	"QuicRotor/internal/rotlog"
	"QuicRotor/internal/storage"
	"QuicRotor/internal/transport"
)

const (
	// shutdownTimeout bounds draining in-flight attempts on exit.
	shutdownTimeout = 5 * time.Second
)

// App wires the scheduler to its sinks and operator surfaces.
type App struct {
	role  string
	flags runtimeFlags
	level slog.Level

	registry *prometheus.Registry
	fileSink *rotlog.FileSink
	store    *storage.Storage
	index    *storage.EventIndex
	sched    *rotation.Scheduler
	ctrl     *control.Controller
	console  *control.Console
	api      *api.Server
}

// newApp builds every component. role tags the rotation log entries.
func newApp(role string, flags runtimeFlags, level slog.Level) (*App, error) {
	a := &App{role: role, flags: flags, level: level}

	inits := []func() error{
		a.initMetrics,
		a.initIndex,
		a.initScheduler,
		a.initControl,
		a.initAPI,
	}

	for _, fn := range inits {
		if err := fn(); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// initMetrics creates the prometheus registry with process collectors.
func (a *App) initMetrics() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return nil
}

// initIndex opens the pebble event index.
func (a *App) initIndex() error {
	if a.flags.Index.Path != "" {
		if err := os.MkdirAll(a.flags.Index.Path, 0755); err != nil {
			return fmt.Errorf("create index directory:\n%w", err)
		}
	}

	store, err := storage.New(a.flags.Index.Path)
	if err != nil {
		return fmt.Errorf("init index storage:\n%w", err)
	}

	a.store = store

	index, err := storage.NewEventIndex(store, a.flags.Index.Retain)
	if err != nil {
		return fmt.Errorf("init event index:\n%w", err)
	}

	a.index = index

	return nil
}

// initScheduler opens the rotation log and starts the scheduler.
func (a *App) initScheduler() error {
	sink, err := rotlog.Open(rotlog.Options{
		Path:     a.flags.Log.Path,
		MaxBytes: a.flags.Log.MaxBytes,
		Archive:  a.flags.Log.Archive,
	})
	if err != nil {
		return fmt.Errorf("open rotation log:\n%w", err)
	}

	a.fileSink = sink

	sinks := []rotation.Sink{sink, a.index}
	if a.flags.Log.Mirror {
		sinks = append(sinks, rotlog.NewSlogSink(nil, slog.LevelInfo))
	}

	sched, err := rotation.NewScheduler(
		a.flags.Rotation.policy(a.role),
		rotlog.NewMultiSink(sinks...),
		rotation.NewMetrics(a.registry),
	)
	if err != nil {
		return fmt.Errorf("init scheduler:\n%w", err)
	}

	a.sched = sched

	return nil
}

// initControl creates the controller and, when enabled, the console.
func (a *App) initControl() error {
	a.ctrl = control.New(a.sched, a.index)

	if !a.flags.Console {
		return nil
	}

	console, err := control.NewConsole(a.ctrl)
	if err != nil {
		return fmt.Errorf("init console:\n%w", err)
	}

	a.console = console

	// Keep log lines from breaking the prompt.
	slog.SetDefault(slog.New(logger.NewHandler(console.Stdout(), a.level)))

	return nil
}

// initAPI creates the HTTP server when an address is configured.
func (a *App) initAPI() error {
	if a.flags.HTTP == "" {
		return nil
	}

	a.api = api.New(a.flags.HTTP, a.ctrl, a.registry)

	return nil
}

// Admit registers conn with the scheduler.
func (a *App) Admit(conn transport.Conn) {
	if _, err := a.sched.Admit(conn); err != nil {
		logger.Warn("admit failed", "remote", conn.RemoteAddr(), "role", a.role, "error", err)
	}
}

// Run serves the operator surfaces and the given workers until ctx is
// done, the operator quits or a worker fails, then shuts down.
func (a *App) Run(ctx context.Context, workers ...func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.console != nil {
		g.Go(func() error {
			a.console.Run(ctx, cancel)
			return nil
		})
	}

	for _, w := range workers {
		g.Go(func() error { return w(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return errors.Join(err, a.Close())
}

// Close stops the scheduler, flushing its sinks, then releases storage.
func (a *App) Close() error {
	var errs []error

	if a.sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		st, _ := a.sched.Status()
		errs = append(errs, a.sched.Shutdown(ctx))
		cancel()

		logger.Info("scheduler stopped", "attempts", st.Attempts, "rotated", st.Successes)
	}

	if a.api != nil {
		errs = append(errs, a.api.Stop(context.Background()))
	}

	if a.fileSink != nil {
		errs = append(errs, a.fileSink.Close())
	}

	if a.store != nil {
		errs = append(errs, a.store.Close())
	}

	return errors.Join(errs...)
}
