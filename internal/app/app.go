// Package app builds every component from config and runs the bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"campbridge/internal/bridge"
	"campbridge/internal/config"
	"campbridge/internal/cursor"
	"campbridge/internal/destination"
	"campbridge/internal/eventbus"
	"campbridge/internal/feed"
	"campbridge/internal/format"
	"campbridge/internal/metrics"
	"campbridge/internal/observability/ops"
	rtsup "campbridge/internal/runtime/supervisor"
	"campbridge/internal/stats"
	logx "campbridge/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sec  sections

	runID string
	logs  *logx.Service
	log   logx.Logger

	bus     eventbus.Bus
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	stats   *stats.Reporter
	ops     *ops.Server

	store  cursor.Store
	poller *feed.Poller
	sender destination.Sender
	to     string
	pacer  *rate.Limiter
	loop   *bridge.Loop

	sup       *rtsup.Supervisor
	startedAt time.Time
	start     cursor.Cursor
	loopDone  atomic.Bool

	statsMu  sync.Mutex
	statsSup *rtsup.Supervisor
}

// New loads and validates the config and opens the cursor store. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sec, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logs, root := logx.New(cfg.Logging.Logx())
	root = root.With(logx.String("run_id", runID))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	store, err := cursor.Open(storeConfig(sec.state), root.With(logx.String("comp", "cursor")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	sender, to, err := newSender(sec.destination)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.MustRegister(reg, bus)

	a := &App{
		cfgm:    cfgm,
		sec:     sec,
		runID:   runID,
		logs:    logs,
		log:     log,
		bus:     bus,
		reg:     reg,
		metrics: m,
		stats:   stats.New(root.With(logx.String("comp", "stats"))),
		store:   store,
		poller:  feed.New(feedConfig(sec.upstream), root.With(logx.String("comp", "feed"))),
		sender:  sender,
		to:      to,
		pacer:   bridge.NewPacer(sec.destination.Pace),
	}
	a.ops = ops.New(opsConfig(sec.ops), root, reg, a.health)
	return a, nil
}

// RunID identifies this process in logs.
func (a *App) RunID() string { return a.runID }

// Done is closed when the app stops running (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start resolves the resume cursor and launches the delivery loop and its
// supporting tasks.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	a.startedAt = time.Now()

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	start, stored := cursor.Resolve(loadCtx, a.store, a.startedAt, a.sec.upstream.InitialHistoryHours, a.log)
	cancel()
	a.start = start

	dst := a.sec.destination
	loop, err := bridge.New(bridge.Options{
		Store:         a.store,
		Journal:       cursor.JournalOf(a.store),
		Fetcher:       a.poller,
		Formatter:     format.New(a.to, a.log.With(logx.String("comp", "format"))),
		Sender:        a.sender,
		Pacer:         a.pacer,
		Bus:           a.bus,
		Log:           a.log.With(logx.String("comp", "bridge")),
		Start:         start,
		Stored:        stored,
		PollInterval:  a.sec.upstream.PollInterval,
		MaxBackoff:    a.sec.upstream.MaxBackoff,
		SendTimeout:   dst.SendTimeout,
		RetryMax:      dst.RetryMax,
		RetryBase:     dst.RetryBase,
		RetryMaxDelay: dst.RetryMaxDelay,
	})
	if err != nil {
		return err
	}
	a.loop = loop

	if err := a.ops.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error {
		a.metrics.Consume(c, a.bus)
		return nil
	})
	a.startStats(a.sec.stats)

	a.sup.Go("bridge.loop", func(c context.Context) error {
		defer a.loopDone.Store(true)
		return a.loop.Run(c)
	})
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log.With(logx.String("comp", "systemd")), a.alive)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("campbridge started",
		logx.String("cursor", start.String()),
		logx.Bool("cursor_from_store", stored),
		logx.String("destination", dst.Driver),
		logx.String("to", a.to),
		logx.String("state_driver", a.sec.state.Driver),
		logx.String("ops_addr", a.ops.Addr()),
	)
	return nil
}

// Run starts the app and blocks until ctx is cancelled or a fatal error
// stops it, then shuts down. It returns the fatal error, if any.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.stopBudget())
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}
	<-a.Done()

	reason := StopSignal
	err := a.Err()
	if err != nil {
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), a.stopBudget())
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return err
}

// Stop cancels every task, flushes the committed cursor and releases
// resources. ctx bounds the whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.sup != nil {
		a.sup.Cancel()
	}

	var flushErr error
	a.step(ctx, "supervisor", a.loopBudget(), func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		err := a.sup.Wait(c)
		if errors.Is(err, bridge.ErrFatalUpstream) {
			return nil
		}
		return err
	})
	a.step(ctx, "stats", time.Second, func(c context.Context) error { return a.stopStats(c) })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { return a.ops.Stop(c) })
	a.step(ctx, "cursor.flush", 5*time.Second, func(c context.Context) error {
		if a.loop == nil {
			return nil
		}
		// a fatal stop before any delivery leaves the state as it was
		if reason == StopFatalError && a.loop.Committed() == a.start {
			return nil
		}
		flushErr = a.loop.Flush(c)
		if flushErr == nil {
			a.log.Info("cursor saved", logx.String("cursor", a.loop.Committed().String()))
		}
		return flushErr
	})
	a.step(ctx, "cursor.close", time.Second, func(c context.Context) error {
		if a.loop != nil && !a.loopDone.Load() {
			a.log.Warn("delivery loop still running; leaving cursor store open")
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if flushErr != nil {
		return fmt.Errorf("flush cursor: %w", flushErr)
	}
	return nil
}

// loopBudget bounds how long the delivery loop may take to return after
// cancellation: an in-flight send, its journal append and the cursor save
// each run detached under SendTimeout.
func (a *App) loopBudget() time.Duration {
	return 3*a.sec.destination.SendTimeout + 2*time.Second
}

// stopBudget covers loopBudget plus the remaining stop steps.
func (a *App) stopBudget() time.Duration {
	return a.loopBudget() + 10*time.Second
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// startStats (re)starts the scheduled summary under its own supervisor so
// a reload can replace it without touching the other tasks.
func (a *App) startStats(sc config.StatsConfig) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if !sc.Enabled || a.sup == nil {
		return
	}
	sup := rtsup.New(a.sup.Context(), rtsup.WithLogger(a.log.With(logx.String("comp", "stats"))))
	sup.Go("stats.report", func(c context.Context) error {
		return a.stats.Run(c, a.bus, sc.Schedule)
	})
	a.statsSup = sup
}

func (a *App) stopStats(ctx context.Context) error {
	a.statsMu.Lock()
	sup := a.statsSup
	a.statsSup = nil
	a.statsMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// reloadLoop applies hot-reloaded config until ctx is done.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if slices.Contains(changed, "logging") {
		a.logs.Apply(newCfg.Logging.Logx())
	}
	if slices.Contains(changed, "destination.pace") {
		if d, err := newCfg.Destination.Resolve(); err == nil {
			bridge.SetPace(a.pacer, d.Pace)
		}
	}
	if slices.Contains(changed, "ops") {
		if o, err := newCfg.Ops.Resolve(); err == nil {
			if err := a.ops.Reconfigure(ctx, opsConfig(o)); err != nil {
				a.log.Warn("ops server reconfigure failed", logx.Err(err))
			}
		}
	}
	if slices.Contains(changed, "stats") {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = a.stopStats(stopCtx)
		cancel()
		a.startStats(config.StatsOrDefault(newCfg.Stats))
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")),
		)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// staleAfter is how long without a successful poll before /healthz fails.
func (a *App) staleAfter() time.Duration {
	return 2*a.sec.upstream.MaxBackoff + a.sec.upstream.RequestTimeout
}

func (a *App) alive() bool {
	return a.health().OK
}

func (a *App) health() ops.Health {
	if a.loop == nil {
		return ops.Health{OK: false, Reason: "starting"}
	}
	st := a.loop.Status()
	h := ops.Health{
		OK:          true,
		Cursor:      st.Committed.String(),
		Saved:       st.Saved.String(),
		Backoff:     st.Backoff.String(),
		LastPoll:    st.LastPoll,
		LastSuccess: st.LastSuccess,
	}
	if a.sup != nil {
		h.Tasks = a.sup.Snapshot()
	}

	ref := st.LastSuccess
	if ref.IsZero() {
		ref = a.startedAt
	}
	switch {
	case a.loopDone.Load():
		h.OK = false
		h.Reason = "delivery loop stopped"
	case time.Since(ref) > a.staleAfter():
		h.OK = false
		h.Reason = fmt.Sprintf("no successful poll for %s", time.Since(ref).Round(time.Second))
	}
	return h
}
