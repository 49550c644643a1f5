package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"compliancekit/internal/config"
	"compliancekit/internal/runtime/supervisor"
	logx "compliancekit/pkg/logx"
)

// Start runs the queue, recovers jobs left by a previous process, arms the
// cron table and the config watcher, then reports readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.queue.Start(a.sup.Context())
	if a.queue.Enabled() {
		if _, err := a.queue.Recover(a.sup.Context()); err != nil {
			a.log.Warn("job recovery failed", logx.Err(err))
		}
	}

	a.sup.Go0("eventbus.log", a.logEvents)

	if !a.oneShot {
		a.cron.Start(a.sup.Context())

		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validate)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("one_shot", a.oneShot), logx.Bool("queue", a.queue.Enabled()), logx.Bool("scheduler", a.cron.Enabled()))
	return nil
}

func (a *App) logEvents(c context.Context) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies the hot-reloadable sections (logging, scheduler) and
// warns about the ones that need a restart.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
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
			a.applyConfig(c, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	cronCfg, err := mapCronConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.cron.Enabled()
		a.cron.Apply(cronCfg)
		switch {
		case wasEnabled && !cronCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.cron.Stop(stopCtx)
			cancel()
		case !wasEnabled && cronCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			a.cron.Start(c)
		}
	}

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Every step is bounded;
// a step that overruns is logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	a.step(ctx, "queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	a.step(ctx, "store", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) notifySystemd(state string) {
	if a.sdNotify == nil {
		return
	}
	sent, err := a.sdNotify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
