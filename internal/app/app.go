// Package app wires the compliance engine into one process: store, queue,
// processors, cron table, config hot reload and service readiness.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"compliancekit/internal/config"
	"compliancekit/internal/cron"
	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	"compliancekit/internal/jobs"
	"compliancekit/internal/materializer"
	"compliancekit/internal/notify"
	"compliancekit/internal/queue"
	"compliancekit/internal/ratelimit"
	"compliancekit/internal/runtime/supervisor"
	"compliancekit/internal/sla"
	"compliancekit/internal/store"
	"compliancekit/internal/trigger"
	logx "compliancekit/pkg/logx"
)

var ErrNotStarted = errors.New("app: not started")

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	redis *redis.Client

	queue        *queue.Service
	cron         *cron.Service
	notify       *notify.Service
	materializer *materializer.Service
	triggers     *trigger.Service
	sla          *sla.Tracker

	oneShot  bool
	sdNotify func(state string) (bool, error)
}

type options struct {
	store    store.Store
	now      func() time.Time
	oneShot  bool
	sdNotify func(state string) (bool, error)
}

type Option func(*options)

// WithStore uses st instead of opening storage from the config.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithClock overrides time.Now for every domain service.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// OneShot starts only the queue: no cron table and no config watcher.
func OneShot() Option { return func(o *options) { o.oneShot = true } }

// WithReadyNotifier replaces the systemd notify socket call.
func WithReadyNotifier(fn func(state string) (bool, error)) Option {
	return func(o *options) { o.sdNotify = fn }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{now: time.Now, sdNotify: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		oneShot:  o.oneShot,
		sdNotify: o.sdNotify,
	}
	if err := a.build(ctx, cfg, log, o); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger, o options) error {
	a.store = o.store
	if a.store == nil {
		sc, _ := mapStoreConfig(cfg)
		st, err := store.Open(ctx, sc, log.With(logx.String("comp", "store")))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		a.store = st
	}

	var qopts []queue.Option
	qopts = append(qopts, queue.WithBus(a.bus))
	if cfg.Redis != nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Redis.Addr),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.redis.Ping(pctx).Err(); err != nil {
			a.log.Warn("redis unreachable; locks and rate limits fail open until it recovers", logx.Err(err))
		}
		cancel()
		qopts = append(qopts,
			queue.WithLocker(queue.NewRedisLocker(a.redis)),
			queue.WithRateStore(ratelimit.NewRedisStore(a.redis)),
		)
		a.log.Info("redis coordination enabled", logx.String("addr", cfg.Redis.Addr))
	}

	matCfg, _ := mapMaterializerConfig(cfg)
	trigCfg, _ := mapTriggerConfig(cfg)
	slaCfg, _ := mapSLAConfig(cfg)
	retention, _ := mapRetention(cfg)
	queueCfg, _ := mapQueueConfig(cfg)
	cronCfg, _ := mapCronConfig(cfg)

	a.notify = notify.New(a.store, log, notify.WithBus(a.bus), notify.WithClock(o.now))
	a.materializer = materializer.New(matCfg, a.store, log, materializer.WithClock(o.now))
	trig, err := trigger.New(trigCfg, a.store, log, trigger.WithClock(o.now), trigger.WithBus(a.bus))
	if err != nil {
		return fmt.Errorf("trigger service: %w", err)
	}
	a.triggers = trig
	a.sla = sla.New(slaCfg, a.store, a.notify, log, sla.WithClock(o.now))

	reg := queue.NewRegistry()
	if err := jobs.Register(reg, jobs.Deps{
		Materializer: a.materializer,
		Triggers:     a.triggers,
		SLA:          a.sla,
		Jobs:         a.store,
		Retention:    retention,
		Now:          o.now,
		Log:          log,
	}); err != nil {
		return err
	}
	a.queue = queue.New(queueCfg, reg, a.store, log, qopts...)

	a.cron = cron.New(cronCfg, a.queue, log)
	if err := a.cron.RegisterTable(jobs.DefaultTable()); err != nil {
		return fmt.Errorf("register job table: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Store exposes the persistence layer to operators and tests.
func (a *App) Store() store.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Queue() *queue.Service { return a.queue }

func (a *App) Cron() *cron.Service { return a.cron }

// Enqueue submits a job on its default queue. Conditional triggers are the
// main on-demand caller:
//
//	app.Enqueue(ctx, jobs.ConditionalTrigger, trigger.Event{...})
func (a *App) Enqueue(ctx context.Context, jobType domain.JobType, payload any, opts ...queue.EnqueueOption) (string, error) {
	if a.sup == nil {
		return "", ErrNotStarted
	}
	return a.queue.Enqueue(ctx, jobType, "", payload, opts...)
}

// RunOnce enqueues a job and waits for its terminal row.
func (a *App) RunOnce(ctx context.Context, jobType domain.JobType, payload any) (domain.BackgroundJob, error) {
	id, err := a.Enqueue(ctx, jobType, payload)
	if err != nil {
		return domain.BackgroundJob{}, err
	}
	return a.queue.Await(ctx, id)
}

func (a *App) closeResources() {
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
}
