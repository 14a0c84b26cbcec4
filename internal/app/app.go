package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifybot/internal/config"
	"notifybot/internal/delivery"
	"notifybot/internal/eventbus"
	"notifybot/internal/heartbeat"
	"notifybot/internal/queue"
	"notifybot/internal/ratelimit"
	"notifybot/internal/runtime/supervisor"
	"notifybot/internal/server"
	"notifybot/internal/source/kafka"
	tgsource "notifybot/internal/source/telegram"
	"notifybot/internal/storage"
	"notifybot/internal/transport"
	"notifybot/internal/transport/telegram"
	logx "notifybot/pkg/logx"
)

const healthCheckTimeout = 10 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	ledger   storage.Ledger
	client   transport.Client
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	disp     *delivery.Dispatcher
	pipeline *delivery.Pipeline

	http    *server.Server
	channel *tgsource.Channel
	kafka   *kafka.Consumer
	beat    *heartbeat.Heartbeat

	healthCheck    bool
	attemptTimeout atomic.Int64
	startedAt      time.Time
}

// NewApp loads the config at cfgPath and wires every component. All errors
// are *FatalConfigurationError.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fatal("load config", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fatal("validate config", err)
	}
	st, err := buildSettings(cfg)
	if err != nil {
		return nil, fatal("delivery settings", err)
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, fatal("storage", err)
	}
	cc, err := mapClient(cfg)
	if err != nil {
		return nil, fatal("telegram", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))

	client, err := telegram.New(cc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fatal("telegram client", err)
	}
	ledger, err := storage.Open(sc, log.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fatal("open ledger", err)
	}

	a := &App{
		cfgm:        cfgm,
		log:         log.With(logx.String("comp", "app")),
		logs:        logSvc,
		bus:         eventbus.New(),
		ledger:      ledger,
		client:      client,
		healthCheck: config.BoolOr(cfg.Telegram.HealthCheck, true),
	}
	a.attemptTimeout.Store(int64(st.dispatcher.AttemptTimeout))
	a.wireCore(cfg, st, log)
	if err := a.wireSources(cfg, log); err != nil {
		_ = ledger.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.log.Info("app configured",
		logx.String("ledger", sc.Driver),
		logx.String("parse_mode", st.formatter.ParseMode()),
		logx.Int("queue_capacity", st.queue.Capacity),
	)
	return a, nil
}

func (a *App) wireCore(cfg *config.Config, st settings, log logx.Logger) {
	a.queue = queue.New(st.queue, a.ledger, log.With(logx.String("comp", "queue")))
	a.limiter = ratelimit.New(st.limiter)
	a.disp = delivery.NewDispatcher(delivery.Deps{
		Queue:   a.queue,
		Limiter: a.limiter,
		Ledger:  a.ledger,
		Client:  a.client,
		Bus:     a.bus,
		Log:     log,
	}, st.dispatcher)
	a.pipeline = delivery.NewPipeline(st.formatter, a.queue, cfg.Telegram.ChatID.String(), a.bus, log)
}

func (a *App) wireSources(cfg *config.Config, log logx.Logger) error {
	src := cfg.Sources
	if src.HTTP.Enabled {
		a.http = server.New(mapServer(cfg), server.Deps{Submitter: a.pipeline, Status: a.Status, Log: log})
	}
	if src.TelegramChannel.Enabled {
		cc, err := mapChannel(cfg)
		if err != nil {
			return fatal("telegram channel source", err)
		}
		if a.channel, err = tgsource.New(cc, a.pipeline, log); err != nil {
			return fatal("telegram channel source", err)
		}
	}
	if src.Kafka.Enabled {
		k, err := kafka.New(mapKafka(cfg), a.pipeline, log)
		if err != nil {
			return fatal("kafka source", err)
		}
		a.kafka = k
	}
	if cfg.Heartbeat.Enabled {
		hb, err := heartbeat.New(mapHeartbeat(cfg), a.pipeline, log)
		if err != nil {
			return fatal("heartbeat", err)
		}
		a.beat = hb
	}
	return nil
}

// Pipeline is the intake every source submits to.
func (a *App) Pipeline() *delivery.Pipeline { return a.pipeline }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal runtime error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start probes the Bot API and launches every goroutine.
func (a *App) Start(ctx context.Context) error {
	if a.healthCheck {
		if err := a.checkBot(ctx); err != nil {
			return err
		}
	}

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.startedAt = time.Now()

	a.sup.Go("dispatcher", a.disp.Run)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.LogEvents(c, a.bus, a.log.With(logx.String("comp", "bus")))
	})

	if a.http != nil {
		a.sup.GoRestart("source.http", a.http.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}
	if a.channel != nil {
		a.sup.GoRestart("source.telegram", a.channel.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}
	if a.kafka != nil {
		a.sup.GoRestart("source.kafka", a.kafka.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	if a.beat != nil {
		a.sup.Go("heartbeat", a.beat.Run)
	}

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := buildSettings(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log, func() bool { return a.sup.Err() == nil })
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// checkBot calls getMe. A rejected token or an unreachable API both stop
// startup; nothing could be delivered otherwise.
func (a *App) checkBot(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	me, err := a.client.GetMe(cctx)
	if err != nil {
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			return fatal("telegram.getMe", fmt.Errorf("bot token rejected: %w", err))
		}
		return fatal("telegram.getMe", err)
	}
	a.log.Info("bot identity confirmed", logx.String("username", me.Username), logx.Int64("id", me.ID))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Anything that needs a restart is only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	change := config.SummarizeChange(prev, next)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogging(next))

	st, err := buildSettings(next)
	if err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		return
	}
	a.queue.Resize(st.queue)
	a.limiter.Apply(st.limiter)
	a.disp.Apply(st.dispatcher)
	a.pipeline.SetFormatter(st.formatter)
	a.attemptTimeout.Store(int64(st.dispatcher.AttemptTimeout))

	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(change.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config applied", fields...)
}

// Status is the body of GET /v1/status.
type Status struct {
	StartedAt  time.Time           `json:"started_at"`
	Queue      queue.Stats         `json:"queue"`
	Delivery   delivery.Stats      `json:"delivery"`
	RateLimit  ratelimit.Config    `json:"rate_limit"`
	Bus        eventbus.Stats      `json:"bus"`
	Goroutines supervisor.Snapshot `json:"goroutines"`
}

func (a *App) Status() any {
	s := Status{
		StartedAt: a.startedAt,
		Queue:     a.queue.Snapshot(),
		Delivery:  a.disp.Snapshot(),
		RateLimit: a.limiter.Config(),
		Bus:       a.bus.Stats(),
	}
	if a.sup != nil {
		s.Goroutines = a.sup.Snapshot()
	}
	return s
}

// Stop stops dequeuing, lets the in-flight send finish (bounded by the
// attempt timeout and ctx), then closes the ledger.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	grace := time.Duration(a.attemptTimeout.Load()) + 2*time.Second
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := a.sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("goroutine error during shutdown", logx.Err(err))
	} else if wctx.Err() != nil {
		a.log.Warn("shutdown grace period elapsed", logx.Duration("grace", grace))
	}

	snap := a.queue.Snapshot()
	a.log.Info("stopped", logx.Int("pending", snap.Pending), logx.Int("in_flight", snap.InFlight))
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
