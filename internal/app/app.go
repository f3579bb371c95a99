// Package app assembles the service: config, logging, storage, metrics,
// event fanout, webhook delivery, the session registry, the dispatch queue
// and the transport surface, with ordered startup and shutdown.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/events"
	"courier/internal/metrics"
	"courier/internal/notifier"
	"courier/internal/protocol"
	"courier/internal/runtime/supervisor"
	"courier/internal/server"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.JobStore
	met   *metrics.Metrics
	reg   *prometheus.Registry

	notif    *notifier.Service
	bc       *events.Broadcaster
	sessions *session.Registry
	disp     *dispatch.Service
	srv      *server.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("job store opened", logx.String("driver", storeCfg.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	webhookCfg, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(webhookCfg, met, log.With(logx.String("comp", "webhook")))

	var sink events.Sink
	if notif.Enabled() {
		sink = notif
	}
	bc := events.New(bus, sink, met)

	bridgeCfg, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory := protocol.NewBridgeFactory(bridgeCfg, log.With(logx.String("comp", "bridge")))
	sessions := session.NewRegistry(factory, bc, log.With(logx.String("comp", "session")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, store, sessions, bc, met, log.With(logx.String("comp", "dispatch")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := server.New(srvCfg, sessions, disp, bus, reg, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		met:      met,
		reg:      reg,
		notif:    notif,
		bc:       bc,
		sessions: sessions,
		disp:     disp,
		srv:      srv,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish. The
	// mapping helpers run here too so a bad duration never reaches Apply.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWebhookConfig(cfg); err != nil {
			return err
		}
		_, err := mapServerConfig(cfg)
		return err
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.disp.Start(a.sup.Context())

	a.sup.Go("http.serve", func(context.Context) error {
		return a.srv.Start()
	})
	a.sup.Go0("http.stop", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.srv.Stop(sctx)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the latest snapshot.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.log.Info("courier started")
	return nil
}

// applyReload pushes a validated config snapshot into the live services.
// Listen address, secret, store driver and bridge command are boot-only.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if dispCfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(dispCfg)
	}
	if webhookCfg, err := mapWebhookConfig(cfg); err == nil {
		a.notif.Apply(webhookCfg)
	}
	a.log.Info("config applied",
		logx.Int("dispatch_workers", cfg.Dispatch.Workers),
		logx.Bool("webhook_enabled", cfg.Webhook != nil))
}

// Stop shuts the service down in dependency order: stop intake, drain the
// queue workers, tear down sessions, flush the webhook queue, then release
// storage and logging.
func (a *App) Stop(ctx context.Context) error {
	start := time.Now()

	if a.srv != nil {
		_ = a.srv.Stop(ctx)
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.sessions != nil {
		a.sessions.DisconnectAll(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("courier stopped", logx.Duration("took", time.Since(start)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
