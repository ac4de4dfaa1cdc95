package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"egoipush/internal/config"
	"egoipush/internal/eventbus"
	"egoipush/internal/inbox"
	"egoipush/internal/metrics"
	"egoipush/internal/notify"
	"egoipush/internal/permission"
	rtsup "egoipush/internal/runtime/supervisor"
	"egoipush/internal/simhost"
	"egoipush/internal/storage"
	"egoipush/pkg/egoipush"
	logx "egoipush/pkg/logx"
)

func main() {
	var (
		cfgPath string
		addr    string
	)
	flag.StringVar(&cfgPath, "config", "./egoipush.yaml", "path to config yaml/json")
	flag.StringVar(&addr, "addr", "", "inbox listen address (overrides http.addr)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, addr); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, addrOverride string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	logSvc, root := logx.New(cfg.LogOptions())
	defer logSvc.Close()
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	log := root.With(logx.String("comp", "sim"))

	sc, err := cfg.StorageOptions()
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	outboxCfg, err := cfg.OutboxOptions()
	if err != nil {
		return err
	}
	apiCfg, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	geoCfg, err := cfg.GeofenceOptions()
	if err != nil {
		return err
	}
	timeouts, err := cfg.HTTPTimeouts()
	if err != nil {
		return err
	}

	m := metrics.New()
	lifecycle := eventbus.New[eventbus.Event]()
	interactions := eventbus.New[notify.Interaction]()

	monitor := simhost.NewMonitor(root)
	tray := simhost.NewTray(interactions, root)
	perms := simhost.NewPlatform(cfg.App.GrantAll, root)
	if cfg.App.GrantAll {
		perms.Grant(permission.CoarseLocation, permission.FineLocation, permission.BackgroundLocation, permission.PostNotifications)
	}

	client := egoipush.New(store, egoipush.Platform{
		Monitor:     monitor,
		Tray:        tray,
		Browser:     simhost.NewBrowser(root),
		Permissions: perms,
	},
		egoipush.WithLogger(root),
		egoipush.WithMetrics(m),
		egoipush.WithBus(lifecycle),
		egoipush.WithInteractions(interactions),
		egoipush.WithOutboxConfig(outboxCfg),
		egoipush.WithAPIConfig(apiCfg),
		egoipush.WithGeofenceConfig(geoCfg),
		egoipush.WithMaxProcessed(cfg.Dedup.MaxEntries),
	)

	sup := rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	perms.OnResult(func(code int, grants []bool) {
		client.HandlePermissionResult(sup.Context(), code, grants)
	})

	if err := client.Start(sup.Context()); err != nil {
		return err
	}
	configure(sup.Context(), client, cfg, log)

	addr := strings.TrimSpace(addrOverride)
	if addr == "" {
		addr = cfg.HTTPAddr()
	}
	var ready atomic.Bool
	srv := &http.Server{
		Addr: addr,
		Handler: inbox.New(client, monitor, tray,
			inbox.WithLogger(root),
			inbox.WithMetrics(m),
			inbox.WithProfiler(cfg.HTTP.Pprof),
			inbox.WithReady(func() bool { return ready.Load() }),
		).Routes(),
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
	}
	sup.Go("inbox.http", func(c context.Context) error {
		log.Info("inbox listening", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sup.GoRestart("config.watch", cfgm.Watch)

	events, unsub := lifecycle.Subscribe(128)
	sup.Go("lifecycle.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sup.Go("config.reload", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case ch := <-cfgm.Changes():
				reload(c, client, logSvc, ch, log)
			}
		}
	})

	ready.Store(true)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	<-sup.Context().Done()
	ready.Store(false)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("inbox shutdown", logx.Err(err))
	}
	if err := client.Stop(sctx); err != nil {
		log.Warn("sdk stop", logx.Err(err))
	}
	sup.Cancel()
	_ = sup.Wait(sctx)
	return sup.Err()
}

func configure(ctx context.Context, client *egoipush.Client, cfg *config.Config, log logx.Logger) {
	if strings.TrimSpace(cfg.App.AppID) == "" || strings.TrimSpace(cfg.App.APIKey) == "" {
		log.Warn("app credentials not set; events and tokens will not be reported")
		return
	}
	err := client.Configure(ctx, egoipush.ConfigureOptions{
		AppID:          cfg.App.AppID,
		APIKey:         cfg.App.APIKey,
		OpenAppAction:  cfg.App.OpenAppAction,
		ActivityTarget: cfg.App.ActivityTarget,
		GeoEnabled:     cfg.GeoEnabled(),
	})
	if err != nil {
		log.Warn("configure failed", logx.Err(err))
	}
}

func reload(ctx context.Context, client *egoipush.Client, logSvc *logx.Service, ch config.Change, log logx.Logger) {
	next := ch.New
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	log.Info("config reloaded", fields...)

	if ch.Has("logging") {
		logSvc.Apply(next.LogOptions())
	}
	if ch.Has("app") {
		configure(ctx, client, next, log)
	}
	if r := ch.Restart(); len(r) > 0 {
		log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(r, ",")))
	}

	oc, err := next.OutboxOptions()
	if err != nil {
		log.Warn("outbox config rejected", logx.Err(err))
		return
	}
	gc, err := next.GeofenceOptions()
	if err != nil {
		log.Warn("geofence config rejected", logx.Err(err))
		return
	}
	client.Apply(oc, gc)
}
