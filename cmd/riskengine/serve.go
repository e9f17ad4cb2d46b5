package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-riskengine/config"
	"trading-riskengine/internal/api"
	"trading-riskengine/internal/broker"
	"trading-riskengine/internal/execution"
	"trading-riskengine/internal/gateway"
	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/markethours"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/monitor"
	"trading-riskengine/internal/notification"
	"trading-riskengine/internal/risk"
	"trading-riskengine/internal/scheduler"
	sig "trading-riskengine/internal/signal"
	"trading-riskengine/internal/store/postgres"
	redisstore "trading-riskengine/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, websocket gateway and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("riskengine")
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Println("[riskengine] starting...")
	log.Printf("[riskengine] market %s", markethours.StatusString(time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	// Data Store
	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Println("[riskengine] data store ready")

	journal, err := execution.NewJournal(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer journal.Close()

	cache := risk.NewCache(store)
	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("load risk profiles: %w", err)
	}
	m.ProfilesCached.Set(float64(cache.Len()))
	log.Printf("[riskengine] %d risk profiles cached", cache.Len())

	// Notification hub
	auth, err := gateway.NewJWTAuth(cfg.JWTSecret, store)
	if err != nil {
		return err
	}
	hub := gateway.NewHub(auth, gateway.Config{HeartbeatInterval: cfg.HeartbeatInterval}, m)
	defer hub.Close()
	go hub.RunHeartbeat(ctx)
	health.SessionCount = hub.ClientCount

	var rdb *goredis.Client
	if cfg.RedisEnabled() {
		rdb, err = redisstore.Open(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer rdb.Close()

		relay := redisstore.NewRelay(rdb, 0, cfg.CallTimeout)
		hub.SetRelay(relay)
		go relay.Run(ctx, hub.DeliverRaw)

		bus := redisstore.NewProfileBus(rdb, cfg.CallTimeout)
		cache.OnUpdate = bus.Publish
		go bus.Run(ctx, cache.Reload)
		log.Printf("[riskengine] redis relay on %s", cfg.RedisAddr)
	} else {
		log.Println("[riskengine] REDIS_ADDR not set, gateway runs single-instance")
	}

	// Broker gateway
	var (
		resolver model.BrokerResolver
		book     *execution.QuoteBook
	)
	switch cfg.BrokerMode {
	case config.BrokerSmartAPI:
		bcfg := broker.Config{
			RootURL:         cfg.BrokerRootURL,
			Timeout:         cfg.CallTimeout,
			RateLimit:       cfg.BrokerRateLimit,
			RateBurst:       cfg.BrokerRateBurst,
			BreakerFailures: cfg.BrokerBreakerFailures,
			BreakerReset:    cfg.BrokerBreakerReset,
		}
		resolver = broker.NewRegistry(store, func(creds model.BrokerCredentials) model.Broker {
			return broker.NewClient(creds, bcfg, m)
		})
	default:
		book = execution.NewQuoteBook()
		for symbol, price := range execution.ParseSeeds(cfg.PaperQuotes) {
			book.Set(symbol, price)
		}
		resolver = execution.NewPaperAccounts(book, cfg.PaperSlippageBps)
	}
	log.Printf("[riskengine] broker mode %s", cfg.BrokerMode)

	alerts := buildNotifier(cfg)
	locks := keylock.New()

	liq := execution.NewLiquidator(store, resolver, journal, m, cfg.CallTimeout)
	executor := execution.NewExecutor(store, cache, resolver, liq, journal, hub, locks, m, cfg.CallTimeout)
	executor.MarketHoursOnly = cfg.ExecuteMarketHoursOnly
	mon := monitor.New(store, cache, resolver, liq, hub, locks, m,
		monitor.Config{CallTimeout: cfg.CallTimeout, Workers: cfg.WorkerLimit})
	enforcer := risk.NewEnforcer(store, cache, liq, hub, alerts, locks, m,
		risk.EnforcerConfig{CallTimeout: cfg.CallTimeout, Workers: cfg.WorkerLimit})
	generator := sig.NewGenerator(store, cache, resolver, hub, nil, m,
		sig.Config{CallTimeout: cfg.CallTimeout, Workers: cfg.WorkerLimit})
	entries := execution.NewEntryConfirmer(store, resolver, hub, locks, m, cfg.CallTimeout)
	reset := risk.NewDailyReset(store, cfg.ViolationRetention, cfg.CallTimeout)

	// Scheduler
	sched := scheduler.New(m)
	runners := jobRunners{
		Monitor:    mon.Tick,
		Enforcer:   enforcer.Tick,
		Entries:    entries.Tick,
		Signals:    generator.Tick,
		DailyReset: reset.Run,
		ProfileRefresh: func(ctx context.Context) error {
			if err := cache.Refresh(ctx); err != nil {
				return err
			}
			m.ProfilesCached.Set(float64(cache.Len()))
			return nil
		},
		JournalCheck: func(ctx context.Context) error {
			err := journal.Ping(ctx)
			health.SetJournalOK(err == nil)
			return err
		},
	}
	if book != nil {
		runners.PaperQuotes = book.Walk
	}
	jobs := buildJobs(cfg, runners)
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	health.SetSchedulerOK(true)

	// Observability
	health.StartLivenessChecker(ctx, store.DB(), rdb, 15*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// HTTP API
	router := api.NewRouter(api.Dependencies{
		Hub:        hub,
		Auth:       auth,
		Profiles:   cache,
		Metrics:    enforcer,
		Violations: store,
		Signals:    executor,
		Health:     health,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[riskengine] http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		log.Printf("[riskengine] received %v, shutting down...", s)
	case err := <-serveErr:
		log.Printf("[riskengine] http server failed: %v", err)
	}

	// In-flight jobs finish against live dependencies before anything closes.
	health.SetSchedulerOK(false)
	if err := sched.Stop(cfg.ShutdownGrace); err != nil {
		log.Printf("[riskengine] %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[riskengine] http shutdown: %v", err)
	}
	metricsSrv.Stop(shutdownCtx)
	cancel()

	log.Println("[riskengine] stopped")
	return nil
}

// buildNotifier fans operator alerts out to the log and any configured
// webhook or Telegram chat. Remote backends only see warnings and above.
func buildNotifier(cfg *config.Config) notification.Notifier {
	var remote notification.Multi
	if cfg.AlertWebhookURL != "" {
		remote = append(remote, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		remote = append(remote, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}

	all := notification.Multi{notification.NewLogNotifier()}
	if len(remote) > 0 {
		all = append(all, notification.LevelFilter{Min: notification.AlertWarning, Next: remote})
	}
	return all
}
