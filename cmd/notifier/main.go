package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"queue_notifier/internal/api"
	"queue_notifier/internal/cache"
	"queue_notifier/internal/channel"
	"queue_notifier/internal/config"
	"queue_notifier/internal/domain"
	"queue_notifier/internal/feature/account"
	"queue_notifier/internal/feature/admin"
	"queue_notifier/internal/feature/dispatch"
	"queue_notifier/internal/feature/link"
	"queue_notifier/internal/feature/report"
	"queue_notifier/internal/health"
	"queue_notifier/internal/logging"
	"queue_notifier/internal/metrics"
	"queue_notifier/internal/store"
	"queue_notifier/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	telegramInitTimeout     = 10 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	httpShutdownTimeout     = 10 * time.Second
	sequenceShutdownTimeout = 5 * time.Second
	cacheInvalidateTimeout  = 2 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":     "startup",
		"mongo_db":  cfg.MongoDB,
		"telegram":  cfg.TelegramEnabled(),
		"cache":     cfg.CacheEnabled(),
		"http_port": cfg.HTTPPort,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	accounts := domain.NewAccountRepository(mongoManager.Accounts(), mongoManager.Counters())
	notificationLogs := domain.NewNotificationLogRepository(mongoManager.NotificationLogs())
	statsProvider := store.NewStatsProvider(mongoManager.Accounts(), mongoManager.NotificationLogs())

	var redisPinger health.Pinger
	var snapshots *cache.SnapshotStore
	if cfg.CacheEnabled() {
		snapshots = cache.NewSnapshotStore(
			domain.NewSnapshotRepository(mongoManager.QueueSnapshots()),
			cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
			cache.DefaultTTL,
			logger.WithField("component", "snapshot_cache"),
		)
		redisPinger = snapshots

		invalidateCtx, cancelInvalidate := context.WithTimeout(context.Background(), cacheInvalidateTimeout)
		if err := snapshots.Invalidate(invalidateCtx); err != nil {
			logger.WithField("event", "cache_invalidate_failed").WithError(err).Warn("could not drop cached snapshot from a previous run")
		}
		cancelInvalidate()
		logger.WithFields(logging.Fields{
			"event":      "cache_enabled",
			"redis_addr": cfg.RedisAddr,
		}).Info("latest snapshot cache enabled")
	} else {
		snapshots = cache.NewSnapshotStore(domain.NewSnapshotRepository(mongoManager.QueueSnapshots()), nil, 0, logger)
	}

	linker := link.NewLinker(accounts, logger)

	var (
		tgClient   *telegram.Client
		sender     channel.TelegramSender
		botInfo    api.BotInfo
		initLinks  account.InitLinker
		tgWelcomer account.Welcomer
	)
	telegramRun := make(chan struct{})
	if cfg.TelegramEnabled() {
		tgClient, err = telegram.NewClient(cfg, linker, logger)
		if err != nil {
			logger.WithError(err).Error("telegram client setup error")
			fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
			os.Exit(1)
		}

		initCtx, cancelInit := context.WithTimeout(context.Background(), telegramInitTimeout)
		if err := tgClient.Init(initCtx); err != nil {
			logger.WithField("event", "telegram_init_failed").WithError(err).Warn("telegram bot identity unavailable, init links disabled")
		}
		cancelInit()

		sender = tgClient
		botInfo = tgClient
		initLinks = tgClient
	} else {
		close(telegramRun)
		logger.WithField("event", "telegram_disabled").Warn("telegram token not set, telegram notifications disabled")
	}

	sequencer := channel.NewSequencer(cfg.TelegramStageInterval, logger)
	telegramChannel := channel.NewTelegramChannel(sender, sequencer, cfg.QueueURL, logger,
		channel.WithLimiter(rate.NewLimiter(rate.Limit(cfg.TelegramRate), 1)),
		channel.WithStageObserver(metrics.Recorder{}),
	)
	if telegramChannel.Enabled() {
		tgWelcomer = telegramChannel
	}
	emailChannel := channel.NewEmailChannel(channel.NewResendSender(cfg.ResendAPIKey), cfg.EmailFrom, cfg.QueueURL, logger)

	dispatcher := dispatch.NewDispatcher(accounts, snapshots, notificationLogs,
		[]channel.Channel{emailChannel, telegramChannel},
		logger,
		dispatch.WithCooldown(cfg.NotifyCooldown),
		dispatch.WithRecorder(metrics.Recorder{}),
	)
	registrar := account.NewRegistrar(accounts, emailChannel, tgWelcomer, initLinks, logger)
	adminService := admin.NewService(accounts, telegramChannel, logger)

	reporter := report.NewReporter(statsProvider, sequencer, logger)
	if err := reporter.Start(cfg.StatsSchedule); err != nil {
		logger.WithError(err).Error("stats report schedule error")
		fmt.Fprintf(os.Stderr, "stats report schedule error: %v\n", err)
		os.Exit(1)
	}

	metrics.Register()
	router := api.NewRouter(
		api.NewQueueHandler(dispatcher, snapshots, statsProvider, adminService, logger),
		api.NewUserHandler(registrar, accounts, adminService, botInfo, logger),
		health.NewChecker(mongoManager, redisPinger, logger),
		metrics.Handler(),
	)
	httpServer := api.NewServer(cfg.HTTPPort, router, logger)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	if tgClient != nil {
		go func() {
			tgClient.Start(telegramCtx)
			close(telegramRun)
		}()
	}

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, shutting down")
	case err := <-httpErr:
		if err != nil {
			logger.WithField("event", "http_failed").WithError(err).Error("http server stopped unexpectedly")
		}
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Error("http shutdown error")
	}
	cancelHTTP()

	cancelTelegram()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-telegramRun:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	reportCtx, cancelReport := context.WithTimeout(context.Background(), sequenceShutdownTimeout)
	if err := reporter.Stop(reportCtx); err != nil {
		logger.WithError(err).Warn("stats reporter stop error")
	}
	cancelReport()

	seqCtx, cancelSeq := context.WithTimeout(context.Background(), sequenceShutdownTimeout)
	if err := sequencer.Shutdown(seqCtx); err != nil {
		logger.WithError(err).Warn("telegram sequences did not drain")
	}
	cancelSeq()

	if err := snapshots.Close(); err != nil {
		logger.WithError(err).Warn("redis close error")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
