package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shopfront/Main/coupon-engine/internal/allocator"
	"github.com/shopfront/Main/coupon-engine/internal/channel"
	"github.com/shopfront/Main/coupon-engine/internal/config"
	"github.com/shopfront/Main/coupon-engine/internal/httpserver"
	"github.com/shopfront/Main/coupon-engine/internal/issuance"
	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/migrations"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
	"github.com/shopfront/Main/coupon-engine/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if cfg.MigrateOnStart {
		if err := migrations.Up(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	st := store.NewPGStore(db)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("ping redis: %v", err)
		}
	}

	instance := lock.InstanceID()
	settings := lock.Settings{Wait: cfg.LockWait, Lease: cfg.LockLease}
	var locker lock.Locker
	if cfg.LockBackend == config.LockBackendRedis {
		locker = lock.NewRedisLocker(rdb, settings, lock.WithPrefix(cfg.LockPrefix), lock.WithInstanceID(instance))
	} else {
		log.Warn("LOCK_BACKEND=memory: allocation is only serialized within this process")
		locker = lock.NewMemoryLocker(settings)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logOpts := []outbox.Option{outbox.WithLogger(log)}
	if cfg.S3Bucket != "" {
		archiver, err := outbox.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		logOpts = append(logOpts, outbox.WithArchiver(archiver))
	}
	outboxLog := outbox.NewLog(st, logOpts...)

	// The dead-letter handler publishes through the channel it is attached to.
	var deadLetter *issuance.DeadLetter
	deadLetterFn := func(ctx context.Context, d channel.Delivery, cause error) error {
		return deadLetter.Handle(ctx, d, cause)
	}

	var ch channel.Channel
	switch cfg.Channel {
	case config.ChannelKafka:
		ch, err = channel.NewKafkaChannel(channel.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			GroupID:       cfg.KafkaGroupID,
			MaxDeliveries: cfg.Stream.MaxDeliveries,
			DeadLetter:    deadLetterFn,
		}, outboxLog, log)
	default:
		ch, err = channel.NewStreamChannel(rdb, cfg.Stream, outboxLog,
			channel.WithDeadLetter(deadLetterFn), channel.WithStreamLogger(log))
	}
	if err != nil {
		log.Fatalf("channel: %v", err)
	}

	topics := issuance.Topics{
		Requests:      cfg.TopicIssueRequests,
		Results:       cfg.TopicIssueResults,
		Notifications: cfg.TopicNotifications,
	}
	producer := issuance.NewProducer(outboxLog, ch, topics, log)
	deadLetter = issuance.NewDeadLetter(outboxLog, producer, log)
	engine := allocator.NewEngine(locker, st, allocator.WithLogger(log))

	var results issuance.ResultSink = issuance.NewMemoryResultSink()
	var redisPing func(context.Context) error
	if rdb != nil {
		results = issuance.NewRedisResultSink(rdb, 0)
		redisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	router := &issuance.Router{
		Requests:      issuance.NewRequestConsumer(engine, outboxLog, producer, instance, log),
		Results:       issuance.NewResultConsumer(outboxLog, results, log),
		Notifications: issuance.NewNotificationConsumer(outboxLog, log),
		Log:           log,
	}
	reconciler := outbox.NewReconciler(st, outbox.ReconcilerConfig{
		StuckAfter: cfg.OutboxStuckAfter,
		Interval:   cfg.OutboxReconcileInterval,
	}, log)
	sweep, err := sweeper.New(st, cfg.ExpirySweepSchedule, log)
	if err != nil {
		log.Fatalf("expiry sweeper: %v", err)
	}

	server := httpserver.New(httpserver.Deps{
		Store:      st,
		Engine:     engine,
		Producer:   producer,
		Outbox:     outboxLog,
		Results:    results,
		Reconciler: reconciler,
		Locker:     locker,
		RedisPing:  redisPing,
		Instance:   instance,
		Log:        log,
	}, httpserver.Options{
		JWTSecret:      cfg.JWTSecret,
		IssueRateLimit: cfg.IssueRateLimit,
		IssueRateBurst: cfg.IssueRateBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range []string{topics.Requests, topics.Results, topics.Notifications} {
		topic := topic
		g.Go(func() error { return ch.Subscribe(gctx, topic, router.Handle) })
	}
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.Addr, "channel": cfg.Channel, "instance": instance}).Info("coupon engine listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return waitForShutdown(httpServer, ch, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("coupon engine stopped")
		os.Exit(1)
	}
	log.Info("coupon engine stopped")
}

func waitForShutdown(srv *http.Server, ch channel.Channel, log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http graceful shutdown")
	}
	if err := ch.Close(); err != nil {
		log.WithError(err).Warn("close channel")
	}
	return nil
}
