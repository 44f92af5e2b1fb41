package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"allocation-backend/internal/allocation"
	"allocation-backend/internal/audit"
	"allocation-backend/internal/config"
	"allocation-backend/internal/database"
	"allocation-backend/internal/inventory"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/logger"
	"allocation-backend/internal/matrix"
	"allocation-backend/internal/server"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logger.New(cfg.LogLevel)
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	db, err := database.Open(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("database")
	}
	stock := ledger.NewGormLedger(db)

	ctx := context.Background()
	var publisher audit.Publisher = audit.NopPublisher{}
	if cfg.PubSubEnabled() {
		pub, err := audit.NewPubSubPublisher(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.PubSubCredentialsJSON)
		if err != nil {
			log.WithError(err).Fatal("pubsub")
		}
		defer pub.Close()
		publisher = pub
		log.WithField("topic", cfg.PubSubTopic).Info("publishing movement events")
	}

	var locker matrix.Locker = matrix.NewLocalLocker()
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis")
		}
		defer rdb.Close()
		locker = matrix.NewRedisLocker(rdb)
		log.WithField("address", cfg.RedisAddress).Info("using redis sheet locks")
	}

	alloc := allocation.NewService(stock, allocation.Options{
		Publisher:    publisher,
		Logger:       log,
		ExpiryWindow: cfg.ExpiryWindow,
	})
	app := server.New(cfg, server.Deps{
		Ledger:     stock,
		Allocation: alloc,
		Matrix:     matrix.NewService(matrix.NewStore(db), alloc, matrix.Options{Locker: locker, Logger: log, LockTTL: cfg.SheetLockTTL}),
		Inventory:  inventory.NewService(stock, publisher, log),
		Logger:     log,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	log.WithField("port", cfg.HTTPPort).Info("listening")
	if err := app.Listen(":" + cfg.HTTPPort); err != nil {
		log.WithError(err).Fatal("listen")
	}
}
