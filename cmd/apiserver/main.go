package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dehimb/matchpool/internal/config"
	"github.com/dehimb/matchpool/internal/events"
	"github.com/dehimb/matchpool/internal/pool"
	"github.com/dehimb/matchpool/internal/server"
	"github.com/dehimb/matchpool/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration: ", err)
	}
	logger.SetLevel(cfg.LogLevel)

	// Catch interrupt signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sig := <-c
		logger.Infof("Signal: %s", sig)
		cancel()
	}()

	var publisher events.Publisher = events.Nop{}
	if cfg.Redis.URL != "" {
		p, err := events.Dial(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.Stream)
		if err != nil {
			logger.Fatal("Can't start event publisher: ", err)
		}
		defer p.Close()
		publisher = p
		logger.Infof("Publishing pool events to %s", cfg.Redis.Stream)
	}

	s, err := store.New(ctx, logger, store.Options{
		Driver:      cfg.DB.Driver,
		DSN:         cfg.DB.DSN,
		Treasury:    pool.AccountID(cfg.Settlement.FeeTreasury),
		Publisher:   publisher,
		StakeLimits: pool.StakeLimits{Min: cfg.Stake.Min, Max: cfg.Stake.Max},
	})
	if err != nil {
		logger.Fatal("Can't open store: ", err)
	}

	server.Start(ctx, s, logger, cfg)
}
