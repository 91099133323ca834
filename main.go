package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"traderelay/config"
	"traderelay/internal/bybit"
	"traderelay/internal/server"
	"traderelay/internal/signer"
	"traderelay/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Traderelay.Name,
		"version": cfg.Traderelay.Version,
	}).Info("starting traderelay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	scheme := signer.SchemeCompactJSON
	if cfg.Exchange.SigningScheme == config.SchemeQueryString {
		scheme = signer.SchemeQueryString
	}

	client := bybit.NewClient(
		cfg.Secrets.APIKey,
		cfg.Secrets.APISecret,
		bybit.WithBaseURL(cfg.Exchange.RestURL),
		bybit.WithTimeout(cfg.Exchange.Timeout),
		bybit.WithScheme(scheme),
		bybit.WithRecvWindow(cfg.Exchange.RecvWindowMs),
		bybit.WithRetryPolicy(cfg.Exchange.RetryAttempts, cfg.Exchange.RetryBackoff),
	)

	srv := server.NewServer(cfg, client, signer.New(cfg.Secrets.APIKey, cfg.Secrets.APISecret))
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}

	log.Info("traderelay stopped")
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	log.WithField("signal", sig.String()).Info("shutdown requested")
	cancel()
}
