// Command xdccd is an IRC XDCC/DCC download bridge: it joins a channel,
// accepts download requests over a small JSON/TCP API, and negotiates and
// runs the DCC transfers those requests describe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/llehouerou/xdccd/config"
	"github.com/llehouerou/xdccd/supervisor"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load a .env file if one exists; missing is not an error.
	_ = godotenv.Load()

	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("xdccd", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg)

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		supervisor.WaitForSignal()
		log.Info("xdccd: signal received, shutting down")
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"irc_server":  cfg.IRCServer,
		"irc_channel": cfg.IRCChannel,
		"listen":      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}).Info("xdccd: starting")

	return sup.Run(ctx)
}

// newLogger builds the structured logger every component shares, applying
// Config.Debug's level and falling back to stderr if Config.LogFile can't
// be opened, per the log-sink write-failure convention.
func newLogger(cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.SetOutput(os.Stderr)
			logger.WithError(err).Warn("xdccd: could not open log file, falling back to stderr")
		} else {
			logger.SetOutput(f)
		}
	}

	return logrus.NewEntry(logger)
}
