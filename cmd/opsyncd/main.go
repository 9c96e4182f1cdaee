package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framefeed/opsync"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	flagConfig   = flag.String("config", "", "Path to the TOML config file")
	flagBackend  = flag.String("backend", "", "Backend base URL (overrides config)")
	flagBindAddr = flag.String("bind", "", "Bind address for the control surface (overrides config)")
)

func main() {
	flag.Parse()

	cfg, bind, sentryDSN, err := loadConfig(*flagConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *flagBackend != "" {
		cfg.BackendURL = *flagBackend
	}
	if *flagBindAddr != "" {
		bind = *flagBindAddr
	}
	if bind == "" {
		bind = "127.0.0.1:7810"
	}
	if cfg.BackendURL == "" {
		flag.Usage()
		os.Exit(1)
	}

	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: sentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	core, err := opsync.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble core")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sess, err := core.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("credential restore failed, backend unreachable")
	} else if sess != nil {
		logger.Info().Str("user", sess.Identity.UserID).Msg("session restored")
	} else {
		logger.Info().Msg("no persisted credential, waiting for login")
	}

	go opsync.RunServer(core, bind)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	core.Close()
}
