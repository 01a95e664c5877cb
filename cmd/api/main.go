package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"batch-mailer/internal/api"
	"batch-mailer/internal/config"
	"batch-mailer/internal/credentials"
	"batch-mailer/internal/dispatcher"
	"batch-mailer/internal/guard"
	"batch-mailer/internal/mailer"
	"batch-mailer/internal/notify"
	"batch-mailer/internal/ratelimit"
	"batch-mailer/internal/secrets"
	"batch-mailer/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("secret key unusable")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSlidingWindow(redisClient, cfg.RateLimit, cfg.RateWindow)

	creds := credentials.New(st, box, cfg.TokenRefreshMargin, log)
	notifier := notify.New(cfg.NotifyURL, cfg.NotifyTimeout, log)
	g := guard.New(st, cfg.ClaimLease, log)
	d := dispatcher.New(st, limiter, creds, mailer.NewSMTPSender(), g, notifier, dispatcher.Options{
		MaxSendAttempts: cfg.MaxSendAttempts,
		Backoff:         cfg.SendBackoff,
		BackoffMax:      cfg.SendBackoffMax,
	}, log)

	server := api.New(cfg, st, g, d, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.Env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
