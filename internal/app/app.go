package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpass/ticketd/internal/config"
	"github.com/openpass/ticketd/internal/payment"
	"github.com/openpass/ticketd/internal/postgres"
	redisx "github.com/openpass/ticketd/internal/redis"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	redisrepo "github.com/openpass/ticketd/internal/repository/redis"
	"github.com/openpass/ticketd/internal/service"
	"github.com/openpass/ticketd/internal/service/booking"
	"github.com/openpass/ticketd/internal/service/checkin"
	"github.com/openpass/ticketd/internal/ticket"
	httpgin "github.com/openpass/ticketd/internal/transport/http/gin"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	consumer   *payment.Consumer
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize dependencies
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Name,
		cfg.Postgres.SSLMode,
	)

	pgxPool, err := postgres.New(context.Background(), postgres.Config{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redisx.New(context.Background(), redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.New(rdb)
	pubsub := redisx.NewBookingsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, redisx.KeyRateLimitPrefix("bookings"), 10, 1*time.Minute)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	codec := ticket.NewCodec(
		[]byte(cfg.Ticket.Secret),
		ticket.WithValidity(cfg.Ticket.Validity),
	)

	verifier := payment.NewWebhookVerifier(
		[]byte(cfg.Gateway.WebhookSecret),
		cfg.Gateway.TimestampTolerance,
	)

	// No intent URL means bookings are created without a provider-side
	// payment intent; confirmation then relies solely on webhook events.
	var intents payment.IntentCreator
	if cfg.Gateway.IntentURL != "" {
		intents = payment.NewHTTPIntentClient(cfg.Gateway.IntentURL, cfg.Gateway.APIKey)
	}

	// Initialize services
	services := service.NewServices(store, cache, pubsub, limiter, codec, intents, logger, service.Config{
		Booking: booking.Config{
			ReservationTTL: cfg.Booking.ReservationTTL,
			Currency:       cfg.Gateway.Currency,
		},
		CheckIn: checkin.Config{Mode: cfg.CheckIn.Mode},
	})

	var consumer *payment.Consumer
	if cfg.AMQP.URL != "" {
		consumer, err = payment.NewConsumer(
			cfg.AMQP.URL,
			cfg.AMQP.Exchange,
			cfg.AMQP.Queue,
			[]string{"payment.#"},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize amqp consumer: %w", err)
		}
	}

	// Initialize Gin router
	router := httpgin.NewRouter(
		services,
		idempotencyStore,
		verifier,
		[]byte(cfg.Auth.JWTSecret),
		logger,
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		services: services,
		consumer: consumer,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Reclaim expired reservations
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Booking.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				n, err := a.services.Booking.ExpireReservations(gCtx)
				if err != nil {
					a.logger.Error("reservation sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.logger.Info("expired reservations reclaimed", "count", n)
				}
			}
		}
	})

	// Consume payment events from the broker, if configured
	if a.consumer != nil {
		g.Go(func() error {
			defer a.consumer.Close()
			if err := a.consumer.Run(gCtx, a.services.Booking, a.logger); err != nil {
				return fmt.Errorf("amqp consumer stopped: %w", err)
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}
