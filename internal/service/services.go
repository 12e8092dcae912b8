package service

import (
	"log/slog"

	"github.com/openpass/ticketd/internal/payment"
	redisx "github.com/openpass/ticketd/internal/redis"
	postgres "github.com/openpass/ticketd/internal/repository/postgres"
	redis "github.com/openpass/ticketd/internal/repository/redis"
	"github.com/openpass/ticketd/internal/service/admin"
	"github.com/openpass/ticketd/internal/service/booking"
	"github.com/openpass/ticketd/internal/service/checkin"
	"github.com/openpass/ticketd/internal/service/query"
	"github.com/openpass/ticketd/internal/ticket"
)

type Services struct {
	Booking *booking.Service
	CheckIn *checkin.Service
	Query   *query.Service
	Admin   *admin.Service
}

type Config struct {
	Booking booking.Config
	CheckIn checkin.Config
	Query   query.Config
}

func NewServices(
	store *postgres.Store,
	cache *redis.Cache,
	pubsub *redisx.BookingsPubSub,
	limiter *redis.SlidingWindowLimiter,
	codec *ticket.Codec,
	intents payment.IntentCreator,
	logger *slog.Logger,
	cfg Config,
) *Services {
	return &Services{
		Booking: booking.New(store, cache, pubsub, limiter, codec, intents, logger, cfg.Booking),
		CheckIn: checkin.New(store, codec, logger, cfg.CheckIn),
		Query:   query.New(store, cache, cfg.Query),
		Admin:   admin.New(store, cache),
	}
}
