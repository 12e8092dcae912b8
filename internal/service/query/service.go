package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpass/ticketd/internal/domain"
	redisx "github.com/openpass/ticketd/internal/redis"
	"github.com/openpass/ticketd/internal/repository"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	redisrepo "github.com/openpass/ticketd/internal/repository/redis"
)

type Config struct {
	EventSummaryTTL time.Duration
	AvailabilityTTL time.Duration
}

type Service struct {
	store *postgresrepo.Store
	cache *redisrepo.Cache
	cfg   Config
}

func New(store *postgresrepo.Store, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventSummaryTTL <= 0 {
		cfg.EventSummaryTTL = 60 * time.Second
	}

	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 5 * time.Second
	}

	return &Service{
		store: store,
		cache: cache,
		cfg:   cfg,
	}
}

// GetEvent retrieves an event through the cache.
//
// Returns:
//   - error: query.ErrEventNotFound if the event does not exist.
func (s *Service) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "service.query.GetEvent"

	key := redisx.KeyEventSummary(id)

	event, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		key,
		s.cfg.EventSummaryTTL,
		func(ctx context.Context) (domain.Event, error) {
			e, err := s.store.Events().Get(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.Event{}, ErrEventNotFound
				}

				return domain.Event{}, err
			}

			return *e, nil
		},
	)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &event, nil
}

// Availability returns the inventory counters for an event. The cache TTL is
// deliberately short: the counters move with every reservation.
func (s *Service) Availability(ctx context.Context, id int64) (*domain.EventAvailability, error) {
	const op = "service.query.Availability"

	key := redisx.KeyEventAvailability(id)

	avail, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		key,
		s.cfg.AvailabilityTTL,
		func(ctx context.Context) (domain.EventAvailability, error) {
			a, err := s.store.Events().Availability(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.EventAvailability{}, ErrEventNotFound
				}

				return domain.EventAvailability{}, err
			}

			return *a, nil
		},
	)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &avail, nil
}

// GetBooking retrieves a booking. Bookings are never cached: the status and
// redemption counters must always be current.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	const op = "service.query.GetBooking"

	b, err := s.store.Bookings().Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrBookingNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return b, nil
}
