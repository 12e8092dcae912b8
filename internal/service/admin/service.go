package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/repository"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	redisrepo "github.com/openpass/ticketd/internal/repository/redis"
	"github.com/openpass/ticketd/internal/uow"
)

type Service struct {
	store *postgresrepo.Store
	cache *redisrepo.Cache
	uow   *uow.UoW
}

func New(store *postgresrepo.Store, cache *redisrepo.Cache) *Service {
	return &Service{
		store: store,
		cache: cache,
		uow:   uow.NewUoW(store),
	}
}

// CreateEvent creates an event with its inventory initialized to capacity.
//
// Returns:
//   - int64: the created event ID.
//   - error: admin.ErrInvalidEvent for a nonsensical definition,
//     admin.ErrEventConflict on a uniqueness conflict.
func (s *Service) CreateEvent(ctx context.Context, e *domain.Event) (int64, error) {
	const op = "service.admin.CreateEvent"

	if e.Capacity < 0 || e.PriceCents < 0 || !e.Ends.After(e.Starts) {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidEvent)
	}

	var id int64

	err := s.uow.Do(ctx, func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error {
		var err error
		id, err = s.store.Events().With(tx).Create(ctx, e)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%s: %w", op, ErrEventConflict)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})

	return id, err
}

// DeactivateEvent stops new reservations on an event. Existing bookings keep
// their lifecycle.
func (s *Service) DeactivateEvent(ctx context.Context, id int64) error {
	const op = "service.admin.DeactivateEvent"

	err := s.uow.Do(ctx, func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error {
		if err := s.store.Events().With(tx).Deactivate(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s: %w", op, ErrEventNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateEvent(ctx, id)
		})

		return nil
	})

	return err
}
