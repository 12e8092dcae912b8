// Package booking owns the booking lifecycle. Every mutation runs inside a
// Serializable unit of work, and inventory moves only through the event
// repository's Reserve and Release.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/payment"
	redisx "github.com/openpass/ticketd/internal/redis"
	"github.com/openpass/ticketd/internal/repository"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	redisrepo "github.com/openpass/ticketd/internal/repository/redis"
	"github.com/openpass/ticketd/internal/ticket"
	"github.com/openpass/ticketd/internal/uow"
)

type Config struct {
	ReservationTTL time.Duration
	Currency       string
}

// txRunner is the slice of the unit of work this service drives. Narrowed to
// an interface so tests can run the transactional logic against a fake DB.
type txRunner interface {
	DoRetry(ctx context.Context, fn func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error) error
}

type Service struct {
	store   *postgresrepo.Store
	cache   *redisrepo.Cache
	pubsub  *redisx.BookingsPubSub
	limiter *redisrepo.SlidingWindowLimiter
	codec   *ticket.Codec
	intents payment.IntentCreator
	uow     txRunner
	logger  *slog.Logger
	cfg     Config
}

func New(
	store *postgresrepo.Store,
	cache *redisrepo.Cache,
	pubsub *redisx.BookingsPubSub,
	limiter *redisrepo.SlidingWindowLimiter,
	codec *ticket.Codec,
	intents payment.IntentCreator,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}

	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}

	return &Service{
		store:   store,
		cache:   cache,
		pubsub:  pubsub,
		limiter: limiter,
		codec:   codec,
		intents: intents,
		uow:     uow.NewUoW(store),
		logger:  logger,
		cfg:     cfg,
	}
}

// CreateResult is what a successful booking request returns: the booking and
// the secret the client needs to complete payment out-of-band.
type CreateResult struct {
	BookingID     uuid.UUID
	PaymentSecret string
	TotalCents    int
	ExpiresAt     time.Time
}

// CreateBooking reserves quantity units on the event and creates a pending
// booking in one transaction. The payment intent is created after the commit;
// if that fails the reservation simply runs out its TTL and is swept.
//
// Returns:
//   - *CreateResult: the created booking on success.
//   - error: booking.ErrInsufficientInventory if capacity is exhausted,
//     booking.ErrEventNotFound if the event is missing or inactive,
//     booking.ErrIntentFailed if the provider rejected intent creation.
func (s *Service) CreateBooking(
	ctx context.Context,
	userID, eventID int64,
	quantity int,
	rlKey string,
) (*CreateResult, error) {
	const op = "service.booking.CreateBooking"

	if quantity < 1 {
		return nil, fmt.Errorf("%s: quantity must be positive", op)
	}

	if s.limiter != nil && rlKey != "" {
		ok, _, retry, err := s.limiter.Allow(ctx, rlKey)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s: rate limited, retry in %s", op, retry)
		}
	}

	var res CreateResult

	err := s.uow.DoRetry(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		ev, err := s.store.Events().With(tx).Get(ctx, eventID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrEventNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		if err := s.store.Events().With(tx).Reserve(ctx, eventID, quantity); err != nil {
			if errors.Is(err, repository.ErrInsufficientInventory) {
				return fmt.Errorf("%s:%w", op, ErrInsufficientInventory)
			}
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrEventNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		total := ev.PriceCents * quantity
		expiresAt := time.Now().UTC().Add(s.cfg.ReservationTTL)

		id, err := s.store.Bookings().With(tx).Create(
			ctx, userID, eventID, quantity, total, expiresAt)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		res = CreateResult{
			BookingID:  id,
			TotalCents: total,
			ExpiresAt:  expiresAt,
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateEvent(ctx, eventID)
			_ = s.pubsub.PublishBookingChanged(ctx, eventID)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.intents != nil {
		intent, err := s.intents.CreateIntent(ctx, res.TotalCents, s.cfg.Currency, res.BookingID)
		if err != nil {
			s.logger.Error("payment intent creation failed",
				"booking_id", res.BookingID, "error", err)
			return nil, fmt.Errorf("%s:%w", op, ErrIntentFailed)
		}

		if err := s.store.Bookings().SetPaymentRef(ctx, res.BookingID, intent.Ref); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}

		res.PaymentSecret = intent.ClientSecret
	}

	return &res, nil
}

// ApplyPaymentEvent drives the state machine from one normalized payment
// event. The external event id is claimed in the same transaction as the
// transition it triggers, so redelivery of an already-applied event is a
// no-op rather than a double transition. An event for a booking already in a
// terminal state is likewise acknowledged, not surfaced as a conflict the
// provider would retry forever.
//
// Returns:
//   - error: booking.ErrBookingNotFound if no booking carries the event's
//     payment reference, booking.ErrInvalidTransition if the booking is not
//     in a state the event can act on. nil for duplicate deliveries.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev *domain.PaymentEvent) error {
	const op = "service.booking.ApplyPaymentEvent"

	err := s.uow.DoRetry(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		// fast path: a cleanly redelivered event exits before any write, so
		// the transaction is never aborted by the insert conflict below
		seen, err := s.store.PaymentEvents().With(tx).Seen(ctx, ev.ExternalID)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
		if seen {
			return fmt.Errorf("%s:%w", op, repository.ErrDuplicateEvent)
		}

		if err := s.store.PaymentEvents().With(tx).Record(ctx, ev); err != nil {
			// a racing delivery claimed the id between Seen and the insert;
			// the conflict aborted this transaction, so it must roll back
			return fmt.Errorf("%s:%w", op, err)
		}

		b, err := s.store.Bookings().With(tx).GetByPaymentRef(ctx, ev.PaymentRef)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrBookingNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		if b.Status.Terminal() {
			s.logger.Warn("payment event on settled booking ignored",
				"external_id", ev.ExternalID,
				"booking_id", b.ID,
				"kind", ev.Kind,
				"status", b.Status)
			return nil
		}

		switch ev.Kind {
		case domain.PaymentSucceeded:
			if err := s.confirm(ctx, tx, b); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		case domain.PaymentFailed:
			if err := s.cancelAndRelease(ctx, tx, b); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		case domain.PaymentRefunded:
			if err := s.refund(ctx, tx, b); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		default:
			return fmt.Errorf("%s: unexpected kind %q", op, ev.Kind)
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateEvent(ctx, b.EventID)
			_ = s.pubsub.PublishBookingChanged(ctx, b.EventID)
		})

		return nil
	})
	if errors.Is(err, repository.ErrDuplicateEvent) {
		s.logger.Info("duplicate payment event ignored", "external_id", ev.ExternalID)
		return nil
	}

	return err
}

func (s *Service) confirm(ctx context.Context, tx postgresrepo.DB, b *domain.Booking) error {
	if !b.Status.CanTransition(domain.BookingConfirmed) {
		return ErrInvalidTransition
	}

	confirmed := *b
	confirmed.Status = domain.BookingConfirmed

	token, err := s.codec.Issue(&confirmed)
	if err != nil {
		return err
	}

	ref := ""
	if b.PaymentRef != nil {
		ref = *b.PaymentRef
	}

	if err := s.store.Bookings().With(tx).Confirm(ctx, b.ID, ref, token); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrInvalidTransition
		}
		return err
	}

	return nil
}

func (s *Service) cancelAndRelease(ctx context.Context, tx postgresrepo.DB, b *domain.Booking) error {
	if !b.Status.CanTransition(domain.BookingCancelled) {
		return ErrInvalidTransition
	}

	if err := s.store.Bookings().With(tx).UpdateStatus(
		ctx, b.ID, b.Status, domain.BookingCancelled); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrInvalidTransition
		}
		return err
	}

	return s.store.Events().With(tx).Release(ctx, b.EventID, b.Quantity)
}

func (s *Service) refund(ctx context.Context, tx postgresrepo.DB, b *domain.Booking) error {
	if !b.Status.CanTransition(domain.BookingRefunded) {
		return ErrInvalidTransition
	}

	if err := s.store.Bookings().With(tx).UpdateStatus(
		ctx, b.ID, b.Status, domain.BookingRefunded); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrInvalidTransition
		}
		return err
	}

	// units go back on sale only while the event has not started
	notStarted, err := s.store.Events().With(tx).StartsAfter(ctx, b.EventID, time.Now().UTC())
	if err != nil {
		return err
	}

	if notStarted {
		return s.store.Events().With(tx).Release(ctx, b.EventID, b.Quantity)
	}

	return nil
}

// Cancel is the explicit user cancellation: pending or confirmed bookings
// move to cancelled and their units are released.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID, userID int64) error {
	const op = "service.booking.Cancel"

	return s.uow.DoRetry(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		b, err := s.store.Bookings().With(tx).Get(ctx, bookingID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrBookingNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		if b.UserID != userID {
			return fmt.Errorf("%s:%w", op, ErrNotOwner)
		}

		if err := s.cancelAndRelease(ctx, tx, b); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateEvent(ctx, b.EventID)
			_ = s.pubsub.PublishBookingChanged(ctx, b.EventID)
		})

		return nil
	})
}

// IssueTicket returns the token for a confirmed booking, issuing and storing
// one if confirmation predates token issuance. Normally confirmation already
// wrote the token and this just reads it back.
func (s *Service) IssueTicket(ctx context.Context, bookingID uuid.UUID) (string, error) {
	const op = "service.booking.IssueTicket"

	b, err := s.store.Bookings().Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%s:%w", op, ErrBookingNotFound)
		}
		return "", fmt.Errorf("%s:%w", op, err)
	}

	if b.TicketToken != nil && *b.TicketToken != "" {
		return *b.TicketToken, nil
	}

	token, err := s.codec.Issue(b)
	if err != nil {
		if errors.Is(err, ticket.ErrInvalidState) {
			return "", fmt.Errorf("%s:%w", op, ErrInvalidTransition)
		}
		return "", fmt.Errorf("%s:%w", op, err)
	}

	if err := s.store.Bookings().SetTicketToken(ctx, bookingID, token); err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return token, nil
}

// ExpireReservations cancels pending bookings past their TTL and releases
// their inventory, one transaction per sweep.
//
// Returns:
//   - int: the number of reservations released.
func (s *Service) ExpireReservations(ctx context.Context) (int, error) {
	const op = "service.booking.ExpireReservations"

	var count int

	err := s.uow.DoRetry(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		expired, err := s.store.Bookings().With(tx).ExpirePending(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		seen := make(map[int64]struct{})
		for _, b := range expired {
			if err := s.store.Events().With(tx).Release(ctx, b.EventID, b.Quantity); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
			seen[b.EventID] = struct{}{}
		}

		count = len(expired)

		for eventID := range seen {
			id := eventID
			after(func(ctx context.Context) {
				_ = s.cache.InvalidateEvent(ctx, id)
				_ = s.pubsub.PublishBookingChanged(ctx, id)
			})
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}
