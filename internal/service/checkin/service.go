// Package checkin redeems ticket tokens at the venue door with at-most-once
// semantics per unit.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/repository"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	"github.com/openpass/ticketd/internal/ticket"
	"github.com/openpass/ticketd/internal/uow"
)

type Config struct {
	// Mode selects how many units one scan consumes: the whole booking
	// (per-booking) or a single unit (per-unit).
	Mode domain.RedemptionMode
}

// txRunner is the slice of the unit of work this service drives. Narrowed to
// an interface so tests can run the transactional logic against a fake DB.
type txRunner interface {
	DoRetry(ctx context.Context, fn func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error) error
}

type Service struct {
	store  *postgresrepo.Store
	codec  *ticket.Codec
	uow    txRunner
	logger *slog.Logger
	cfg    Config
}

func New(store *postgresrepo.Store, codec *ticket.Codec, logger *slog.Logger, cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = domain.RedeemPerBooking
	}

	return &Service{
		store:  store,
		codec:  codec,
		uow:    uow.NewUoW(store),
		logger: logger,
		cfg:    cfg,
	}
}

// Redeem verifies the token and consumes units on the booking. The increment
// is guarded in SQL, so two simultaneous scans of the last unit cannot both
// succeed.
//
// Returns:
//   - *domain.CheckIn: the recorded redemption.
//   - error: ticket.ErrMalformed / ticket.ErrBadSignature / ticket.ErrExpired
//     from verification; checkin.ErrNotConfirmed, checkin.ErrAlreadyRedeemed,
//     checkin.ErrTokenMismatch, checkin.ErrBookingNotFound otherwise.
func (s *Service) Redeem(ctx context.Context, token string, staffID int64) (*domain.CheckIn, error) {
	const op = "service.checkin.Redeem"

	payload, err := s.codec.Verify(token)
	if err != nil {
		s.logger.Warn("ticket verification failed", "error", err, "staff_id", staffID)
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var rec *domain.CheckIn

	err = s.uow.DoRetry(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		b, err := s.store.Bookings().With(tx).Get(ctx, payload.BookingID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrBookingNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		if b.UserID != payload.UserID ||
			b.EventID != payload.EventID ||
			b.Quantity != payload.Quantity {
			s.logger.Error("verified token disagrees with booking record",
				"booking_id", b.ID, "staff_id", staffID)
			return fmt.Errorf("%s:%w", op, ErrTokenMismatch)
		}

		switch b.Status {
		case domain.BookingConfirmed:
			// proceed
		case domain.BookingCompleted:
			return fmt.Errorf("%s:%w", op, ErrAlreadyRedeemed)
		default:
			return fmt.Errorf("%s:%w", op, ErrNotConfirmed)
		}

		units := 1
		if s.cfg.Mode == domain.RedeemPerBooking {
			units = b.Quantity - b.UnitsRedeemed
			if units < 1 {
				return fmt.Errorf("%s:%w", op, ErrAlreadyRedeemed)
			}
		}

		redeemed, quantity, err := s.store.Bookings().With(tx).Redeem(ctx, b.ID, units)
		if err != nil {
			if errors.Is(err, repository.ErrRedeemExhausted) {
				return fmt.Errorf("%s:%w", op, ErrAlreadyRedeemed)
			}
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrBookingNotFound)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		rec, err = s.store.CheckIns().With(tx).Create(ctx, b.ID, units, staffID)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		if redeemed == quantity {
			if err := s.store.Bookings().With(tx).UpdateStatus(
				ctx, b.ID, domain.BookingConfirmed, domain.BookingCompleted); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// History lists the redemption records for a booking.
func (s *Service) History(ctx context.Context, bookingID uuid.UUID) ([]domain.CheckIn, error) {
	const op = "service.checkin.History"

	recs, err := s.store.CheckIns().ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return recs, nil
}
