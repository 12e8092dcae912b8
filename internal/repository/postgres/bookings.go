package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/repository"
)

type BookingRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *BookingRepo) With(db DB) *BookingRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *BookingRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const bookingColumns = `id, user_id, event_id, quantity, total_cents, status,
       payment_ref, ticket_token, units_redeemed, expires_at, created_at`

func scanBooking(row interface{ Scan(dest ...any) error }) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID, &b.UserID, &b.EventID, &b.Quantity, &b.TotalCents, &b.Status,
		&b.PaymentRef, &b.TicketToken, &b.UnitsRedeemed, &b.ExpiresAt, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Create inserts a pending booking. The caller reserves inventory in the same
// transaction.
func (r *BookingRepo) Create(
	ctx context.Context,
	userID, eventID int64,
	quantity, totalCents int,
	expiresAt time.Time,
) (uuid.UUID, error) {
	const op = "postgres.BookingRepo.Create"

	db := r.handle()

	id := uuid.New()
	_, err := db.Exec(ctx,
		`INSERT INTO bookings(id, user_id, event_id, quantity, total_cents,
                              status, expires_at)
         VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
		id, userID, eventID, quantity, totalCents, expiresAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

func (r *BookingRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	const op = "postgres.BookingRepo.Get"

	db := r.handle()

	b, err := scanBooking(db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return b, nil
}

// UpdateStatus moves a booking from one status to another with a
// compare-and-swap on the current status. Zero rows affected means the
// booking was not in the expected state, which the caller surfaces as a
// conflict or invalid transition.
func (r *BookingRepo) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.BookingStatus,
) error {
	const op = "postgres.BookingRepo.UpdateStatus"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE bookings SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

// Confirm moves a pending booking to confirmed and records the payment
// reference and issued ticket token in the same statement.
func (r *BookingRepo) Confirm(
	ctx context.Context,
	id uuid.UUID,
	paymentRef, ticketToken string,
) error {
	const op = "postgres.BookingRepo.Confirm"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE bookings
            SET status = 'confirmed', payment_ref = $2, ticket_token = $3
          WHERE id = $1 AND status = 'pending'`,
		id, paymentRef, ticketToken,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

// SetPaymentRef records the provider reference once the payment intent is
// created. Only pending bookings are touched.
func (r *BookingRepo) SetPaymentRef(ctx context.Context, id uuid.UUID, ref string) error {
	const op = "postgres.BookingRepo.SetPaymentRef"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE bookings SET payment_ref = $2
          WHERE id = $1 AND status = 'pending'`,
		id, ref,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// SetTicketToken stores the issued token on a confirmed booking.
func (r *BookingRepo) SetTicketToken(ctx context.Context, id uuid.UUID, token string) error {
	const op = "postgres.BookingRepo.SetTicketToken"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE bookings SET ticket_token = $2
          WHERE id = $1 AND status IN ('confirmed', 'completed')`,
		id, token,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

// GetByPaymentRef resolves a booking from the opaque provider reference
// carried by payment notifications.
func (r *BookingRepo) GetByPaymentRef(ctx context.Context, ref string) (*domain.Booking, error) {
	const op = "postgres.BookingRepo.GetByPaymentRef"

	db := r.handle()

	b, err := scanBooking(db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE payment_ref = $1`, ref))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return b, nil
}

// Redeem atomically increments units_redeemed by n, guarded so the total
// never exceeds quantity and only confirmed bookings are touched. Two
// concurrent scans of the last unit serialize on the row; the loser gets
// zero rows affected.
//
// Returns:
//   - int: units redeemed after the increment.
//   - int: the booking quantity.
//   - error: repository.ErrRedeemExhausted when the guard rejects the
//     increment, repository.ErrNotFound if the booking does not exist.
func (r *BookingRepo) Redeem(ctx context.Context, id uuid.UUID, n int) (int, int, error) {
	const op = "postgres.BookingRepo.Redeem"

	db := r.handle()

	var redeemed, quantity int
	err := db.QueryRow(ctx,
		`UPDATE bookings
            SET units_redeemed = units_redeemed + $2
          WHERE id = $1
            AND status = 'confirmed'
            AND units_redeemed + $2 <= quantity
         RETURNING units_redeemed, quantity`,
		id, n,
	).Scan(&redeemed, &quantity)
	if err != nil {
		if errors.Is(translateDBErr(err), repository.ErrNotFound) {
			// either the booking is missing or the guard rejected the
			// increment; disambiguate for the caller
			var exists bool
			if err2 := db.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id,
			).Scan(&exists); err2 != nil {
				return 0, 0, fmt.Errorf("%s:%w", op, translateDBErr(err2))
			}
			if !exists {
				return 0, 0, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
			}
			return 0, 0, fmt.Errorf("%s:%w", op, repository.ErrRedeemExhausted)
		}
		return 0, 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return redeemed, quantity, nil
}

// ExpirePending cancels pending bookings whose reservation TTL has lapsed and
// returns what was cancelled so the caller can release the reserved units in
// the same transaction.
func (r *BookingRepo) ExpirePending(ctx context.Context, now time.Time) ([]domain.Booking, error) {
	const op = "postgres.BookingRepo.ExpirePending"

	db := r.handle()

	rows, err := db.Query(ctx,
		`UPDATE bookings
            SET status = 'cancelled'
          WHERE status = 'pending' AND expires_at <= $1
         RETURNING `+bookingColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var expired []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		expired = append(expired, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return expired, nil
}
