package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openpass/ticketd/internal/domain"
)

type CheckInRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *CheckInRepo) With(db DB) *CheckInRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *CheckInRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create records one successful redemption attempt.
func (r *CheckInRepo) Create(
	ctx context.Context,
	bookingID uuid.UUID,
	units int,
	staffID int64,
) (*domain.CheckIn, error) {
	const op = "postgres.CheckInRepo.Create"

	db := r.handle()

	rec := domain.CheckIn{
		ID:          uuid.New(),
		BookingID:   bookingID,
		Units:       units,
		CheckedInBy: staffID,
		CheckedInAt: time.Now().UTC(),
	}

	_, err := db.Exec(ctx,
		`INSERT INTO check_ins(id, booking_id, units, checked_in_by, checked_in_at)
         VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.BookingID, rec.Units, rec.CheckedInBy, rec.CheckedInAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &rec, nil
}

// ListByBooking returns the redemption history for a booking, newest first.
func (r *CheckInRepo) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.CheckIn, error) {
	const op = "postgres.CheckInRepo.ListByBooking"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, booking_id, units, checked_in_by, checked_in_at
           FROM check_ins
          WHERE booking_id = $1
          ORDER BY checked_in_at DESC`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.CheckIn
	for rows.Next() {
		var c domain.CheckIn
		if err := rows.Scan(&c.ID, &c.BookingID, &c.Units, &c.CheckedInBy, &c.CheckedInAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
