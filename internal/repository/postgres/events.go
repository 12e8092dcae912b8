package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/repository"
)

// EventRepo is the inventory ledger. Reserve and Release are the only two
// mutators of events.available_units; everything else reads.
type EventRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *EventRepo) With(db DB) *EventRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *EventRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Reserve atomically decrements available units for an event. The guard in
// the WHERE clause makes concurrent reservations serialize on the row: two
// reservations can never together push available_units below zero.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - eventID: event whose inventory is reserved.
//   - quantity: number of units to reserve, must be >= 1.
//
// Returns:
//   - error: repository.ErrInsufficientInventory if fewer than quantity units
//     remain, repository.ErrNotFound if the event does not exist or is not
//     active. On any error no state changes.
func (r *EventRepo) Reserve(ctx context.Context, eventID int64, quantity int) error {
	const op = "postgres.EventRepo.Reserve"

	if quantity < 1 {
		return fmt.Errorf("%s: quantity must be positive", op)
	}

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE events
            SET available_units = available_units - $2
          WHERE id = $1
            AND is_active
            AND available_units >= $2`,
		eventID, quantity,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM events WHERE id = $1 AND is_active)`,
			eventID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		if !exists {
			return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
		}
		return fmt.Errorf("%s:%w", op, repository.ErrInsufficientInventory)
	}

	return nil
}

// Release re-credits units previously taken by Reserve. Crediting past the
// event capacity means the caller is double-releasing and is rejected.
//
// Returns:
//   - error: repository.ErrOverRelease if the credit would exceed capacity,
//     repository.ErrNotFound if the event does not exist.
func (r *EventRepo) Release(ctx context.Context, eventID int64, quantity int) error {
	const op = "postgres.EventRepo.Release"

	if quantity < 1 {
		return fmt.Errorf("%s: quantity must be positive", op)
	}

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE events
            SET available_units = available_units + $2
          WHERE id = $1
            AND available_units + $2 <= capacity`,
		eventID, quantity,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`,
			eventID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		if !exists {
			return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
		}
		return fmt.Errorf("%s:%w", op, repository.ErrOverRelease)
	}

	return nil
}

// Get retrieves an event by its ID.
func (r *EventRepo) Get(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "postgres.EventRepo.Get"

	db := r.handle()

	var e domain.Event
	err := db.QueryRow(ctx,
		`SELECT id, venue_id, title, capacity, available_units, price_cents,
                starts_at, ends_at, is_active
           FROM events WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.VenueID, &e.Title, &e.Capacity, &e.AvailableUnits,
		&e.PriceCents, &e.Starts, &e.Ends, &e.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &e, nil
}

// Availability returns the inventory counters for an event.
func (r *EventRepo) Availability(ctx context.Context, id int64) (*domain.EventAvailability, error) {
	const op = "postgres.EventRepo.Availability"

	db := r.handle()

	var a domain.EventAvailability
	err := db.QueryRow(ctx,
		`SELECT capacity, available_units, capacity - available_units
           FROM events WHERE id = $1`,
		id,
	).Scan(&a.Capacity, &a.Available, &a.Reserved)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &a, nil
}

// Create inserts an event with available_units initialized to capacity.
func (r *EventRepo) Create(ctx context.Context, e *domain.Event) (int64, error) {
	const op = "postgres.EventRepo.Create"

	db := r.handle()

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO events(venue_id, title, capacity, available_units,
                            price_cents, starts_at, ends_at, is_active)
         VALUES ($1, $2, $3, $3, $4, $5, $6, TRUE)
         RETURNING id`,
		e.VenueID, e.Title, e.Capacity, e.PriceCents, e.Starts, e.Ends,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// Deactivate stops new reservations on an event. Existing bookings are
// untouched.
func (r *EventRepo) Deactivate(ctx context.Context, id int64) error {
	const op = "postgres.EventRepo.Deactivate"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE events SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

// StartsAfter reports whether the event starts after the given instant,
// used to decide whether a refund re-credits inventory.
func (r *EventRepo) StartsAfter(ctx context.Context, id int64, t time.Time) (bool, error) {
	const op = "postgres.EventRepo.StartsAfter"

	db := r.handle()

	var after bool
	err := db.QueryRow(ctx,
		`SELECT starts_at > $2 FROM events WHERE id = $1`,
		id, t,
	).Scan(&after)
	if err != nil {
		if errors.Is(translateDBErr(err), repository.ErrNotFound) {
			return false, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
		}
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return after, nil
}
