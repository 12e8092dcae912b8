package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/repository"
)

// PaymentEventRepo is the idempotency table for external payment events.
// A row is inserted in the same transaction as the state transition it
// guards, so a duplicate delivery can never cause a double transition.
type PaymentEventRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *PaymentEventRepo) With(db DB) *PaymentEventRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *PaymentEventRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Record claims an external event id.
//
// Returns:
//   - error: repository.ErrDuplicateEvent if the id was already processed.
func (r *PaymentEventRepo) Record(ctx context.Context, ev *domain.PaymentEvent) error {
	const op = "postgres.PaymentEventRepo.Record"

	db := r.handle()

	_, err := db.Exec(ctx,
		`INSERT INTO payment_events(external_id, kind, payment_ref, received_at)
         VALUES ($1, $2, $3, $4)`,
		ev.ExternalID, ev.Kind, ev.PaymentRef, ev.ReceivedAt,
	)
	if err != nil {
		if errors.Is(translateDBErr(err), repository.ErrConflict) {
			return fmt.Errorf("%s:%w", op, repository.ErrDuplicateEvent)
		}
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Seen reports whether an external event id has been processed.
func (r *PaymentEventRepo) Seen(ctx context.Context, externalID string) (bool, error) {
	const op = "postgres.PaymentEventRepo.Seen"

	db := r.handle()

	var seen bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_events WHERE external_id = $1)`,
		externalID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return seen, nil
}
