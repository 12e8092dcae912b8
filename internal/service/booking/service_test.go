package booking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpass/ticketd/internal/domain"
	postgresrepo "github.com/openpass/ticketd/internal/repository/postgres"
	"github.com/openpass/ticketd/internal/ticket"
	"github.com/openpass/ticketd/internal/uow"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeRunner executes the transactional closure against a fake DB, discarding
// after-commit hooks.
type fakeRunner struct{ db postgresrepo.DB }

func (r fakeRunner) DoRetry(
	ctx context.Context,
	fn func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error,
) error {
	return fn(ctx, r.db, func(uow.AfterCommit) {})
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

// fakeDB holds one booking and answers the statements ApplyPaymentEvent
// issues against it.
type fakeDB struct {
	booking        domain.Booking
	seen           bool
	insertConflict bool
	eventStarted   bool

	inserts       int
	lookups       int
	statusUpdates int
	released      int
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO payment_events"):
		f.inserts++
		if f.insertConflict {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "status = 'confirmed'"):
		if f.booking.Status != domain.BookingPending {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		ref := args[1].(string)
		token := args[2].(string)
		f.booking.Status = domain.BookingConfirmed
		f.booking.PaymentRef = &ref
		f.booking.TicketToken = &token
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "SET status = $3"):
		from := args[1].(domain.BookingStatus)
		to := args[2].(domain.BookingStatus)
		if f.booking.Status != from {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.booking.Status = to
		f.statusUpdates++
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "available_units = available_units + $2"):
		f.released += args[1].(int)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "FROM payment_events"):
		return rowFunc(func(dest ...any) error {
			*dest[0].(*bool) = f.seen
			return nil
		})
	case strings.Contains(sql, "WHERE payment_ref ="):
		f.lookups++
		return rowFunc(func(dest ...any) error {
			return scanBookingDest(dest, f.booking)
		})
	case strings.Contains(sql, "starts_at >"):
		return rowFunc(func(dest ...any) error {
			*dest[0].(*bool) = !f.eventStarted
			return nil
		})
	}
	return rowFunc(func(...any) error { return fmt.Errorf("unexpected query: %s", sql) })
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (f *fakeDB) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func scanBookingDest(dest []any, b domain.Booking) error {
	*dest[0].(*uuid.UUID) = b.ID
	*dest[1].(*int64) = b.UserID
	*dest[2].(*int64) = b.EventID
	*dest[3].(*int) = b.Quantity
	*dest[4].(*int) = b.TotalCents
	*dest[5].(*domain.BookingStatus) = b.Status
	*dest[6].(**string) = b.PaymentRef
	*dest[7].(**string) = b.TicketToken
	*dest[8].(*int) = b.UnitsRedeemed
	*dest[9].(*time.Time) = b.ExpiresAt
	*dest[10].(*time.Time) = b.CreatedAt
	return nil
}

func pendingBooking() domain.Booking {
	ref := "pay_123"
	return domain.Booking{
		ID:         uuid.New(),
		UserID:     7,
		EventID:    11,
		Quantity:   2,
		TotalCents: 5000,
		Status:     domain.BookingPending,
		PaymentRef: &ref,
		ExpiresAt:  time.Now().Add(15 * time.Minute),
		CreatedAt:  time.Now(),
	}
}

func newTestService(db *fakeDB) *Service {
	return &Service{
		store:  postgresrepo.NewStore(nil),
		codec:  ticket.NewCodec(testKey),
		uow:    fakeRunner{db: db},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    Config{ReservationTTL: 15 * time.Minute, Currency: "usd"},
	}
}

func succeededEvent() *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ExternalID: "evt_1",
		Kind:       domain.PaymentSucceeded,
		PaymentRef: "pay_123",
		ReceivedAt: time.Now(),
	}
}

func TestApplyPaymentEventConfirms(t *testing.T) {
	db := &fakeDB{booking: pendingBooking()}
	svc := newTestService(db)

	err := svc.ApplyPaymentEvent(context.Background(), succeededEvent())
	require.NoError(t, err)

	assert.Equal(t, domain.BookingConfirmed, db.booking.Status)
	require.NotNil(t, db.booking.TicketToken)
	assert.NotEmpty(t, *db.booking.TicketToken)
	assert.Equal(t, 1, db.inserts)
}

func TestApplyPaymentEventDuplicateIsNoop(t *testing.T) {
	db := &fakeDB{booking: pendingBooking(), seen: true}
	svc := newTestService(db)

	err := svc.ApplyPaymentEvent(context.Background(), succeededEvent())
	require.NoError(t, err)

	assert.Equal(t, 0, db.inserts)
	assert.Equal(t, 0, db.lookups)
	assert.Equal(t, domain.BookingPending, db.booking.Status)
}

func TestApplyPaymentEventRacingDuplicateIsNoop(t *testing.T) {
	// a concurrent delivery claims the id between the existence check and
	// the insert
	db := &fakeDB{booking: pendingBooking(), insertConflict: true}
	svc := newTestService(db)

	err := svc.ApplyPaymentEvent(context.Background(), succeededEvent())
	require.NoError(t, err)

	assert.Equal(t, 1, db.inserts)
	assert.Equal(t, 0, db.lookups)
	assert.Equal(t, domain.BookingPending, db.booking.Status)
}

func TestApplyPaymentEventFailedReleasesInventory(t *testing.T) {
	db := &fakeDB{booking: pendingBooking()}
	svc := newTestService(db)

	ev := succeededEvent()
	ev.Kind = domain.PaymentFailed

	err := svc.ApplyPaymentEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, domain.BookingCancelled, db.booking.Status)
	assert.Equal(t, 2, db.released)
}

func TestApplyPaymentEventRefundReleasesBeforeStart(t *testing.T) {
	db := &fakeDB{booking: pendingBooking()}
	db.booking.Status = domain.BookingConfirmed
	svc := newTestService(db)

	ev := succeededEvent()
	ev.Kind = domain.PaymentRefunded

	err := svc.ApplyPaymentEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, domain.BookingRefunded, db.booking.Status)
	assert.Equal(t, 2, db.released)
}

func TestApplyPaymentEventRefundAfterStartKeepsInventory(t *testing.T) {
	db := &fakeDB{booking: pendingBooking(), eventStarted: true}
	db.booking.Status = domain.BookingConfirmed
	svc := newTestService(db)

	ev := succeededEvent()
	ev.Kind = domain.PaymentRefunded

	err := svc.ApplyPaymentEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, domain.BookingRefunded, db.booking.Status)
	assert.Equal(t, 0, db.released)
}

func TestApplyPaymentEventTerminalStateIsAcknowledged(t *testing.T) {
	// a failed event arriving after the TTL sweep already cancelled the
	// booking must not surface a conflict the provider would retry forever
	db := &fakeDB{booking: pendingBooking()}
	db.booking.Status = domain.BookingCancelled
	svc := newTestService(db)

	ev := succeededEvent()
	ev.Kind = domain.PaymentFailed

	err := svc.ApplyPaymentEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, domain.BookingCancelled, db.booking.Status)
	assert.Equal(t, 0, db.statusUpdates)
	assert.Equal(t, 0, db.released)
	// the event id stays claimed
	assert.Equal(t, 1, db.inserts)
}
