package checkin

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

// fakeDB holds one booking and answers the statements Redeem issues against
// it, applying the same guards the real schema enforces.
type fakeDB struct {
	booking       domain.Booking
	checkIns      int
	statusUpdates int
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO check_ins"):
		f.checkIns++
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "SET status = $3"):
		from := args[1].(domain.BookingStatus)
		to := args[2].(domain.BookingStatus)
		if f.booking.Status != from {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.booking.Status = to
		f.statusUpdates++
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT EXISTS"):
		return rowFunc(func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		})
	case strings.Contains(sql, "FROM bookings WHERE id"):
		return rowFunc(func(dest ...any) error {
			return scanBookingDest(dest, f.booking)
		})
	case strings.Contains(sql, "RETURNING units_redeemed, quantity"):
		n := args[1].(int)
		if f.booking.Status != domain.BookingConfirmed ||
			f.booking.UnitsRedeemed+n > f.booking.Quantity {
			return rowFunc(func(...any) error { return pgx.ErrNoRows })
		}
		f.booking.UnitsRedeemed += n
		return rowFunc(func(dest ...any) error {
			*dest[0].(*int) = f.booking.UnitsRedeemed
			*dest[1].(*int) = f.booking.Quantity
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

func confirmedBooking(quantity int) domain.Booking {
	return domain.Booking{
		ID:        uuid.New(),
		UserID:    7,
		EventID:   11,
		Quantity:  quantity,
		Status:    domain.BookingConfirmed,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
}

func newTestService(db *fakeDB, mode domain.RedemptionMode) *Service {
	return &Service{
		store:  postgresrepo.NewStore(nil),
		codec:  ticket.NewCodec(testKey),
		uow:    fakeRunner{db: db},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    Config{Mode: mode},
	}
}

func issueToken(t *testing.T, b domain.Booking) string {
	t.Helper()
	token, err := ticket.NewCodec(testKey).Issue(&b)
	require.NoError(t, err)
	return token
}

func TestRedeemPerUnitConsumesOne(t *testing.T) {
	db := &fakeDB{booking: confirmedBooking(3)}
	svc := newTestService(db, domain.RedeemPerUnit)
	token := issueToken(t, db.booking)

	rec, err := svc.Redeem(context.Background(), token, 99)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Units)
	assert.Equal(t, 1, db.booking.UnitsRedeemed)
	assert.Equal(t, domain.BookingConfirmed, db.booking.Status)
	assert.Equal(t, 0, db.statusUpdates)
	assert.Equal(t, 1, db.checkIns)
}

func TestRedeemPerBookingConsumesAllAndCompletes(t *testing.T) {
	db := &fakeDB{booking: confirmedBooking(3)}
	svc := newTestService(db, domain.RedeemPerBooking)
	token := issueToken(t, db.booking)

	rec, err := svc.Redeem(context.Background(), token, 99)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.Units)
	assert.Equal(t, 3, db.booking.UnitsRedeemed)
	assert.Equal(t, domain.BookingCompleted, db.booking.Status)

	// second scan of the same token
	_, err = svc.Redeem(context.Background(), token, 99)
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)
	assert.Equal(t, 3, db.booking.UnitsRedeemed)
	assert.Equal(t, 1, db.checkIns)
}

func TestRedeemPerUnitLastUnitCompletes(t *testing.T) {
	db := &fakeDB{booking: confirmedBooking(2)}
	svc := newTestService(db, domain.RedeemPerUnit)
	token := issueToken(t, db.booking)

	_, err := svc.Redeem(context.Background(), token, 99)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, db.booking.Status)

	_, err = svc.Redeem(context.Background(), token, 99)
	require.NoError(t, err)
	assert.Equal(t, 2, db.booking.UnitsRedeemed)
	assert.Equal(t, domain.BookingCompleted, db.booking.Status)

	_, err = svc.Redeem(context.Background(), token, 99)
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestRedeemNotConfirmed(t *testing.T) {
	db := &fakeDB{booking: confirmedBooking(1)}
	svc := newTestService(db, domain.RedeemPerUnit)
	token := issueToken(t, db.booking)

	db.booking.Status = domain.BookingPending

	_, err := svc.Redeem(context.Background(), token, 99)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, 0, db.checkIns)
}

func TestRedeemTokenMismatch(t *testing.T) {
	db := &fakeDB{booking: confirmedBooking(1)}
	svc := newTestService(db, domain.RedeemPerUnit)
	token := issueToken(t, db.booking)

	// the stored booking no longer matches the signed payload
	db.booking.UserID = 8

	_, err := svc.Redeem(context.Background(), token, 99)
	assert.ErrorIs(t, err, ErrTokenMismatch)
	assert.Equal(t, 0, db.booking.UnitsRedeemed)
}
