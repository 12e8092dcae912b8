package httpgin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/openpass/ticketd/internal/domain"
	"github.com/openpass/ticketd/internal/payment"
	redisrepo "github.com/openpass/ticketd/internal/repository/redis"
	"github.com/openpass/ticketd/internal/service"
	"github.com/openpass/ticketd/internal/service/admin"
	"github.com/openpass/ticketd/internal/service/booking"
	"github.com/openpass/ticketd/internal/service/checkin"
	"github.com/openpass/ticketd/internal/service/query"
	"github.com/openpass/ticketd/internal/ticket"
)

const signatureHeader = "X-Gateway-Signature"

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	verifier *payment.WebhookVerifier,
	jwtSecret []byte,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public reads
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))

	// Payment provider callback; authenticated by message signature, not JWT
	r.POST("/payments/webhook", handlePaymentWebhook(svcs, verifier, logger))

	auth := r.Group("/", AuthMiddleware(jwtSecret))
	{
		auth.POST("/bookings", handleCreateBooking(svcs, idem))
		auth.GET("/bookings/:id", handleGetBooking(svcs))
		auth.POST("/bookings/:id/cancel", handleCancelBooking(svcs))
		auth.GET("/bookings/:id/ticket", handleGetTicket(svcs))

		staff := auth.Group("/", RequireRole("staff"))
		staff.POST("/checkins", handleRedeem(svcs))
		staff.GET("/bookings/:id/checkins", handleCheckInHistory(svcs))

		adm := auth.Group("/admin", RequireRole("admin"))
		adm.POST("/events", handleCreateEvent(svcs))
		adm.POST("/events/:id/deactivate", handleDeactivateEvent(svcs))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  Get event
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.Event
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, e, "public, max-age=60", true)
	}
}

// @Summary  Get availability counters
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.EventAvailability
// @Router   /events/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		a, err := svcs.Query.Availability(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, a, "public, max-age=5", true)
	}
}

// @Summary  Create booking (idempotent)
// @Param    req body  CreateBookingRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} CreateBookingResponse
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "insufficient inventory / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /bookings [post]
func handleCreateBooking(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateBookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemBooking(req.EventID, idemKey)

			if payload, ok, _ := idem.GetResult(
				c.Request.Context(),
				idemStorageKey,
			); ok {
				c.Header("Idempotency-Key", idemKey)
				c.Data(
					http.StatusCreated,
					"application/json; charset=utf-8",
					[]byte(payload),
				)
				return
			}

			locked, err := idem.AcquireLock(
				c.Request.Context(),
				idemStorageKey,
				60*time.Second,
			)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(
					c.Request.Context(),
					idemStorageKey,
				); ok {
					c.Header("Idempotency-Key", idemKey)
					c.Data(
						http.StatusCreated,
						"application/json; charset=utf-8",
						[]byte(payload),
					)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(
					http.StatusConflict,
					ErrorResponse{Error: "idempotency key in progress"},
				)
				return
			}
		}

		rlKey := "ip:" + c.ClientIP()

		res, err := svcs.Booking.CreateBooking(
			c.Request.Context(),
			principalID(c),
			req.EventID,
			req.Quantity,
			rlKey,
		)
		if err != nil {
			if idemStorageKey != "" && idem != nil {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			if isRateLimitedErr(err) {
				c.Header("Retry-After", "60")
				c.JSON(
					http.StatusTooManyRequests,
					ErrorResponse{Error: err.Error()},
				)
				return
			}
			respondErr(c, err)
			return
		}

		resp := CreateBookingResponse{
			BookingID:     res.BookingID.String(),
			PaymentSecret: res.PaymentSecret,
			TotalCents:    res.TotalCents,
			ExpiresAt:     res.ExpiresAt,
		}

		if idemStorageKey != "" && idem != nil {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary  Get booking
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  200 {object} BookingResponse
// @Failure  404 {object} ErrorResponse
// @Router   /bookings/{id} [get]
func handleGetBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		b, err := svcs.Query.GetBooking(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		if b.UserID != principalID(c) && c.GetString("role") != "staff" && c.GetString("role") != "admin" {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
			return
		}
		c.JSON(http.StatusOK, BookingResponse{
			BookingID:     b.ID.String(),
			EventID:       b.EventID,
			Quantity:      b.Quantity,
			TotalCents:    b.TotalCents,
			Status:        string(b.Status),
			UnitsRedeemed: b.UnitsRedeemed,
			ExpiresAt:     b.ExpiresAt,
			CreatedAt:     b.CreatedAt,
		})
	}
}

// @Summary  Cancel booking
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  204
// @Failure  409 {object} ErrorResponse
// @Router   /bookings/{id}/cancel [post]
func handleCancelBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		if err := svcs.Booking.Cancel(c.Request.Context(), id, principalID(c)); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  Get ticket token for a confirmed booking
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  200 {object} TicketResponse
// @Failure  409 {object} ErrorResponse "booking not confirmed"
// @Router   /bookings/{id}/ticket [get]
func handleGetTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		b, err := svcs.Query.GetBooking(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		if b.UserID != principalID(c) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
			return
		}
		token, err := svcs.Booking.IssueTicket(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, TicketResponse{Token: token})
	}
}

// @Summary  Payment provider webhook
// @Success  200
// @Failure  400 {object} ErrorResponse
// @Failure  401 {object} ErrorResponse "signature rejected"
// @Router   /payments/webhook [post]
func handlePaymentWebhook(
	svcs *service.Services,
	verifier *payment.WebhookVerifier,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
		if err != nil {
			badRequest(c, "cannot read body")
			return
		}

		if err := verifier.Verify(c.GetHeader(signatureHeader), body); err != nil {
			logger.Warn("webhook rejected", "error", err, "ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "signature rejected"})
			return
		}

		ev, err := payment.Normalize(body, time.Now().UTC())
		if err != nil {
			if errors.Is(err, payment.ErrUnknownKind) {
				// acknowledged so the provider stops retrying, never applied
				c.Status(http.StatusOK)
				return
			}
			badRequest(c, "malformed payload")
			return
		}

		if err := svcs.Booking.ApplyPaymentEvent(c.Request.Context(), ev); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusOK)
	}
}

// @Summary  Redeem a ticket token
// @Param    req body  RedeemRequest true "payload"
// @Success  201 {object} RedeemResponse
// @Failure  401 {object} ErrorResponse "bad signature"
// @Failure  409 {object} ErrorResponse "already redeemed / not confirmed"
// @Failure  410 {object} ErrorResponse "token expired"
// @Router   /checkins [post]
func handleRedeem(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RedeemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		rec, err := svcs.CheckIn.Redeem(c.Request.Context(), req.Token, principalID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, RedeemResponse{
			CheckInID:     rec.ID.String(),
			BookingID:     rec.BookingID.String(),
			UnitsRedeemed: rec.Units,
			CheckedInAt:   rec.CheckedInAt,
		})
	}
}

// @Summary  Redemption history for a booking
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  200 {array} RedeemResponse
// @Router   /bookings/{id}/checkins [get]
func handleCheckInHistory(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		recs, err := svcs.CheckIn.History(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		out := make([]RedeemResponse, 0, len(recs))
		for _, rec := range recs {
			out = append(out, RedeemResponse{
				CheckInID:     rec.ID.String(),
				BookingID:     rec.BookingID.String(),
				UnitsRedeemed: rec.Units,
				CheckedInAt:   rec.CheckedInAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Create event
// @Param    req body  CreateEventRequest true "payload"
// @Success  201 {object} CreateEventResponse
// @Router   /admin/events [post]
func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		starts, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "invalid starts_at (RFC3339)")
			return
		}
		ends, err := parseRFC3339(req.EndsAt)
		if err != nil {
			badRequest(c, "invalid ends_at (RFC3339)")
			return
		}
		id, err := svcs.Admin.CreateEvent(c.Request.Context(), &domain.Event{
			VenueID:    req.VenueID,
			Title:      req.Title,
			Capacity:   req.Capacity,
			PriceCents: req.PriceCents,
			Starts:     starts,
			Ends:       ends,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateEventResponse{EventID: id})
	}
}

// @Summary  Deactivate event
// @Param    id  path  int  true  "Event ID"
// @Success  204
// @Router   /admin/events/{id}/deactivate [post]
func handleDeactivateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		if err := svcs.Admin.DeactivateEvent(c.Request.Context(), eventID); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func isRateLimitedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "rate limited")
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	switch {
	// booking service
	case errors.Is(err, booking.ErrInsufficientInventory):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "insufficient inventory"})
		return
	case errors.Is(err, booking.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
		return
	case errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
		return
	case errors.Is(err, booking.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not your booking"})
		return
	case errors.Is(err, booking.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "operation not valid for booking status"})
		return
	case errors.Is(err, booking.ErrIntentFailed):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "payment provider unavailable"})
		return
	// check-in service
	case errors.Is(err, checkin.ErrAlreadyRedeemed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "already redeemed"})
		return
	case errors.Is(err, checkin.ErrNotConfirmed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "booking not confirmed"})
		return
	case errors.Is(err, checkin.ErrTokenMismatch):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "token mismatch"})
		return
	case errors.Is(err, checkin.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
		return
	// ticket codec
	case errors.Is(err, ticket.ErrMalformed):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed ticket"})
		return
	case errors.Is(err, ticket.ErrBadSignature):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid ticket signature"})
		return
	case errors.Is(err, ticket.ErrExpired):
		c.JSON(http.StatusGone, ErrorResponse{Error: "ticket expired"})
		return
	// query service
	case errors.Is(err, query.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
		return
	case errors.Is(err, query.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
		return
	// admin service
	case errors.Is(err, admin.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event definition"})
		return
	case errors.Is(err, admin.ErrEventConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event conflict"})
		return
	case errors.Is(err, admin.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
