package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"booking-orchestrator/internal/gateway"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/service"
	"booking-orchestrator/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const signatureHeader = "Stripe-Signature"

// BookingService is the orchestrator surface exposed over HTTP
type BookingService interface {
	Validate(ctx context.Context, req service.ValidateRequest) (*service.ValidationResult, error)
	CreateProvisionalBooking(ctx context.Context, req service.HoldRequest) (*service.ProvisionalResult, error)
	CreateAgentBooking(ctx context.Context, req service.HoldRequest) (*service.HoldResult, error)
	Checkout(ctx context.Context, bookingID string) (*service.SessionResult, error)
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	Finalize(ctx context.Context, bookingID string) (*service.FinalizeResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	ListReview(ctx context.Context, limit int) ([]models.Booking, error)
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	bookings BookingService
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(bookings BookingService, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		bookings: bookings,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(correlationMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(loggerMiddleware(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/prebooking/validate", h.validateOffer)

	bookings := router.Group("/bookings")
	{
		bookings.POST("/provisional", h.createProvisional)
		bookings.POST("/agent-assisted", h.createAgentAssisted)
		bookings.POST("/:id/checkout", h.checkout)
		bookings.GET("/:id", h.getBooking)
	}

	router.POST("/providers/finalize", h.finalize)
	router.POST("/payments/webhook", h.paymentWebhook)
	router.GET("/admin/bookings/review", h.listReview)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) validateOffer(c *gin.Context) {
	var req service.ValidateRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.bookings.Validate(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	body := gin.H{
		"ok":              true,
		"price":           res.Price,
		"currency":        res.Currency,
		"validated_offer": res.ValidatedOffer,
		"expires_at":      res.ExpiresAt,
		"pass_through":    res.PassThrough,
	}
	if res.Existing {
		body["booking_id"] = res.BookingID
		body["existing"] = true
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) createProvisional(c *gin.Context) {
	var req service.HoldRequest
	if !h.bind(c, &req) {
		return
	}
	if req.ClientRequestID == "" {
		req.ClientRequestID = c.GetHeader("Idempotency-Key")
	}

	res, err := h.bookings.CreateProvisionalBooking(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	body := gin.H{
		"ok":       true,
		"existing": res.Existing,
		"booking":  res.Booking.View(),
	}
	if res.Session != nil {
		body["session_id"] = res.Session.SessionID
		body["checkout_url"] = res.Session.CheckoutURL
		body["session_expires_at"] = res.Session.ExpiresAt
	}
	c.JSON(createdStatus(res.Existing), body)
}

func (h *Handler) createAgentAssisted(c *gin.Context) {
	var req service.HoldRequest
	if !h.bind(c, &req) {
		return
	}
	if req.ClientRequestID == "" {
		req.ClientRequestID = c.GetHeader("Idempotency-Key")
	}

	res, err := h.bookings.CreateAgentBooking(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(createdStatus(res.Existing), gin.H{
		"ok":       true,
		"existing": res.Existing,
		"booking":  res.Booking.View(),
	})
}

func (h *Handler) checkout(c *gin.Context) {
	res, err := h.bookings.Checkout(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                 true,
		"booking_id":         res.BookingID,
		"session_id":         res.SessionID,
		"checkout_url":       res.CheckoutURL,
		"session_expires_at": res.ExpiresAt,
		"reused":             res.Reused,
	})
}

func (h *Handler) getBooking(c *gin.Context) {
	b, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"booking": b.View(),
	})
}

type finalizeRequest struct {
	BookingID string `json:"booking_id" binding:"required"`
}

func (h *Handler) finalize(c *gin.Context) {
	var req finalizeRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.bookings.Finalize(c.Request.Context(), req.BookingID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	body := gin.H{
		"ok":        true,
		"done":      res.Done,
		"escalated": res.Escalated,
		"booking":   res.Booking.View(),
	}
	if res.NextAttempt > 0 {
		body["next_attempt"] = res.NextAttempt
		body["retry_in_seconds"] = res.RetryIn.Seconds()
	}
	c.JSON(http.StatusOK, body)
}

// paymentWebhook acknowledges every authenticated callback it can attribute
// or safely drop. Only transient failures ask the gateway to redeliver.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": models.CodeInvalidRequest, "message": "Unreadable body"})
		return
	}

	err = h.bookings.HandleWebhook(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true, "received": true})
	case gateway.IsInvalidSignature(err):
		h.requestLogger(c).Warn("Rejected webhook with invalid signature", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "code": "INVALID_SIGNATURE", "message": "Signature verification failed"})
	case models.ErrorCode(err) == models.CodeBookingNotFound:
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "code": models.CodeBookingNotFound})
	default:
		h.writeError(c, err)
	}
}

func (h *Handler) listReview(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	bookings, err := h.bookings.ListReview(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]models.BookingView, len(bookings))
	for i := range bookings {
		views[i] = bookings[i].View()
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"count":    len(views),
		"bookings": views,
	})
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"code":    models.CodeInvalidRequest,
			"message": "Invalid request body",
			"details": gin.H{"error": err.Error()},
		})
		return false
	}
	return true
}

var statusByCode = map[string]int{
	models.CodeInvalidRequest:   http.StatusBadRequest,
	models.CodeTermsNotAccepted: http.StatusBadRequest,
	models.CodeEmailRequired:    http.StatusBadRequest,
	models.CodePriceChanged:     http.StatusConflict,
	models.CodeOfferExpired:     http.StatusConflict,
	models.CodeHoldExpired:      http.StatusConflict,
	models.CodeInvalidState:     http.StatusConflict,
	models.CodeProviderError:    http.StatusBadGateway,
	models.CodeBookingNotFound:  http.StatusNotFound,
}

// writeError renders err in the response envelope. Uncoded errors are
// logged and reported as INTERNAL_ERROR without their cause.
func (h *Handler) writeError(c *gin.Context, err error) {
	var be *models.BookingError
	if !errors.As(err, &be) {
		h.requestLogger(c).Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":             false,
			"code":           models.CodeInternalError,
			"message":        "Internal error",
			"correlation_id": util.CorrelationID(c.Request.Context()),
		})
		return
	}

	status, ok := statusByCode[be.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := gin.H{
		"ok":      false,
		"code":    be.Code,
		"message": be.Message,
	}
	if len(be.Details) > 0 {
		body["details"] = be.Details
	}
	c.JSON(status, body)
}

func (h *Handler) requestLogger(c *gin.Context) *zap.Logger {
	return util.LoggerFromContext(c.Request.Context(), h.logger)
}

func createdStatus(existing bool) int {
	if existing {
		return http.StatusOK
	}
	return http.StatusCreated
}
