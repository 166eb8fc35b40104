package controllers

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/omnitool-app/omnitool/internal/pkg/billing"
	"github.com/omnitool-app/omnitool/internal/pkg/entitlements"
	"github.com/omnitool-app/omnitool/internal/pkg/metrics/counter"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
	"github.com/omnitool-app/omnitool/internal/pkg/usercontext"
)

// PaymentController serves the client-facing payment API: checkout
// creation, client-triggered confirmation, QR polling and the in-app
// subscription status oracle.
type PaymentController struct {
	svc      *billing.Service
	oracle   *billing.Oracle
	store    store.Store
	counters *counter.Counter
	validate *validator.Validate
}

func NewPaymentController(svc *billing.Service, oracle *billing.Oracle, s store.Store, counters *counter.Counter) *PaymentController {
	return &PaymentController{
		svc:      svc,
		oracle:   oracle,
		store:    s,
		counters: counters,
		validate: validator.New(),
	}
}

func (pc *PaymentController) HandleCreateCheckout(c *fiber.Ctx) error {
	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed request body"})
	}
	if req.UserID == 0 && req.UserEmail == "" {
		uc := usercontext.GetUserContext(c)
		req.UserID = uc.UserID
		req.UserEmail = uc.Email
	}
	if err := pc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	resp, err := pc.svc.CreateCheckout(c.Context(), req)
	if err != nil {
		return pc.paymentError(c, "checkout", err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleConfirmPayment resolves a returned checkout reference or an
// in-app receipt into an entitlement. Safe to call repeatedly; a repeat
// answers with alreadyProcessed instead of granting again.
func (pc *PaymentController) HandleConfirmPayment(c *fiber.Ctx) error {
	var req billing.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed request body"})
	}
	if req.UserID == 0 && req.UserEmail == "" {
		uc := usercontext.GetUserContext(c)
		req.UserID = uc.UserID
		req.UserEmail = uc.Email
	}
	if err := pc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	snap, err := pc.svc.Confirm(c.Context(), req)
	if err != nil {
		return pc.paymentError(c, "confirm", err)
	}
	if !snap.AlreadyProcessed {
		pc.counters.AddCompletedPayment(req.Method)
	}
	return c.JSON(billing.ConfirmResponse{Success: true, AppliedSnapshot: *snap})
}

func (pc *PaymentController) HandleOrderStatus(c *fiber.Ctx) error {
	paymentID := c.Params("id")
	if paymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Missing payment id"})
	}

	status, err := pc.svc.OrderStatusByID(c.Context(), paymentID)
	if err != nil {
		return pc.paymentError(c, "order status", err)
	}
	return c.JSON(status)
}

func (pc *PaymentController) HandleAppleStatus(c *fiber.Ctx) error {
	userID := uint64(usercontext.GetUserID(c))
	if userID == 0 {
		// Service-to-service callers pass the user explicitly.
		userID, _ = strconv.ParseUint(c.Query("user_id"), 10, 32)
	}
	if userID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid user id"})
	}

	status, err := pc.oracle.AppleStatus(c.Context(), uint(userID))
	if err != nil {
		return pc.paymentError(c, "apple status", err)
	}
	return c.JSON(status)
}

func (pc *PaymentController) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"backend":  pc.store.Backend(),
		"counters": pc.counters.Snapshot(c.Context()),
	})
}

// paymentError maps the error taxonomy onto HTTP statuses. Provider
// outages are distinguishable from declined payments so clients can
// retry the former and stop on the latter.
func (pc *PaymentController) paymentError(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, entitlements.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No matching record"})
	case errors.Is(err, payment.ErrNotCompleted):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "payment_not_completed", "message": "Payment is not completed"})
	case errors.Is(err, payment.ErrVerification):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "verification_failed", "message": "Signature verification failed"})
	case errors.Is(err, payment.ErrConfigMissing):
		log.Errorf("%s failed, provider not configured: %v", op, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_not_configured", "message": "Payment provider is not configured"})
	case errors.Is(err, payment.ErrProviderUnavailable):
		log.Errorf("%s failed, provider unreachable: %v", op, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable", "message": "Payment provider is unreachable"})
	case errors.Is(err, entitlements.ErrProfileSync):
		log.Errorf("%s applied but profile sync failed: %v", op, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "profile_sync_failed", "message": "Entitlement recorded, profile refresh pending"})
	default:
		log.Errorf("%s failed: %v", op, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}
