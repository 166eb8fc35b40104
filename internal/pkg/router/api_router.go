package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/omnitool-app/omnitool/app/controllers"
	"github.com/omnitool-app/omnitool/internal/pkg/middleware"
)

type ApiRouter struct {
	payments *controllers.PaymentController
	webhooks *controllers.WebhookController
}

func NewApiRouter(payments *controllers.PaymentController, webhooks *controllers.WebhookController) *ApiRouter {
	return &ApiRouter{payments: payments, webhooks: webhooks}
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", middleware.UserContext())

	api.Get("/health", h.payments.HandleHealth)

	// Client-facing payment endpoints are rate limited; provider
	// callbacks are not, their redelivery would amplify under a limiter.
	payments := api.Group("/payments", limiter.New(), middleware.RequireUser)
	payments.Post("/checkout", h.payments.HandleCreateCheckout)
	payments.Post("/confirm", h.payments.HandleConfirmPayment)
	payments.Get("/:id/status", h.payments.HandleOrderStatus)

	api.Get("/subscriptions/apple/status", middleware.RequireUser, h.payments.HandleAppleStatus)

	webhooks := api.Group("/webhooks")
	webhooks.Post("/stripe", h.webhooks.HandleStripeWebhook)
	webhooks.Post("/alipay", h.webhooks.HandleAlipayNotification)
	webhooks.Post("/wechat", h.webhooks.HandleWechatNotification)
	webhooks.Post("/apple", h.webhooks.HandleAppleNotification)
}
