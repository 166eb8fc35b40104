package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/omnitool-app/omnitool/app/controllers"
	"github.com/omnitool-app/omnitool/internal/pkg/billing"
	"github.com/omnitool-app/omnitool/internal/pkg/cache"
	"github.com/omnitool-app/omnitool/internal/pkg/config"
	"github.com/omnitool-app/omnitool/internal/pkg/entitlements"
	"github.com/omnitool-app/omnitool/internal/pkg/env"
	"github.com/omnitool-app/omnitool/internal/pkg/metrics/counter"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
	"github.com/omnitool-app/omnitool/internal/pkg/router"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

func main() {
	app, cfg := NewApplication()
	log.Fatal(app.Listen(fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)))
}

// NewApplication wires the process: configuration, the regional datastore,
// cache, providers and the HTTP surface. All wiring happens here once;
// components receive their dependencies and never reach for globals.
func NewApplication() (*fiber.App, *config.Config) {
	env.SetupEnvFile()
	cfg := config.Load()

	st, err := store.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("datastore setup failed (region=%s): %v", cfg.Region, err)
	}

	ca := cache.New(cfg.Redis)
	counters := counter.New(ca)
	providers := payment.NewRegistry(cfg)
	applier := entitlements.NewApplier(st)
	svc := billing.NewService(st, providers, applier, cfg.Region)

	appleProvider, err := providers.Get(payment.MethodApple)
	if err != nil {
		log.Fatalf("apple provider setup failed: %v", err)
	}
	querier, ok := appleProvider.(payment.AppleStatusQuerier)
	if !ok {
		log.Fatalf("apple provider does not answer status queries")
	}
	oracle := billing.NewOracle(st, querier, ca)

	app := fiber.New(fiber.Config{
		AppName: "OmniTool Payments",
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app,
		router.NewApiRouter(
			controllers.NewPaymentController(svc, oracle, st, counters),
			controllers.NewWebhookController(svc, cfg, counters),
		),
	)

	return app, cfg
}
