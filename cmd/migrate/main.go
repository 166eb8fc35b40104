package main

import (
	"context"
	"log"
	"time"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
	"github.com/omnitool-app/omnitool/internal/pkg/env"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

// Bootstraps the regional datastore schema without starting the API:
// table migration on the MySQL backend, unique index creation on the
// MongoDB backend. Deploy pipelines run this before rolling the service.
func main() {
	env.SetupEnvFile()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.New(ctx, cfg)
	if err != nil {
		log.Fatalf("schema bootstrap failed (region=%s): %v", cfg.Region, err)
	}
	log.Printf("schema ready: region=%s backend=%s", cfg.Region, st.Backend())
}
