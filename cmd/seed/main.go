package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wagateway/internal/config"
	"wagateway/internal/infrastructure/database"
	"wagateway/internal/repository"
	"wagateway/internal/service"
	"wagateway/pkg/idgen"
	"wagateway/pkg/logger"
)

// Creates the demo tenant and its admin user. Running it again is a no-op.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	tenantName := flag.String("tenant", "Demo Tenant", "tenant name")
	email := flag.String("email", "admin@example.com", "admin email")
	password := flag.String("password", "changeme", "admin password")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout).With().Str("service", "seed").Logger()

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatal().Err(err).Msg("init id generator")
	}

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tenant, user, err := service.SeedAdmin(ctx, repository.NewTenantRepository(db), repository.NewUserRepository(db), *tenantName, *email, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("seed admin")
	}
	log.Info().Str("tenant_id", tenant.ID).Str("user_id", user.ID).Str("email", user.Email).Msg("seeded")
}
