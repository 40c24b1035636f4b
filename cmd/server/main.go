package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/config"
	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/ledger"
	"github.com/opsfin/tenant-router/internal/logger"
	"github.com/opsfin/tenant-router/internal/migrate"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/registry"
	"github.com/opsfin/tenant-router/internal/routing"
	httptransport "github.com/opsfin/tenant-router/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. system-of-record store; it also hosts the shared tenant store
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := model.MigrateSystem(gdb); err != nil {
		log.Fatalf("migrate system schema: %v", err)
	}
	if err := model.MigrateTenant(gdb); err != nil {
		log.Fatalf("migrate shared tenant schema: %v", err)
	}

	// 4. dedicated store registry; schemas are prepared up front
	aliases := registry.NewStaticResolver(cfg.Stores.Aliases, log)
	for alias := range cfg.Stores.Aliases {
		h, err := aliases.Resolve(context.Background(), alias)
		if err != nil {
			log.Fatalf("open dedicated store %s: %v", alias, err)
		}
		if err := model.MigrateTenant(h); err != nil {
			log.Fatalf("migrate dedicated store %s: %v", alias, err)
		}
	}

	// 5. redis directory cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 6. core services
	dir := directory.New(gdb, rdb, cfg.Redis.TenantDirectoryTTL, log)
	resolver := routing.NewResolver(dir, gdb, aliases, log)
	ledgerSvc := ledger.NewService(dir, log)
	orchestrator := migrate.NewOrchestrator(
		dir, gdb, gdb, aliases,
		migrate.NewExporter(cfg.Migration.ExportBatch, cfg.Migration.SettleDelay, log),
		migrate.NewImporter(log),
		migrate.NewReplayer(cfg.Migration.ExportBatch, log),
		migrate.NewVerifier(migrate.VerifierConfig{
			CheckAggregateCounts: cfg.Migration.CheckCounts,
			CheckBalanceTotals:   cfg.Migration.CheckBalances,
			Batch:                cfg.Migration.ExportBatch,
		}, log),
		cfg.Migration.StepTimeout,
		log,
	)

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Deps{
		Directory:    dir,
		Resolver:     resolver,
		Ledger:       ledgerSvc,
		Orchestrator: orchestrator,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
	}, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("tenant-router listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
