package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opsfin/tenant-router/internal/config"
	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/ledger"
	"github.com/opsfin/tenant-router/internal/migrate"
	"github.com/opsfin/tenant-router/internal/routing"
)

// Deps carries everything the router wires together.
type Deps struct {
	Directory    *directory.Directory
	Resolver     *routing.Resolver
	Ledger       *ledger.Service
	Orchestrator *migrate.Orchestrator
	JWTSecret    []byte
}

func NewRouter(deps Deps, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, deps, log)
	return r
}

func RegisterHandlers(r *gin.Engine, deps Deps, log *zap.SugaredLogger) {
	route := func(op routing.OpKind) gin.HandlerFunc {
		return TenantMiddleware(deps.Resolver, deps.JWTSecret, op, log)
	}

	v1 := r.Group("/v1")
	{
		// tenant directory; listing is on the anonymous allowlist
		v1.GET("/tenants", route(routing.OpTenantList), listTenantsHandler(deps.Directory))
		v1.POST("/tenants/switch", route(routing.OpTenantSwitch), switchTenantHandler(deps.Directory))
		v1.POST("/tenants", route(routing.OpTenantAdmin), createTenantHandler(deps.Directory))
		v1.GET("/tenants/:id", route(routing.OpTenantAdmin), getTenantHandler(deps.Directory))
		v1.GET("/tenants/:id/audit", route(routing.OpTenantAdmin), tenantAuditHandler(deps.Directory))

		// ledger, through the routed handle
		v1.POST("/ledger/events", route(routing.OpLedgerWrite), postEventHandler(deps.Ledger))
		v1.GET("/ledger/events", route(routing.OpLedgerRead), listEventsHandler(deps.Ledger))
		v1.GET("/ledger/balances/:account", route(routing.OpLedgerRead), balanceHandler(deps.Ledger))

		// migration control surface
		v1.POST("/migrations/:tenant_id/start", route(routing.OpMigrationControl), startMigrationHandler(deps.Orchestrator))
		v1.GET("/migrations/:tenant_id", route(routing.OpMigrationControl), migrationStatusHandler(deps.Orchestrator))
		v1.POST("/migrations/:tenant_id/rollback", route(routing.OpMigrationControl), rollbackMigrationHandler(deps.Orchestrator))
		v1.GET("/migrations/:tenant_id/records", route(routing.OpMigrationControl), migrationRecordsHandler(deps.Orchestrator))
	}
}
