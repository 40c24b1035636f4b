package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/ledger"
	"github.com/opsfin/tenant-router/internal/migrate"
	"github.com/opsfin/tenant-router/internal/routing"
)

// --- tenant directory ---

type createTenantReq struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

func createTenantHandler(dir *directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTenantReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := dir.Create(c.Request.Context(), req.TenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func getTenantHandler(dir *directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := dir.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, directory.ErrTenantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func tenantAuditHandler(dir *directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := dir.History(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func listTenantsHandler(dir *directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := dir.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

type switchTenantReq struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// switchTenantHandler confirms the named tenant is routable before the
// identity layer reissues a token for it.
func switchTenantHandler(dir *directory.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchTenantReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := dir.Get(c.Request.Context(), req.TenantID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "tenant_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": rec.TenantID, "status": rec.Status, "mode": rec.Mode})
	}
}

// --- ledger (routed handle) ---

func postEventHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := routing.RouteFrom(c.Request.Context())
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "no tenant route", "code": "forbidden"})
			return
		}
		var req ledger.PostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ev, err := svc.Post(c.Request.Context(), route, req)
		if err != nil {
			if errors.Is(err, routing.ErrTenantFrozen) {
				c.JSON(http.StatusLocked, gin.H{
					"error": err.Error(), "code": "tenant_frozen", "retryable": true,
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

func listEventsHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := routing.RouteFrom(c.Request.Context())
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "no tenant route", "code": "forbidden"})
			return
		}
		after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		evts, err := svc.List(c.Request.Context(), route, after, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, evts)
	}
}

func balanceHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := routing.RouteFrom(c.Request.Context())
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "no tenant route", "code": "forbidden"})
			return
		}
		bal, err := svc.Balance(c.Request.Context(), route, c.Param("account"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": bal.AccountID, "balance": bal.Balance})
	}
}

// --- migration control surface ---

type startMigrationReq struct {
	TargetAlias string `json:"target_alias" binding:"required"`
	Operator    string `json:"operator" binding:"required"`
}

func startMigrationHandler(orc *migrate.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startMigrationReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st := orc.Start(c.Param("tenant_id"), req.TargetAlias, req.Operator)
		c.JSON(http.StatusAccepted, st)
	}
}

func migrationStatusHandler(orc *migrate.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orc.Status(c.Param("tenant_id")))
	}
}

func rollbackMigrationHandler(orc *migrate.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orc.Rollback(c.Param("tenant_id")))
	}
}

func migrationRecordsHandler(orc *migrate.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var from, to time.Time
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
				return
			}
			from = t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
				return
			}
			to = t
		}
		recs, err := orc.Records(c.Request.Context(), c.Param("tenant_id"), from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}
