// Package routing resolves an inbound request's identity claim to the
// storage handle its tenant must use, and scopes that handle to the
// request via the context propagator.
package routing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/registry"
)

// ErrForbidden means a request without a tenant identifier asked for an
// operation outside the anonymous allowlist. Logged as a potential
// security event, never retried.
var ErrForbidden = errors.New("operation forbidden without tenant identity")

// ErrTenantUnavailable means the tenant is unknown or suspended.
var ErrTenantUnavailable = errors.New("tenant unavailable")

// ErrTenantFrozen means writes are temporarily rejected while the
// tenant migrates; callers should back off and retry.
var ErrTenantFrozen = errors.New("tenant writes frozen for migration")

// OpKind classifies the requested operation for allowlisting and
// freeze enforcement.
type OpKind string

const (
	OpLogin            OpKind = "auth.login"
	OpRegister         OpKind = "auth.register"
	OpRefresh          OpKind = "auth.refresh"
	OpTenantList       OpKind = "tenant.list"
	OpTenantSwitch     OpKind = "tenant.switch"
	OpTenantAdmin      OpKind = "tenant.admin"
	OpLedgerRead       OpKind = "ledger.read"
	OpLedgerWrite      OpKind = "ledger.write"
	OpMigrationControl OpKind = "migration.control"
)

// anonymousOps is the fixed allowlist of operations valid without a
// tenant identifier.
var anonymousOps = map[OpKind]bool{
	OpLogin:        true,
	OpRegister:     true,
	OpRefresh:      true,
	OpTenantList:   true,
	OpTenantSwitch: true,
}

// Route is one request's resolved storage decision.
type Route struct {
	TenantID string
	Mode     model.TenantMode
	Frozen   bool
	Handle   *gorm.DB
}

// Resolver computes routes. Resolution is a pure function of the claim
// and the current directory record; there is no resolver-local state.
type Resolver struct {
	dir     *directory.Directory
	shared  *gorm.DB
	aliases registry.HandleResolver
	log     *zap.SugaredLogger
}

func NewResolver(dir *directory.Directory, shared *gorm.DB, aliases registry.HandleResolver, log *zap.SugaredLogger) *Resolver {
	return &Resolver{dir: dir, shared: shared, aliases: aliases, log: log}
}

// Resolve maps (claim, op) to a Route. Requests without a tenant
// identifier pass only if op is on the anonymous allowlist and get a
// route with no handle.
func (r *Resolver) Resolve(ctx context.Context, claims *Claims, op OpKind) (Route, error) {
	if claims == nil || claims.TenantID == "" {
		if anonymousOps[op] {
			return Route{}, nil
		}
		r.log.Warnw("anonymous request outside allowlist", "op", op)
		return Route{}, ErrForbidden
	}

	rec, err := r.dir.Get(ctx, claims.TenantID)
	if err != nil {
		if errors.Is(err, directory.ErrTenantNotFound) {
			return Route{}, fmt.Errorf("%w: %s", ErrTenantUnavailable, claims.TenantID)
		}
		return Route{}, err
	}
	if rec.Status == model.StatusSuspended {
		return Route{}, fmt.Errorf("%w: %s suspended", ErrTenantUnavailable, claims.TenantID)
	}

	route := Route{
		TenantID: rec.TenantID,
		Mode:     rec.Mode,
		Frozen:   rec.Frozen(),
	}
	switch rec.Mode {
	case model.ModeShared:
		route.Handle = r.shared.WithContext(ctx)
	case model.ModeDedicated:
		if rec.StoreAlias == nil {
			return Route{}, fmt.Errorf("tenant %s: dedicated mode without alias", rec.TenantID)
		}
		h, err := r.aliases.Resolve(ctx, *rec.StoreAlias)
		if err != nil {
			return Route{}, err
		}
		route.Handle = h
	default:
		return Route{}, fmt.Errorf("tenant %s: unknown mode %q", rec.TenantID, rec.Mode)
	}

	if route.Frozen && op == OpLedgerWrite {
		return route, ErrTenantFrozen
	}
	return route, nil
}
