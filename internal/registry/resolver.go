// Package registry resolves dedicated-store aliases to live database
// handles. Physical provisioning of the stores themselves happens
// elsewhere; this package only hands out connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ErrAliasNotFound means no store is registered under the alias.
var ErrAliasNotFound = errors.New("store alias not found")

// HandleResolver turns a store alias into a live handle.
type HandleResolver interface {
	Resolve(ctx context.Context, alias string) (*gorm.DB, error)
}

// StaticResolver resolves aliases from a fixed alias->DSN map, opening
// each handle lazily and caching it.
type StaticResolver struct {
	dsns map[string]string
	mu   sync.RWMutex
	open map[string]*gorm.DB
	log  *zap.SugaredLogger
}

// NewStaticResolver builds a resolver over the configured alias map.
func NewStaticResolver(dsns map[string]string, log *zap.SugaredLogger) *StaticResolver {
	return &StaticResolver{
		dsns: dsns,
		open: make(map[string]*gorm.DB),
		log:  log,
	}
}

// Resolve returns the handle for alias, opening it on first use.
func (r *StaticResolver) Resolve(ctx context.Context, alias string) (*gorm.DB, error) {
	r.mu.RLock()
	db, ok := r.open[alias]
	r.mu.RUnlock()
	if ok {
		return db.WithContext(ctx), nil
	}

	dsn, ok := r.dsns[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.open[alias]; ok {
		return db.WithContext(ctx), nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", alias, err)
	}
	r.log.Infow("opened dedicated store", "alias", alias)
	r.open[alias] = db
	return db.WithContext(ctx), nil
}

// FixedResolver serves pre-opened handles; used by tests and by setups
// where stores are provisioned at boot.
type FixedResolver struct {
	handles map[string]*gorm.DB
}

func NewFixedResolver(handles map[string]*gorm.DB) *FixedResolver {
	return &FixedResolver{handles: handles}
}

func (r *FixedResolver) Resolve(ctx context.Context, alias string) (*gorm.DB, error) {
	db, ok := r.handles[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	return db.WithContext(ctx), nil
}
