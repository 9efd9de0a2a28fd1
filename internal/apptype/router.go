package apptype

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"go.uber.org/zap"
)

var errMissingDefault = errors.New("apptype: default instances are required")

// Instances are the per-type cache and store.
type Instances struct {
	Type   AppType
	Config Config
	Cache  *hotcache.Cache
	Store  storage.Store
}

// Router resolves an app type to its instances.
type Router struct {
	instances map[AppType]Instances
	logger    *zap.Logger
}

// NewRouter builds a router over pre-built instances. Default is mandatory.
func NewRouter(instances []Instances, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byType := make(map[AppType]Instances, len(instances))
	for _, instance := range instances {
		instance.Config = instance.Type.Config()
		byType[instance.Type] = instance
	}
	if _, ok := byType[Default]; !ok {
		return nil, errMissingDefault
	}
	return &Router{instances: byType, logger: logger}, nil
}

// Provisioner builds the cache and store of one app type.
type Provisioner func(ctx context.Context, appType AppType, cfg Config) (*hotcache.Cache, storage.Store, error)

// Provision builds instances for every known app type.
func Provision(ctx context.Context, provision Provisioner, logger *zap.Logger) (*Router, error) {
	instances := make([]Instances, 0, len(All()))
	for _, appType := range All() {
		cache, store, err := provision(ctx, appType, appType.Config())
		if err != nil {
			for _, built := range instances {
				_ = built.Cache.Destroy()
				_ = built.Store.Destroy(ctx)
			}
			return nil, fmt.Errorf("provision %s: %w", appType, err)
		}
		instances = append(instances, Instances{Type: appType, Cache: cache, Store: store})
	}
	return NewRouter(instances, logger)
}

// Resolve returns the instances of appType. Types without instances resolve
// to Default; fallback reports when that happened.
func (r *Router) Resolve(appType AppType) (Instances, bool) {
	if instance, ok := r.instances[appType]; ok {
		return instance, false
	}
	r.logger.Warn("no instances for app type, using default", zap.String("app_type", string(appType)))
	return r.instances[Default], true
}

// All returns every provisioned instance in a stable order.
func (r *Router) All() []Instances {
	out := make([]Instances, 0, len(r.instances))
	for _, appType := range All() {
		if instance, ok := r.instances[appType]; ok {
			out = append(out, instance)
		}
	}
	return out
}

// Destroy releases every cache and store.
func (r *Router) Destroy(ctx context.Context) error {
	var errs []error
	for _, instance := range r.All() {
		if instance.Cache != nil {
			if err := instance.Cache.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		if instance.Store != nil {
			if err := instance.Store.Destroy(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
