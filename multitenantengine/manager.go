package multitenantengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/automations/engine"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// TenantEngine is a loaded tenant with its running runtime
type TenantEngine struct {
	Tenant  Tenant
	Runtime *Runtime
}

// dedupeSweeper is implemented by dedupe stores that keep released keys around
type dedupeSweeper interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// MultiTenantEngineManager runs one engine per tenant. All engines draw rule
// workers from a single semaphore, so the concurrency limit is global.
type MultiTenantEngineManager struct {
	registry TenantRegistry
	factory  Factory
	limiter  *semaphore.Weighted
	engines  map[string]*TenantEngine
	mu       sync.RWMutex
}

// NewMultiTenantEngineManager creates a manager with a global worker limit
func NewMultiTenantEngineManager(registry TenantRegistry, factory Factory, concurrency int) *MultiTenantEngineManager {
	if concurrency <= 0 {
		concurrency = engine.DefaultConcurrency
	}
	return &MultiTenantEngineManager{
		registry: registry,
		factory:  factory,
		limiter:  semaphore.NewWeighted(int64(concurrency)),
		engines:  make(map[string]*TenantEngine),
	}
}

// LoadAllTenants starts an engine for every registered tenant that is not loaded yet
func (m *MultiTenantEngineManager) LoadAllTenants(ctx context.Context) error {
	tenants, err := m.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, t := range tenants {
		if _, err := m.GetEngine(t.ID); err == nil {
			continue
		}
		if err := m.start(ctx, t); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", t.ID, err)
		}
	}
	logger.Info("Tenants loaded", "count", len(tenants))
	return nil
}

// CreateTenant registers a tenant and starts its engine
func (m *MultiTenantEngineManager) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	if err := ValidateTenantName(name); err != nil {
		return Tenant{}, fmt.Errorf("%w: %v", rules.ErrInvalidRule, err)
	}

	t, err := m.registry.Create(ctx, name)
	if err != nil {
		return Tenant{}, err
	}
	if err := m.start(ctx, t); err != nil {
		return Tenant{}, err
	}
	logger.Info("Tenant created", "tenant_id", t.ID, "name", t.Name)
	return t, nil
}

func (m *MultiTenantEngineManager) start(ctx context.Context, t Tenant) error {
	rt, err := m.factory(t.ID, m.limiter)
	if err != nil {
		return err
	}
	if err := rt.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	m.mu.Lock()
	m.engines[t.ID] = &TenantEngine{Tenant: t, Runtime: rt}
	m.mu.Unlock()
	return nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*engine.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, rules.ErrTenantNotFound)
	}
	return te.Runtime.Engine, nil
}

// ListTenants returns the loaded tenants, oldest first
func (m *MultiTenantEngineManager) ListTenants() []Tenant {
	m.mu.RLock()
	tenants := make([]Tenant, 0, len(m.engines))
	for _, te := range m.engines {
		tenants = append(tenants, te.Tenant)
	}
	m.mu.RUnlock()

	sortTenants(tenants)
	return tenants
}

// UnloadTenant drains and stops a tenant's engine and removes it from the
// manager. The tenant stays in the registry.
func (m *MultiTenantEngineManager) UnloadTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	te, exists := m.engines[tenantID]
	if exists {
		delete(m.engines, tenantID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, rules.ErrTenantNotFound)
	}
	return te.Runtime.Engine.Stop(ctx)
}

// Shutdown stops every engine in parallel, waiting for in-flight executions
func (m *MultiTenantEngineManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*TenantEngine)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for id, te := range engines {
		wg.Add(1)
		go func(id string, e *engine.Engine) {
			defer wg.Done()
			if err := e.Stop(ctx); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", id, err))
				mu.Unlock()
			}
		}(id, te.Runtime.Engine)
	}
	wg.Wait()

	return errs.ErrorOrNil()
}

// SweepDedupe removes released idempotency keys that expired before the cutoff
// from every tenant whose store keeps them
func (m *MultiTenantEngineManager) SweepDedupe(ctx context.Context, before time.Time) (int64, error) {
	m.mu.RLock()
	sweepers := make(map[string]dedupeSweeper)
	for id, te := range m.engines {
		if s, ok := te.Runtime.Dedupe.(dedupeSweeper); ok {
			sweepers[id] = s
		}
	}
	m.mu.RUnlock()

	var (
		total int64
		errs  *multierror.Error
	)
	for id, s := range sweepers {
		n, err := s.Cleanup(ctx, before)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", id, err))
			continue
		}
		total += n
	}
	return total, errs.ErrorOrNil()
}

// RunMaintenance sweeps expired dedupe keys every interval until ctx ends
func (m *MultiTenantEngineManager) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := m.SweepDedupe(ctx, now)
			if err != nil {
				logger.Warn("Dedupe sweep failed", "error", err)
			}
			if n > 0 {
				logger.Debug("Swept expired dedupe keys", "count", n)
			}
		}
	}
}
