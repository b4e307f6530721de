package multitenantengine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/conditions"
	"github.com/liamcoop/automations/engine"
	"github.com/liamcoop/automations/guardrails"
	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/rules"
)

// Runtime is one tenant's running engine and the stores behind it
type Runtime struct {
	Engine *engine.Engine
	Dedupe guardrails.DedupeStore
}

// Factory builds a tenant runtime. limiter is shared by every tenant.
type Factory func(tenantID string, limiter *semaphore.Weighted) (*Runtime, error)

// Components are shared by every tenant a factory builds
type Components struct {
	// DB selects PostgreSQL rule, ledger and dedupe stores; nil keeps everything in memory
	DB *sql.DB
	// Redis, when set, replaces the dedupe store so idempotency holds across processes
	Redis redis.UniversalClient

	Executor      *actions.Executor
	Snapshots     actions.SnapshotSource
	Guardrails    guardrails.Config
	DedupeOptions guardrails.StoreOptions
	Engine        engine.Config
	RuleCacheTTL  time.Duration
}

// NewFactory returns a Factory wiring per-tenant stores around shared components
func NewFactory(c Components) Factory {
	return func(tenantID string, limiter *semaphore.Weighted) (*Runtime, error) {
		if c.Executor == nil {
			return nil, fmt.Errorf("tenant %s: no action executor configured", tenantID)
		}

		var (
			store  rules.RuleStore
			ldg    ledger.Ledger
			dedupe guardrails.DedupeStore
		)
		if c.DB != nil {
			store = rules.NewPostgresRuleStore(c.DB, tenantID)
			ldg = ledger.NewPostgresLedger(c.DB, tenantID)
			dedupe = guardrails.NewPostgresDedupeStore(c.DB, tenantID, c.DedupeOptions)
		} else {
			store = rules.NewInMemoryRuleStore()
			ldg = ledger.NewMemoryLedger()
			dedupe = guardrails.NewMemoryDedupeStore()
		}
		if c.Redis != nil {
			dedupe = guardrails.NewRedisDedupeStore(c.Redis, tenantID, c.DedupeOptions)
		}

		cached := rules.NewCachedRuleStore(store, rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: c.RuleCacheTTL}))

		eng, err := engine.New(tenantID, engine.Deps{
			Store:     cached,
			Evaluator: conditions.NewEvaluator(),
			Actions:   guardrails.NewEnforcer(c.Executor, dedupe, c.Guardrails),
			Ledger:    ldg,
			Snapshots: c.Snapshots,
			Limiter:   limiter,
		}, c.Engine)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine for tenant %s: %w", tenantID, err)
		}

		return &Runtime{Engine: eng, Dedupe: dedupe}, nil
	}
}
