package multitenantengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/rules"
)

// Tenant owns an isolated rule set, ledger and idempotency key space
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TenantRegistry persists tenants
type TenantRegistry interface {
	Create(ctx context.Context, name string) (Tenant, error)
	Get(ctx context.Context, id string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
}

// MemoryTenantRegistry keeps tenants for the life of the process
type MemoryTenantRegistry struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewMemoryTenantRegistry() *MemoryTenantRegistry {
	return &MemoryTenantRegistry{tenants: make(map[string]Tenant)}
}

func (r *MemoryTenantRegistry) Create(_ context.Context, name string) (Tenant, error) {
	now := time.Now().UTC()
	t := Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}

	r.mu.Lock()
	r.tenants[t.ID] = t
	r.mu.Unlock()
	return t, nil
}

func (r *MemoryTenantRegistry) Get(_ context.Context, id string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, rules.ErrTenantNotFound)
	}
	return t, nil
}

func (r *MemoryTenantRegistry) List(_ context.Context) ([]Tenant, error) {
	r.mu.RLock()
	out := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sortTenants(out)
	return out, nil
}

// PostgresTenantRegistry stores tenants in the tenants table
type PostgresTenantRegistry struct {
	db *sql.DB
}

func NewPostgresTenantRegistry(db *sql.DB) *PostgresTenantRegistry {
	return &PostgresTenantRegistry{db: db}
}

func (r *PostgresTenantRegistry) Create(ctx context.Context, name string) (Tenant, error) {
	now := time.Now().UTC()
	t := Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

func (r *PostgresTenantRegistry) Get(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, rules.ErrTenantNotFound)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (r *PostgresTenantRegistry) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return out, nil
}

func sortTenants(ts []Tenant) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
