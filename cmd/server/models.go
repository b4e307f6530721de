package main

import (
	"time"

	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
)

// API Request and Response Models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name"`
	// SeedCatalog loads the configured rule catalog into the new tenant
	SeedCatalog bool `json:"seedCatalog,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	multitenantengine.Tenant
	SeededRules int `json:"seededRules,omitempty"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []multitenantengine.Tenant `json:"tenants"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// SetEnabledRequest flips a rule's enabled flag
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SubmitEventRequest represents an inbound platform event
type SubmitEventRequest struct {
	EventName string         `json:"eventName"`
	EventID   string         `json:"eventId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// ExecutionsListResponse represents a ledger query result
type ExecutionsListResponse struct {
	Executions []*ledger.Execution `json:"executions"`
}

// CorrectionRequest appends a corrective ledger entry for an execution
type CorrectionRequest struct {
	OverallStatus  ledger.State           `json:"overallStatus"`
	ActionOutcomes []ledger.ActionOutcome `json:"actionOutcomes,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
}

// TenantMetricsResponse summarizes a tenant's recent executions
type TenantMetricsResponse struct {
	Executions24h   int     `json:"executions24h"`
	SuccessRate     float64 `json:"successRate"`
	Succeeded       int     `json:"succeeded"`
	PartiallyFailed int     `json:"partiallyFailed"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
}

// ScheduleEntry is one scheduled rule with its next fire time
type ScheduleEntry struct {
	RuleID   string    `json:"ruleId"`
	NextFire time.Time `json:"nextFire"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	Error         string `json:"error,omitempty"`
}
