package rules

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval.
// Returned rules are snapshots: callers must not mutate them.
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by ID
	Get(id string) (*Rule, error)

	// List every rule, enabled or not
	List() ([]*Rule, error)

	// List all enabled rules
	ListActive() ([]*Rule, error)

	// List enabled EVENT rules subscribed to eventName
	ListByEvent(eventName string) ([]*Rule, error)

	// List enabled SCHEDULE rules
	ListScheduled() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// SetEnabled flips the enabled flag atomically
	SetEnabled(id string, enabled bool) error

	// Delete a rule
	Delete(id string) error
}

// VersionedRuleStore reports a token that changes whenever any rule of the
// store changes, including writes made by other processes. Equal tokens mean
// an equal rule set.
type VersionedRuleStore interface {
	RuleStore
	Version() (string, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Rules are replaced wholesale on update, so a reader holding a snapshot never
// observes a half-applied change.
type InMemoryRuleStore struct {
	rules    map[string]*Rule
	revision uint64
	mu       sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add adds a new rule to the store, setting CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	s.revision++
	return nil
}

// Version returns the store's mutation counter
func (s *InMemoryRuleStore) Version() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strconv.FormatUint(s.revision, 10), nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// List returns every rule ordered by creation time
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.filter(func(*Rule) bool { return true }), nil
}

// ListActive returns all enabled rules
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	return s.filter(func(r *Rule) bool { return r.Enabled }), nil
}

// ListByEvent returns enabled rules triggered by eventName
func (s *InMemoryRuleStore) ListByEvent(eventName string) ([]*Rule, error) {
	return s.filter(func(r *Rule) bool {
		return r.Enabled && r.Trigger.Kind == TriggerEvent && r.Trigger.EventName == eventName
	}), nil
}

// ListScheduled returns enabled schedule-triggered rules
func (s *InMemoryRuleStore) ListScheduled() ([]*Rule, error) {
	return s.filter(func(r *Rule) bool {
		return r.Enabled && r.Trigger.Kind == TriggerSchedule
	}), nil
}

func (s *InMemoryRuleStore) filter(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if keep(rule) {
			out = append(out, rule)
		}
	}
	SortByCreation(out)
	return out
}

// Update replaces an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	// Preserve original CreatedAt timestamp
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule.Clone()
	s.revision++
	return nil
}

// SetEnabled swaps in a copy of the rule with the new flag
func (s *InMemoryRuleStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	next := existing.Clone()
	next.Enabled = enabled
	next.UpdatedAt = time.Now()
	s.rules[id] = next
	s.revision++
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	s.revision++
	return nil
}

// SortByCreation orders rules by CreatedAt, then ID
func SortByCreation(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
