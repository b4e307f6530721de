package rules

import (
	"sync"
	"time"
)

// RulesCache holds one tenant's active rule set between store reads
type RulesCache interface {
	// Get returns nil on a miss or after expiry
	Get() []*Rule
	Set(rules []*Rule)
	Invalidate()
	IsValid() bool
}

// indexedRulesCache is implemented by caches that index the active set by
// trigger, letting dispatch skip the linear filter
type indexedRulesCache interface {
	ForEvent(eventName string) ([]*Rule, bool)
	Scheduled() ([]*Rule, bool)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL forces a periodic reload. Versioned backing stores are revalidated on
	// every read regardless; TTL only matters for stores that cannot report a
	// version. Set to 0 for invalidation on change only.
	TTL time.Duration
}

// DefaultCacheConfig reloads on change only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{}
}

// CachedRuleStore serves the read paths used on every dispatch from a cached
// active-rule snapshot. When the backing store is a VersionedRuleStore, every
// read first compares the store's version with the one the snapshot was loaded
// at, so writes made by other processes are seen on the next dispatch. Writes
// made through the wrapper also invalidate the cache.
type CachedRuleStore struct {
	RuleStore
	cache RulesCache

	mu     sync.Mutex
	loaded string // backing version the cached snapshot was read at
}

// NewCachedRuleStore wraps store with cache
func NewCachedRuleStore(store RuleStore, cache RulesCache) *CachedRuleStore {
	return &CachedRuleStore{RuleStore: store, cache: cache}
}

// version is "" for stores that cannot report one
func (s *CachedRuleStore) version() (string, error) {
	vs, ok := s.RuleStore.(VersionedRuleStore)
	if !ok {
		return "", nil
	}
	return vs.Version()
}

// cacheAt returns the cache if its snapshot was loaded at version
func (s *CachedRuleStore) cacheAt(version string) (RulesCache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != version || !s.cache.IsValid() {
		return nil, false
	}
	return s.cache, true
}

// ListActive returns the cached active rules, reloading on a miss or when the
// backing store has changed since the snapshot was taken
func (s *CachedRuleStore) ListActive() ([]*Rule, error) {
	version, err := s.version()
	if err != nil {
		return nil, err
	}
	return s.activeAt(version)
}

func (s *CachedRuleStore) activeAt(version string) ([]*Rule, error) {
	if cache, ok := s.cacheAt(version); ok {
		if rules := cache.Get(); rules != nil {
			return rules, nil
		}
	}

	// The version is read before the load, so the tag never claims a newer
	// state than the snapshot holds
	rules, err := s.RuleStore.ListActive()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache.Set(rules)
	s.loaded = version
	s.mu.Unlock()
	return rules, nil
}

// ListByEvent filters the active set by event subscription
func (s *CachedRuleStore) ListByEvent(eventName string) ([]*Rule, error) {
	version, err := s.version()
	if err != nil {
		return nil, err
	}
	if cache, ok := s.cacheAt(version); ok {
		if ic, ok := cache.(indexedRulesCache); ok {
			if rules, hit := ic.ForEvent(eventName); hit {
				return rules, nil
			}
		}
	}

	active, err := s.activeAt(version)
	if err != nil {
		return nil, err
	}

	var out []*Rule
	for _, r := range active {
		if r.Trigger.Kind == TriggerEvent && r.Trigger.EventName == eventName {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListScheduled filters the active set by schedule trigger
func (s *CachedRuleStore) ListScheduled() ([]*Rule, error) {
	version, err := s.version()
	if err != nil {
		return nil, err
	}
	if cache, ok := s.cacheAt(version); ok {
		if ic, ok := cache.(indexedRulesCache); ok {
			if rules, hit := ic.Scheduled(); hit {
				return rules, nil
			}
		}
	}

	active, err := s.activeAt(version)
	if err != nil {
		return nil, err
	}

	var out []*Rule
	for _, r := range active {
		if r.Trigger.Kind == TriggerSchedule {
			out = append(out, r)
		}
	}
	return out, nil
}

// Add stores the rule and invalidates the cache
func (s *CachedRuleStore) Add(rule *Rule) error {
	if err := s.RuleStore.Add(rule); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// Update stores the rule and invalidates the cache
func (s *CachedRuleStore) Update(rule *Rule) error {
	if err := s.RuleStore.Update(rule); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// SetEnabled flips the flag and invalidates the cache
func (s *CachedRuleStore) SetEnabled(id string, enabled bool) error {
	if err := s.RuleStore.SetEnabled(id, enabled); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// Delete removes the rule and invalidates the cache
func (s *CachedRuleStore) Delete(id string) error {
	if err := s.RuleStore.Delete(id); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}
