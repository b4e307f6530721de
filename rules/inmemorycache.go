package rules

import (
	"sync/atomic"
	"time"
)

// ruleSnapshot is immutable once stored
type ruleSnapshot struct {
	all       []*Rule
	byEvent   map[string][]*Rule
	scheduled []*Rule
	loadedAt  time.Time
}

// InMemoryRulesCache holds the active rule set indexed by trigger. Readers
// never block: Set and Invalidate swap the whole snapshot.
type InMemoryRulesCache struct {
	ttl  time.Duration
	now  func() time.Time
	snap atomic.Pointer[ruleSnapshot]
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{ttl: config.TTL, now: time.Now}
}

func (c *InMemoryRulesCache) current() *ruleSnapshot {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	if c.ttl > 0 && c.now().Sub(s.loadedAt) > c.ttl {
		return nil
	}
	return s
}

// Get returns nil on a miss. An empty rule set is a hit and returns an empty
// non-nil slice.
func (c *InMemoryRulesCache) Get() []*Rule {
	s := c.current()
	if s == nil {
		return nil
	}
	return cloneRules(s.all)
}

// ForEvent returns the cached rules subscribed to eventName
func (c *InMemoryRulesCache) ForEvent(eventName string) ([]*Rule, bool) {
	s := c.current()
	if s == nil {
		return nil, false
	}
	return cloneRules(s.byEvent[eventName]), true
}

// Scheduled returns the cached schedule-triggered rules
func (c *InMemoryRulesCache) Scheduled() ([]*Rule, bool) {
	s := c.current()
	if s == nil {
		return nil, false
	}
	return cloneRules(s.scheduled), true
}

func (c *InMemoryRulesCache) Set(rules []*Rule) {
	s := &ruleSnapshot{
		all:      cloneRules(rules),
		byEvent:  make(map[string][]*Rule),
		loadedAt: c.now(),
	}
	for _, r := range s.all {
		switch r.Trigger.Kind {
		case TriggerEvent:
			s.byEvent[r.Trigger.EventName] = append(s.byEvent[r.Trigger.EventName], r)
		case TriggerSchedule:
			s.scheduled = append(s.scheduled, r)
		}
	}
	c.snap.Store(s)
}

func (c *InMemoryRulesCache) Invalidate() {
	c.snap.Store(nil)
}

func (c *InMemoryRulesCache) IsValid() bool {
	return c.current() != nil
}

// cloneRules copies the slice header only; rules are immutable snapshots
func cloneRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	copy(out, in)
	return out
}
