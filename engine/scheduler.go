package engine

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// scheduleEntry is one SCHEDULE rule in the fire-time heap
type scheduleEntry struct {
	ruleID   string
	cronExpr string
	rank     int
	schedule cron.Schedule
	next     time.Time
	index    int
}

// fireHeap orders entries by next fire time; ties go to the higher priority,
// then to the lower rule id so the order is stable
type fireHeap []*scheduleEntry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].ruleID < h[j].ruleID
}

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Firing is a rule that came due at FireTime
type Firing struct {
	RuleID   string
	FireTime time.Time
}

// Scheduler keeps a min-heap of next fire times for SCHEDULE rules. Missed
// ticks are not backfilled: after firing, the next time is computed from the
// tick's wall-clock time, so a long pause yields one firing, not many.
type Scheduler struct {
	mu      sync.Mutex
	heap    fireHeap
	entries map[string]*scheduleEntry
}

func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[string]*scheduleEntry)}
}

// Sync reconciles the heap with the current set of enabled SCHEDULE rules.
// New rules are scheduled from now, changed cron expressions are rescheduled,
// and rules that disappeared are dropped. Unchanged entries keep their next time.
func (s *Scheduler) Sync(scheduled []*rules.Rule, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(scheduled))
	for _, r := range scheduled {
		if r.Trigger.Kind != rules.TriggerSchedule || !r.Enabled {
			continue
		}
		seen[r.ID] = true

		if existing, ok := s.entries[r.ID]; ok {
			existing.rank = r.Priority.Rank()
			if existing.cronExpr == r.Trigger.CronExpression {
				heap.Fix(&s.heap, existing.index)
				continue
			}
			sched, err := rules.ParseSchedule(r.Trigger.CronExpression)
			if err != nil {
				logger.Warn("Dropping schedule with invalid cron expression", "rule_id", r.ID, "error", err)
				heap.Remove(&s.heap, existing.index)
				delete(s.entries, r.ID)
				continue
			}
			existing.cronExpr = r.Trigger.CronExpression
			existing.schedule = sched
			existing.next = sched.Next(now)
			heap.Fix(&s.heap, existing.index)
			continue
		}

		sched, err := rules.ParseSchedule(r.Trigger.CronExpression)
		if err != nil {
			logger.Warn("Skipping schedule with invalid cron expression", "rule_id", r.ID, "error", err)
			continue
		}
		e := &scheduleEntry{
			ruleID:   r.ID,
			cronExpr: r.Trigger.CronExpression,
			rank:     r.Priority.Rank(),
			schedule: sched,
			next:     sched.Next(now),
		}
		heap.Push(&s.heap, e)
		s.entries[r.ID] = e
	}

	for id, e := range s.entries {
		if !seen[id] {
			heap.Remove(&s.heap, e.index)
			delete(s.entries, id)
		}
	}
}

// Due pops every entry whose fire time is at or before now and reschedules it
// from now. Results are ordered by fire time, then priority.
func (s *Scheduler) Due(now time.Time) []Firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Firing
	var fired []*scheduleEntry
	for s.heap.Len() > 0 && !s.heap[0].next.After(now) {
		e := heap.Pop(&s.heap).(*scheduleEntry)
		due = append(due, Firing{RuleID: e.ruleID, FireTime: e.next})
		fired = append(fired, e)
	}

	for _, e := range fired {
		e.next = e.schedule.Next(now)
		heap.Push(&s.heap, e)
	}
	return due
}

// NextFire returns the earliest scheduled fire time
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].next, true
}

// Scheduled lists rule ids with their next fire time, soonest first
func (s *Scheduler) Scheduled() []Firing {
	s.mu.Lock()
	out := make([]Firing, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Firing{RuleID: e.ruleID, FireTime: e.next})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireTime.Equal(out[j].FireTime) {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].FireTime.Before(out[j].FireTime)
	})
	return out
}
