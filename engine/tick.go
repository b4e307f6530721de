package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// Tick syncs the schedule with the rule store, fires every rule due at now and
// waits for the fired instances to finish. It returns the ledger execution ids.
func (e *Engine) Tick(ctx context.Context, now time.Time) ([]string, error) {
	if e.isStopped() {
		return nil, rules.ErrEngineStopped
	}

	var (
		wg  sync.WaitGroup
		ids = &idCollector{}
	)
	err := e.fireDue(ctx, now, ids.add, &wg)
	wg.Wait()
	return ids.list(), err
}

// runScheduler sleeps until the next fire time or the resync interval,
// whichever comes first. NotifyRulesChanged wakes it early.
func (e *Engine) runScheduler(ctx context.Context) {
	defer close(e.schedulerDone)

	if err := e.syncSchedule(e.now()); err != nil {
		logger.Error("Initial schedule sync failed", "tenant_id", e.tenantID, "error", err)
	}

	timer := time.NewTimer(e.untilNextFire())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if err := e.syncSchedule(e.now()); err != nil {
				logger.Error("Schedule sync failed", "tenant_id", e.tenantID, "error", err)
			}
		case <-timer.C:
			if err := e.fireDue(ctx, e.now(), nil); err != nil && ctx.Err() == nil {
				logger.Error("Scheduled dispatch failed", "tenant_id", e.tenantID, "error", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.untilNextFire())
	}
}

func (e *Engine) untilNextFire() time.Duration {
	wait := e.cfg.ResyncInterval
	if next, ok := e.scheduler.NextFire(); ok {
		if d := next.Sub(e.now()); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (e *Engine) syncSchedule(now time.Time) error {
	scheduled, err := e.store.ListScheduled()
	if err != nil {
		return fmt.Errorf("failed to list scheduled rules: %w", err)
	}
	e.scheduler.Sync(scheduled, now)
	return nil
}

// fireDue dispatches each due rule with a synthesized trigger context. The
// enabled flag is re-read from the store at fire time. A rule with a trigger
// entity runs once per entity snapshot.
func (e *Engine) fireDue(ctx context.Context, now time.Time, onExec func(string), wgs ...*sync.WaitGroup) error {
	if err := e.syncSchedule(now); err != nil {
		return err
	}

	for _, firing := range e.scheduler.Due(now) {
		rule, err := e.store.Get(firing.RuleID)
		if err != nil {
			if !errors.Is(err, rules.ErrRuleNotFound) {
				logger.Error("Failed to load scheduled rule", "tenant_id", e.tenantID, "rule_id", firing.RuleID, "error", err)
			}
			continue
		}
		if !rule.Enabled || rule.Trigger.Kind != rules.TriggerSchedule {
			continue
		}

		tickID := fmt.Sprintf("tick:%s:%d", rule.ID, firing.FireTime.Unix())
		logger.Debug("Schedule fired", "tenant_id", e.tenantID, "rule_id", rule.ID, "tick_id", tickID)

		if rule.Trigger.Entity == "" {
			tc := triggerContext{
				id: tickID,
				payload: map[string]any{
					"ruleId":   rule.ID,
					"fireTime": firing.FireTime.UTC().Format(time.RFC3339),
				},
				now: now,
			}
			if err := e.spawn(ctx, rule, tc, onExec, wgs...); err != nil {
				return err
			}
			continue
		}

		if e.snapshots == nil {
			logger.Warn("No snapshot source for entity schedule", "tenant_id", e.tenantID,
				"rule_id", rule.ID, "entity", rule.Trigger.Entity)
			continue
		}
		snaps, err := e.snapshots.Snapshots(ctx, rule.Trigger.Entity)
		if err != nil {
			logger.Error("Failed to load entity snapshots", "tenant_id", e.tenantID,
				"rule_id", rule.ID, "entity", rule.Trigger.Entity, "error", err)
			continue
		}
		for i, snap := range snaps {
			tc := triggerContext{
				id:      tickID + ":" + entityID(snap, i),
				payload: snap,
				now:     now,
			}
			if err := e.spawn(ctx, rule, tc, onExec, wgs...); err != nil {
				return err
			}
		}
	}
	return nil
}

// entityID is the snapshot's id field, or its position when it has none
func entityID(snap map[string]any, index int) string {
	switch id := snap["id"].(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return "#" + strconv.Itoa(index)
}
