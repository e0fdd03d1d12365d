package automation

import (
	"context"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/retry"
	"strings"
)

// RemoveAutomation tears down a unit's hub rules without rebuilding them. It returns the number of
// triggers removed, and a SetupFailedError listing anything that could not be removed.
func (b *Builder) RemoveAutomation(pctx context.Context, h Humidor) (int, error) {
	unlock, err := b.lock(pctx, h.ID)
	if err != nil {
		return 0, failed(StepCleanup, "waiting for unit", err)
	}
	defer unlock()

	home, err := b.backend.Home()
	if err != nil {
		return 0, failed(StepCleanup, "hub home unavailable", err)
	}

	removed, leftBehind := b.cleanup(pctx, home, h)

	if len(leftBehind) > 0 {
		return removed, &SetupFailedError{Step: StepCleanup, Reason: "some hub objects could not be removed", LeftBehind: leftBehind}
	}

	return removed, nil
}

// owns reports whether a trigger belongs to the unit. Triggers carrying unit metadata match only on
// it, otherwise the exact names the builder uses match, and with legacy cleanup so does any name
// containing the unit's display name.
func (b *Builder) owns(t hub.Trigger, h Humidor, planned map[string]bool) bool {
	if unit, found := t.Metadata()[UnitMetadataKey]; found {
		return unit == h.ID
	}

	if planned[t.Name()] {
		return true
	}

	return b.legacyNameCleanup && h.DisplayName != "" && strings.Contains(t.Name(), h.DisplayName)
}

// cleanup removes the unit's triggers, their action sets and any unreferenced action sets carrying
// the builder's names. Individual failures are logged and skipped.
func (b *Builder) cleanup(pctx context.Context, home hub.Home, h Humidor) (int, []string) {
	ctx, end := b.logger.Segment(pctx, "Cleaning up previous hub automation.", logwrap.Datum("HumidorID", h.ID))
	defer end()

	planned := plannedNames(h)
	attempted := map[string]bool{}

	removed := 0
	var leftBehind []string

	removeActionSet := func(as hub.ActionSet) {
		if attempted[as.Identifier()] {
			return
		}
		attempted[as.Identifier()] = true

		if err := b.remove(ctx, "remove_action_set", func(cb func(error)) { home.RemoveActionSet(as, cb) }); err != nil {
			b.logger.Warn(ctx, "Failed to remove action set, continuing.", logwrap.Datum("ActionSet", as.Name()), logwrap.Err(err))
			leftBehind = append(leftBehind, "action set "+as.Name())
		}
	}

	for _, t := range home.Triggers() {
		if !b.owns(t, h, planned) {
			continue
		}

		actionSets := t.ActionSets()

		if err := b.remove(ctx, "remove_trigger", func(cb func(error)) { home.RemoveTrigger(t, cb) }); err != nil {
			b.logger.Warn(ctx, "Failed to remove trigger, continuing.", logwrap.Datum("Trigger", t.Name()), logwrap.Err(err))
			leftBehind = append(leftBehind, "trigger "+t.Name())
			continue
		}

		removed++

		for _, as := range actionSets {
			removeActionSet(as)
		}
	}

	inUse := map[string]bool{}
	for _, t := range home.Triggers() {
		for _, as := range t.ActionSets() {
			inUse[as.Identifier()] = true
		}
	}

	for _, as := range home.ActionSets() {
		if planned[as.Name()] && !inUse[as.Identifier()] {
			removeActionSet(as)
		}
	}

	if removed > 0 || len(leftBehind) > 0 {
		b.logger.Info(ctx, "Removed previous hub automation.", logwrap.Datum("Triggers", removed), logwrap.Datum("Failures", len(leftBehind)))
	}

	return removed, leftBehind
}

// remove retries a removal a small number of times.
func (b *Builder) remove(ctx context.Context, operation string, issue func(cb func(error))) error {
	timeout := b.backend.Timeout()

	return retry.Retry(ctx, timeout, removalRetries, func(ctx context.Context) error {
		err := hub.AwaitErr(ctx, timeout, issue)
		b.metrics.HubCall(operation, err)
		return err
	})
}
