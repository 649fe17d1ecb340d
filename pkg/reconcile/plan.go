package reconcile

import (
	"slices"
	"strings"

	"github.com/pterosync/pterosync/pkg/pterodactyl"
	"github.com/pterosync/pterosync/pkg/unifi"
	"go.uber.org/zap"
)

// RuleUpdate pairs a stored rule with the desired state it drifted from.
type RuleUpdate struct {
	Existing unifi.Rule
	Desired  unifi.Rule
}

// Plan is the computed change set of one cycle. Actions are applied in the
// order delete, update, create: deletions first avoid transient duplicate
// port conflicts on the controller, and creations last let updates free ports
// before new rules claim them.
type Plan struct {
	Deletes []unifi.Rule
	Updates []RuleUpdate
	Creates []unifi.Rule

	// Skipped counts allocations left untouched because no target IP could
	// be resolved. Dropped counts prefixed rules whose name suffix did not
	// parse as an allocation id; those are never deleted or updated.
	Skipped int
	Dropped int
}

// Empty reports whether the plan contains no actions.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Updates) == 0 && len(p.Creates) == 0
}

// computePlan diffs the desired allocations against the stored rules. It is
// a pure function over its inputs apart from diagnostics on the logger.
func computePlan(allocs []pterodactyl.Allocation, rules []unifi.Rule, policy Policy, resolver TargetResolver, logger *zap.Logger) Plan {
	var plan Plan

	// Remaining pool of allocations, shrinking as rules claim them.
	pool := make(map[int]pterodactyl.Allocation, len(allocs))
	for _, alloc := range allocs {
		pool[alloc.ID] = alloc
	}

	// Managed, addressable subset of the stored rules.
	managed := make(map[int]unifi.Rule)
	for _, rule := range rules {
		if !strings.HasPrefix(rule.Name, policy.Prefix) {
			continue
		}
		id, ok := ParseAllocationID(policy.Prefix, rule.Name)
		if !ok {
			logger.Warn("managed rule name does not parse as an allocation id, ignoring rule",
				zap.String("name", rule.Name),
				zap.String("id", rule.ID),
			)
			plan.Dropped++
			continue
		}
		managed[id] = rule
	}

	for id, rule := range managed {
		alloc, exists := pool[id]
		if !exists {
			// No allocation backs this rule anymore.
			plan.Deletes = append(plan.Deletes, rule)
			continue
		}
		delete(pool, id)

		targetIP, ok := resolver.Resolve(alloc)
		if !ok {
			logger.Warn("no target IP for allocation, leaving rule untouched",
				zap.Int("allocation_id", alloc.ID),
				zap.String("allocation_ip", alloc.IP),
			)
			plan.Skipped++
			continue
		}

		desired := BuildDesiredRule(alloc, targetIP, policy)
		if IsRuleOutOfSync(rule, desired) {
			plan.Updates = append(plan.Updates, RuleUpdate{Existing: rule, Desired: desired})
		}
	}

	// Whatever is left in the pool has no rule yet.
	for _, alloc := range pool {
		targetIP, ok := resolver.Resolve(alloc)
		if !ok {
			logger.Warn("no target IP for allocation, skipping rule creation",
				zap.Int("allocation_id", alloc.ID),
				zap.String("allocation_ip", alloc.IP),
			)
			plan.Skipped++
			continue
		}
		plan.Creates = append(plan.Creates, BuildDesiredRule(alloc, targetIP, policy))
	}

	// Map iteration order is random; sort for deterministic application and logs.
	slices.SortFunc(plan.Deletes, func(a, b unifi.Rule) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(plan.Updates, func(a, b RuleUpdate) int {
		return strings.Compare(a.Existing.Name, b.Existing.Name)
	})
	slices.SortFunc(plan.Creates, func(a, b unifi.Rule) int {
		return strings.Compare(a.Name, b.Name)
	})

	return plan
}
