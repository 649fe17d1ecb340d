// Package reconcile converges the controller's port-forward rules onto the
// panel's allocation records. One cycle fetches both states, computes the
// minimal change set, and applies it in delete, update, create order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pterosync/pterosync/pkg/pterodactyl"
	"github.com/pterosync/pterosync/pkg/unifi"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned when a tick fires while the previous cycle
// has not finished. The tick is skipped, never queued.
var ErrCycleInProgress = errors.New("reconcile cycle already in progress")

// AllocationSource supplies the desired state: the panel's allocation records
// for one managed node.
type AllocationSource interface {
	ListAllocations(ctx context.Context, nodeID int) ([]pterodactyl.Allocation, error)
}

// RuleStore is the actual-state store: CRUD over the controller's
// port-forward rule collection.
type RuleStore interface {
	ListRules(ctx context.Context) ([]unifi.Rule, error)
	CreateRule(ctx context.Context, rule unifi.Rule) (unifi.Rule, error)
	UpdateRule(ctx context.Context, existing, desired unifi.Rule) (unifi.Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// Summary reports what one cycle did.
type Summary struct {
	Deleted int
	Updated int
	Created int
	Skipped int
	Dropped int
}

// Reconciler drives the convergence cycle.
type Reconciler struct {
	source   AllocationSource
	store    RuleStore
	nodeID   int
	policy   Policy
	resolver TargetResolver
	logger   *zap.Logger
	running  atomic.Bool
}

// NewReconciler creates a Reconciler.
func NewReconciler(source AllocationSource, store RuleStore, nodeID int, policy Policy, resolver TargetResolver, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		store:    store,
		nodeID:   nodeID,
		policy:   policy,
		resolver: resolver,
		logger:   logger,
	}
}

// RunCycle performs one fetch-diff-apply pass. A cycle that overlaps a still
// running one returns ErrCycleInProgress without doing any work. Individual
// action failures do not stop the remaining actions; they are joined and
// returned once the cycle completes, and convergence re-attempts on the next
// tick.
func (r *Reconciler) RunCycle(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous cycle still running, skipping tick")
		return Summary{}, ErrCycleInProgress
	}
	defer r.running.Store(false)

	r.logger.Info("starting reconcile cycle", zap.Int("node_id", r.nodeID))

	allocs, rules, err := r.fetchState(ctx)
	if err != nil {
		return Summary{}, err
	}

	plan := computePlan(allocs, rules, r.policy, r.resolver, r.logger)
	summary := Summary{Skipped: plan.Skipped, Dropped: plan.Dropped}

	if plan.Empty() {
		r.logger.Info("reconcile cycle completed, nothing to do",
			zap.Int("allocations", len(allocs)),
			zap.Int("rules", len(rules)),
		)
		return summary, nil
	}

	applyErr := r.apply(ctx, plan, &summary)

	r.logger.Info("reconcile cycle completed",
		zap.Int("deleted", summary.Deleted),
		zap.Int("updated", summary.Updated),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, applyErr
}

// fetchState reads allocations and rules concurrently; the two reads are
// independent and awaited jointly.
func (r *Reconciler) fetchState(ctx context.Context) ([]pterodactyl.Allocation, []unifi.Rule, error) {
	var (
		allocs []pterodactyl.Allocation
		rules  []unifi.Rule
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		allocs, err = r.source.ListAllocations(groupCtx, r.nodeID)
		if err != nil {
			return fmt.Errorf("failed to fetch allocations: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		rules, err = r.store.ListRules(groupCtx)
		if err != nil {
			return fmt.Errorf("failed to fetch rules: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	return allocs, rules, nil
}

// apply executes the plan strictly sequentially in delete, update, create
// order so the rule collection stays well-defined after a partial failure.
func (r *Reconciler) apply(ctx context.Context, plan Plan, summary *Summary) error {
	var applyErrors []error

	for _, rule := range plan.Deletes {
		if err := r.store.DeleteRule(ctx, rule.ID); err != nil {
			applyErrors = append(applyErrors, fmt.Errorf("delete rule %q: %w", rule.Name, err))
			continue
		}
		summary.Deleted++
		r.logger.Info("deleted rule",
			zap.String("name", rule.Name),
			zap.String("id", rule.ID),
		)
	}

	for _, update := range plan.Updates {
		if _, err := r.store.UpdateRule(ctx, update.Existing, update.Desired); err != nil {
			applyErrors = append(applyErrors, fmt.Errorf("update rule %q: %w", update.Existing.Name, err))
			continue
		}
		summary.Updated++
		r.logger.Info("updated rule",
			zap.String("name", update.Existing.Name),
			zap.String("id", update.Existing.ID),
			zap.String("target_ip", update.Desired.Fwd),
			zap.String("port", update.Desired.DstPort),
		)
	}

	for _, rule := range plan.Creates {
		created, err := r.store.CreateRule(ctx, rule)
		if err != nil {
			applyErrors = append(applyErrors, fmt.Errorf("create rule %q: %w", rule.Name, err))
			continue
		}
		summary.Created++
		r.logger.Info("created rule",
			zap.String("name", created.Name),
			zap.String("id", created.ID),
			zap.String("target_ip", rule.Fwd),
			zap.String("port", rule.DstPort),
		)
	}

	if len(applyErrors) > 0 {
		return errors.Join(applyErrors...)
	}
	return nil
}
