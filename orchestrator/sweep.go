package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/AnTengye/contractguard/pkg/logger"
)

// Delete removes an analysis and every artifact derived from it: the data
// directory, the catalog row, the archived source and the cached ledger
// account.
func (o *Orchestrator) Delete(ctx context.Context, analysisID string) error {
	unlock := o.lock(analysisID)
	defer unlock()

	a, err := o.load(analysisID)
	if err != nil {
		return err
	}
	if !a.State.Terminal() {
		return fmt.Errorf("%w: analysis is %s", ErrInvalidTransition, a.State)
	}

	if err := o.deps.Store.Delete(analysisID); err != nil {
		return fmt.Errorf("delete analysis dir: %w", err)
	}
	if o.deps.Catalog != nil {
		if err := o.deps.Catalog.Delete(ctx, analysisID); err != nil {
			logger.Warn(ctx, "catalog delete failed", "analysis_id", analysisID, "error", err)
		}
	}
	if o.deps.Archive != nil {
		if err := o.deps.Archive.DeleteAnalysis(ctx, a.Tenant, analysisID); err != nil {
			logger.Warn(ctx, "archive delete failed", "analysis_id", analysisID, "error", err)
		}
	}
	if o.deps.Ledger != nil {
		o.deps.Ledger.Forget(analysisID)
	}
	if job := o.deps.Jobs.ByAnalysis(analysisID); job != nil {
		o.deps.Jobs.Delete(job.ID)
	}
	return nil
}

// retention returns the retention in days for tenant; 0 keeps forever
func (o *Orchestrator) retention(ctx context.Context, tenant string) int {
	if s := o.settingsFor(ctx, tenant); s != nil && s.RetentionDays > 0 {
		return s.RetentionDays
	}
	return o.opts.RetentionDays
}

// shortestRetention is the smallest positive retention of any tenant
func (o *Orchestrator) shortestRetention(ctx context.Context) int {
	shortest := o.opts.RetentionDays
	if o.deps.Settings == nil {
		return shortest
	}
	tenants, err := o.deps.Settings.Tenants()
	if err != nil {
		logger.Warn(ctx, "listing tenant settings failed", "error", err)
		return shortest
	}
	for _, t := range tenants {
		days := o.retention(ctx, t)
		if days > 0 && (shortest <= 0 || days < shortest) {
			shortest = days
		}
	}
	return shortest
}

// candidates lists analyses that may have outlived retention. The catalog
// narrows the scan when configured.
func (o *Orchestrator) candidates(ctx context.Context, now time.Time) ([]string, error) {
	days := o.shortestRetention(ctx)
	if days <= 0 {
		return nil, nil
	}
	if o.deps.Catalog != nil {
		return o.deps.Catalog.OlderThan(ctx, now.AddDate(0, 0, -days))
	}
	return o.deps.Store.List()
}

// Sweep deletes terminal analyses older than their tenant's retention and
// returns how many were removed
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := o.candidates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list sweep candidates: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		a, err := o.load(id)
		if err != nil {
			continue
		}
		days := o.retention(ctx, a.Tenant)
		if days <= 0 || !a.State.Terminal() || !a.CreatedAt.Before(now.AddDate(0, 0, -days)) {
			continue
		}
		if err := o.Delete(ctx, id); err != nil {
			logger.Warn(ctx, "retention delete failed", "analysis_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info(ctx, "retention sweep removed analyses", "removed", removed)
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx ends
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx, o.now()); err != nil {
				logger.Error(ctx, "retention sweep failed", "error", err)
			}
		}
	}
}
