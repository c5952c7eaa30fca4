package workspace

import (
	"context"
	"time"
)

// Skip reasons reported by the reaper.
const (
	SkipReasonOwned     = "owned by active run"
	SkipReasonTooYoung  = "age below threshold"
	SkipReasonUnmanaged = "unmanaged - requires manual review"
)

// ReapEntry records the outcome for one non-candidate or failed workspace.
type ReapEntry struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ReapReport summarizes one reap pass. In dry-run mode Cleaned is always
// empty and Orphaned is authoritative.
type ReapReport struct {
	Total    int         `json:"total"`
	Orphaned []string    `json:"orphaned"`
	Cleaned  []string    `json:"cleaned"`
	Failed   []ReapEntry `json:"failed"`
	Skipped  []ReapEntry `json:"skipped"`
	DryRun   bool        `json:"dry_run"`
}

// Reaper scans workspaces for ones with no owning run and an age past a
// threshold, and removes them. The ownership bit is the only synchronization
// with the run lifecycle: an owned workspace is never a candidate.
type Reaper struct {
	manager *Manager
	logger  Logger
}

func NewReaper(manager *Manager, logger Logger) *Reaper {
	return &Reaper{manager: manager, logger: logger}
}

// Reap examines every known workspace. A workspace is a candidate iff it has
// no owning run and its last activity is at least maxAge old. Deletion
// failures are collected per path and never abort the batch.
func (r *Reaper) Reap(ctx context.Context, maxAge time.Duration, dryRun bool) (ReapReport, error) {
	report := ReapReport{
		Orphaned: []string{},
		Cleaned:  []string{},
		Failed:   []ReapEntry{},
		Skipped:  []ReapEntry{},
		DryRun:   dryRun,
	}

	workspaces, err := r.manager.List()
	if err != nil {
		return report, err
	}

	now := time.Now()
	for _, ws := range workspaces {
		report.Total++
		switch {
		case ws.Unmanaged:
			report.Skipped = append(report.Skipped, ReapEntry{Path: ws.Path, Reason: SkipReasonUnmanaged})
			continue
		case ws.OwningRunID != "":
			report.Skipped = append(report.Skipped, ReapEntry{Path: ws.Path, Reason: SkipReasonOwned})
			continue
		case now.Sub(ws.LastActivityAt) < maxAge:
			report.Skipped = append(report.Skipped, ReapEntry{Path: ws.Path, Reason: SkipReasonTooYoung})
			continue
		}

		report.Orphaned = append(report.Orphaned, ws.Path)
		if dryRun {
			continue
		}
		if err := r.manager.Remove(ctx, ws.Path); err != nil {
			r.logger.Errorf("Reap: failed to remove %s: %v", ws.Path, err)
			report.Failed = append(report.Failed, ReapEntry{Path: ws.Path, Reason: err.Error()})
			continue
		}
		report.Cleaned = append(report.Cleaned, ws.Path)
	}

	r.logger.Infof("Reap finished: total=%d orphaned=%d cleaned=%d failed=%d skipped=%d dry_run=%v",
		report.Total, len(report.Orphaned), len(report.Cleaned), len(report.Failed), len(report.Skipped), dryRun)
	return report, nil
}
