// Package scaling holds the vertical autoscaler: a pure recommendation
// algorithm over rolling per-worker ELU windows, and the controller
// that serializes decisions and applies them through the runtime.
package scaling

import (
	"sort"

	"iccagent/internal/model"
)

// Recommend computes the per-application scale recommendations for one
// snapshot. It is pure and deterministic: the same input always yields
// the same output, in the same order.
//
// Apps are sorted by ELU ascending (ties broken by worker count
// descending). Every app below the scale-down threshold with more than
// one worker sheds a worker. The highest-ELU app then scales up by one
// if the post-scale-down total leaves room under MaxWorkers; at the
// limit, a worker is reallocated from the lowest-ELU app when the ELU
// gap or the worker-count gap justifies it.
func Recommend(cfg Config, apps []AppInfo) []model.ScaleRecommendation {
	if len(apps) == 0 {
		return nil
	}

	sorted := make([]AppInfo, len(apps))
	copy(sorted, apps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ELU != sorted[j].ELU {
			return sorted[i].ELU < sorted[j].ELU
		}
		return sorted[i].WorkerCount > sorted[j].WorkerCount
	})

	recs := make([]model.ScaleRecommendation, 0, len(sorted)+1)
	postCount := make(map[string]int, len(sorted))
	for _, app := range sorted {
		postCount[app.ApplicationID] = app.WorkerCount
	}

	// Scale-down pass: every cold app sheds one worker, never below 1.
	for _, app := range sorted {
		if app.ELU < cfg.ScaleDownELU && app.WorkerCount > 1 {
			recs = append(recs, model.ScaleRecommendation{
				ApplicationID:     app.ApplicationID,
				TargetWorkerCount: app.WorkerCount - 1,
				Direction:         model.DirectionDown,
			})
			postCount[app.ApplicationID] = app.WorkerCount - 1
		}
	}

	candidate := sorted[len(sorted)-1]
	if candidate.ELU <= cfg.ScaleUpELU {
		return recs
	}

	total := 0
	for _, n := range postCount {
		total += n
	}
	if total < cfg.MaxWorkers {
		recs = append(recs, model.ScaleRecommendation{
			ApplicationID:     candidate.ApplicationID,
			TargetWorkerCount: postCount[candidate.ApplicationID] + 1,
			Direction:         model.DirectionUp,
		})
		return recs
	}

	// At the limit: reallocate from the coldest app when the gap
	// justifies taking a worker from it.
	lowest := sorted[0]
	if lowest.ApplicationID == candidate.ApplicationID {
		return recs
	}
	donorCount := postCount[lowest.ApplicationID]
	if donorCount <= 1 {
		return recs
	}
	eluGap := candidate.ELU-lowest.ELU >= cfg.MinELUDiff
	countGap := lowest.WorkerCount-candidate.WorkerCount >= 2
	if !eluGap && !countGap {
		return recs
	}

	recs = append(recs,
		model.ScaleRecommendation{
			ApplicationID:     lowest.ApplicationID,
			TargetWorkerCount: donorCount - 1,
			Direction:         model.DirectionDown,
		},
		model.ScaleRecommendation{
			ApplicationID:     candidate.ApplicationID,
			TargetWorkerCount: postCount[candidate.ApplicationID] + 1,
			Direction:         model.DirectionUp,
		},
	)
	return recs
}
