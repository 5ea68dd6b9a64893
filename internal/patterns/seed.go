package patterns

import (
	"sort"
	"time"

	"github.com/faultlinehq/faultline/internal/models"
)

// seedGroups partitions clusters into candidate pattern groups. Clusters that
// share a root-cause hint group first; the rest group by temporal
// co-occurrence of their first sightings; anything left stands alone.
// Output order is deterministic for a given input set.
func seedGroups(clusters []models.ErrorCluster, coWindow time.Duration) [][]models.ErrorCluster {
	sorted := append([]models.ErrorCluster(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	grouped := make(map[string]bool, len(sorted))
	var groups [][]models.ErrorCluster

	byHint := make(map[string][]models.ErrorCluster)
	for _, cluster := range sorted {
		if cluster.SuggestedRootCause != "" {
			byHint[cluster.SuggestedRootCause] = append(byHint[cluster.SuggestedRootCause], cluster)
		}
	}
	hints := make([]string, 0, len(byHint))
	for hint := range byHint {
		hints = append(hints, hint)
	}
	sort.Strings(hints)
	for _, hint := range hints {
		members := byHint[hint]
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			grouped[m.ID] = true
		}
		groups = append(groups, members)
	}

	remaining := make([]models.ErrorCluster, 0, len(sorted))
	for _, cluster := range sorted {
		if !grouped[cluster.ID] {
			remaining = append(remaining, cluster)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		if !remaining[i].FirstSeen.Equal(remaining[j].FirstSeen) {
			return remaining[i].FirstSeen.Before(remaining[j].FirstSeen)
		}
		return remaining[i].ID < remaining[j].ID
	})

	var current []models.ErrorCluster
	var anchor time.Time
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}
	for _, cluster := range remaining {
		if len(current) == 0 || cluster.FirstSeen.Sub(anchor) > coWindow {
			flush()
			anchor = cluster.FirstSeen
		}
		current = append(current, cluster)
	}
	flush()

	return groups
}

// jaccard measures overlap between two ID sets. Pattern identity is preserved
// across detection passes when the overlap stays at or above the identity
// threshold.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	intersection := 0
	for _, id := range b {
		if _, ok := set[id]; ok {
			intersection++
		}
	}
	union := len(set) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}
