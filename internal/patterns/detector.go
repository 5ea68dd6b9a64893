// Package patterns detects higher-order error patterns over clusters and
// analyses their trends. Detection runs as a full pass per application:
// clusters are seeded into candidate groups, each group is classified by its
// temporal behaviour, and the result is reconciled against previously detected
// patterns so a pattern keeps its identity across passes.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

// Config carries the detection tunables.
type Config struct {
	// Window bounds how far back a detection pass looks.
	Window time.Duration
	// SubIntervals is the number of equal buckets the window splits into.
	SubIntervals int
	// GrowthFactor is the late/early rate ratio at which a group counts as trending.
	GrowthFactor float64
	// NoiseFloor is the relative slope below which a trend reads as stable.
	NoiseFloor float64
	// CyclicLags are the periodicities probed by the cyclic classifier.
	CyclicLags []time.Duration
	// AutocorrThreshold is the minimum autocorrelation for a cyclic verdict.
	AutocorrThreshold float64
	// CorrelationWindow bounds first-sighting distance for co-occurrence seeding.
	CorrelationWindow time.Duration
	// CorrelationThreshold is the minimum pairwise correlation for a correlated verdict.
	CorrelationThreshold float64
	// JaccardThreshold is the cluster-set overlap at which a pattern keeps its identity.
	JaccardThreshold float64
}

// DefaultConfig returns the detection tunables used in production.
func DefaultConfig() Config {
	return Config{
		Window:               24 * time.Hour,
		SubIntervals:         8,
		GrowthFactor:         1.5,
		NoiseFloor:           0.1,
		CyclicLags:           []time.Duration{24 * time.Hour, 7 * 24 * time.Hour},
		AutocorrThreshold:    0.5,
		CorrelationWindow:    30 * time.Minute,
		CorrelationThreshold: 0.7,
		JaccardThreshold:     0.5,
	}
}

// Detector runs pattern detection passes and trend analysis.
type Detector struct {
	logger *slog.Logger
	store  store.Store
	cfg    Config
}

// NewDetector builds a detector. Zero-valued config fields fall back to defaults.
func NewDetector(logger *slog.Logger, st store.Store, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SubIntervals <= 0 {
		cfg.SubIntervals = def.SubIntervals
	}
	if cfg.GrowthFactor <= 0 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.NoiseFloor <= 0 {
		cfg.NoiseFloor = def.NoiseFloor
	}
	if len(cfg.CyclicLags) == 0 {
		cfg.CyclicLags = def.CyclicLags
	}
	if cfg.AutocorrThreshold <= 0 {
		cfg.AutocorrThreshold = def.AutocorrThreshold
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = def.CorrelationThreshold
	}
	if cfg.JaccardThreshold <= 0 {
		cfg.JaccardThreshold = def.JaccardThreshold
	}
	return &Detector{
		logger: logger.With("component", "patterns"),
		store:  st,
		cfg:    cfg,
	}
}

// groupData is the occurrence evidence gathered for one candidate group.
type groupData struct {
	perCluster map[string][]float64 // in-window bucket counts per cluster
	combined   []float64            // in-window bucket counts, all clusters
	hourly     []float64            // full-history hourly counts, for periodicity
	firstSeen  time.Time
	lastSeen   time.Time
	total      int
}

// DetectPatterns runs one detection pass for an application. It upserts the
// detected patterns and returns them; patterns in a terminal status are never
// reopened, a recurrence founds a fresh pattern instead.
func (d *Detector) DetectPatterns(ctx context.Context, application string, now time.Time) ([]models.ErrorPattern, error) {
	start := now.Add(-d.cfg.Window)
	clusters, err := d.store.ListClustersInRange(ctx, application, start, now)
	if err != nil {
		return nil, utils.NewAppError("patterns.DetectPatterns", "list clusters", err)
	}
	if len(clusters) == 0 {
		return nil, nil
	}

	existing, err := d.store.ListPatterns(ctx, application)
	if err != nil {
		return nil, utils.NewAppError("patterns.DetectPatterns", "list patterns", err)
	}

	groups := seedGroups(clusters, d.cfg.CorrelationWindow)
	result := make([]models.ErrorPattern, 0, len(groups))
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := d.gatherGroup(ctx, group, start, now)
		if err != nil {
			return nil, err
		}
		if data.total == 0 {
			continue
		}
		patternType, confidence := d.classify(group, data)

		ids := clusterIDs(group)
		pattern, err := d.reconcile(ctx, existing, group, ids, patternType, confidence, now)
		if err != nil {
			return nil, err
		}
		result = append(result, pattern)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	d.logger.Info("detection pass complete",
		"application", application,
		"clusters", len(clusters),
		"patterns", len(result))
	return result, nil
}

// reconcile matches the group against known patterns by cluster-set overlap
// and either refreshes the match or founds a new pattern.
func (d *Detector) reconcile(
	ctx context.Context,
	existing []models.ErrorPattern,
	group []models.ErrorCluster,
	ids []string,
	patternType models.PatternType,
	confidence float64,
	now time.Time,
) (models.ErrorPattern, error) {
	match := bestMatch(existing, ids, d.cfg.JaccardThreshold)

	// Total occurrences count full cluster membership, not just activity
	// inside the detection window; the alert floor gates on this value.
	occurrences := 0
	for _, cluster := range group {
		occurrences += cluster.Occurrences()
	}

	if match != nil {
		var updated models.ErrorPattern
		err := d.store.UpdatePattern(ctx, match.ID, func(p *models.ErrorPattern) error {
			p.ClusterIDs = ids
			p.Type = patternType
			p.Confidence = confidence
			p.Occurrences = occurrences
			p.Updated = now
			updated = *p
			return nil
		})
		if err != nil {
			return models.ErrorPattern{}, utils.NewAppError("patterns.reconcile", "refresh pattern", err)
		}
		return updated, nil
	}

	pattern := models.ErrorPattern{
		ID:                 uuid.NewString(),
		Name:               patternName(group),
		Description:        patternDescription(group, patternType),
		ClusterIDs:         ids,
		Type:               patternType,
		Confidence:         confidence,
		PotentialRootCause: inferRootCause(group),
		IdentifiedAt:       now,
		Status:             models.StatusActive,
		ApplicationName:    group[0].ApplicationName,
		Repository:         group[0].Repository,
		Team:               group[0].Team,
		Occurrences:        occurrences,
		IsNew:              true,
		Created:            now,
		Updated:            now,
	}
	if err := d.store.PutPattern(ctx, pattern); err != nil {
		return models.ErrorPattern{}, utils.NewAppError("patterns.reconcile", "persist pattern", err)
	}
	d.logger.Info("new pattern identified",
		"pattern_id", pattern.ID,
		"type", pattern.Type,
		"clusters", len(ids))
	return pattern, nil
}

// bestMatch returns the non-terminal pattern with the highest qualifying
// overlap, or nil. Terminal patterns never match; their fault recurring is a
// new incident.
func bestMatch(existing []models.ErrorPattern, ids []string, threshold float64) *models.ErrorPattern {
	var best *models.ErrorPattern
	bestScore := 0.0
	for i := range existing {
		if existing[i].Status.Terminal() {
			continue
		}
		score := jaccard(existing[i].ClusterIDs, ids)
		if score >= threshold && score > bestScore {
			bestScore = score
			best = &existing[i]
		}
	}
	return best
}

// gatherGroup collects bucketed occurrence counts for a candidate group.
func (d *Detector) gatherGroup(ctx context.Context, group []models.ErrorCluster, start, end time.Time) (groupData, error) {
	data := groupData{
		perCluster: make(map[string][]float64, len(group)),
		combined:   make([]float64, d.cfg.SubIntervals),
	}

	var all []time.Time
	for _, cluster := range group {
		entries, err := d.store.ListEntriesByCluster(ctx, cluster.ID)
		if err != nil {
			return groupData{}, utils.NewAppError("patterns.gatherGroup", "load cluster members", err)
		}
		buckets := make([]float64, d.cfg.SubIntervals)
		for _, entry := range entries {
			all = append(all, entry.Timestamp)
			idx := utils.BucketIndex(entry.Timestamp, start, end, d.cfg.SubIntervals)
			if idx < 0 {
				continue
			}
			buckets[idx]++
			data.combined[idx]++
			data.total++
			if data.firstSeen.IsZero() || entry.Timestamp.Before(data.firstSeen) {
				data.firstSeen = entry.Timestamp
			}
			if entry.Timestamp.After(data.lastSeen) {
				data.lastSeen = entry.Timestamp
			}
		}
		data.perCluster[cluster.ID] = buckets
	}
	data.hourly = hourlySeries(all, end)
	return data, nil
}

// hourlySeries buckets timestamps into hourly counts ending at end. Used only
// by the periodicity probe, which needs history beyond the detection window.
func hourlySeries(timestamps []time.Time, end time.Time) []float64 {
	if len(timestamps) == 0 {
		return nil
	}
	earliest := timestamps[0]
	for _, ts := range timestamps {
		if ts.Before(earliest) {
			earliest = ts
		}
	}
	hours := int(end.Sub(earliest)/time.Hour) + 1
	if hours <= 0 {
		return nil
	}
	series := make([]float64, hours)
	for _, ts := range timestamps {
		idx := utils.BucketIndex(ts, earliest, end, hours)
		if idx >= 0 {
			series[idx]++
		}
	}
	return series
}

// classify assigns the group exactly one pattern type. When several criteria
// match, precedence is correlated > cyclic > trending > persistent > transient.
func (d *Detector) classify(group []models.ErrorCluster, data groupData) (models.PatternType, float64) {
	if len(group) >= 2 {
		if corr, ok := d.correlated(data); ok {
			return models.PatternCorrelated, corr
		}
	}
	if ac, ok := d.cyclic(data); ok {
		return models.PatternCyclic, ac
	}
	if conf, ok := d.trending(data); ok {
		return models.PatternTrending, conf
	}
	if conf, ok := d.persistent(data); ok {
		return models.PatternPersistent, conf
	}
	return models.PatternTransient, 0.5
}

// correlated checks that every cluster pair in the group moves together.
func (d *Detector) correlated(data groupData) (float64, bool) {
	series := make([][]float64, 0, len(data.perCluster))
	ids := make([]string, 0, len(data.perCluster))
	for id := range data.perCluster {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		series = append(series, data.perCluster[id])
	}

	minCorr := 1.0
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			corr := stat.Correlation(series[i], series[j], nil)
			if math.IsNaN(corr) {
				return 0, false
			}
			if corr < minCorr {
				minCorr = corr
			}
		}
	}
	if minCorr >= d.cfg.CorrelationThreshold {
		return minCorr, true
	}
	return 0, false
}

// cyclic probes the hourly series for periodicity at the configured lags.
func (d *Detector) cyclic(data groupData) (float64, bool) {
	for _, lag := range d.cfg.CyclicLags {
		lagBuckets := int(lag / time.Hour)
		if lagBuckets <= 0 || len(data.hourly) < 2*lagBuckets {
			continue
		}
		head := data.hourly[:len(data.hourly)-lagBuckets]
		tail := data.hourly[lagBuckets:]
		ac := stat.Correlation(head, tail, nil)
		if math.IsNaN(ac) {
			continue
		}
		if ac >= d.cfg.AutocorrThreshold {
			return ac, true
		}
	}
	return 0, false
}

// trending compares the occurrence rate of the later half of the window
// against the earlier half. Confidence is ratio/(ratio+1), strictly
// increasing in the growth ratio and bounded below 1.
func (d *Detector) trending(data groupData) (float64, bool) {
	half := len(data.combined) / 2
	var early, late float64
	for i, count := range data.combined {
		if i < half {
			early += count
		} else {
			late += count
		}
	}
	var ratio float64
	switch {
	case early == 0 && late == 0:
		return 0, false
	case early == 0:
		ratio = late
	default:
		ratio = late / early
	}
	if ratio < d.cfg.GrowthFactor {
		return 0, false
	}
	return ratio / (ratio + 1), true
}

// persistent requires sustained presence: activity spanning at least half the
// window with at least half of the sub-intervals populated.
func (d *Detector) persistent(data groupData) (float64, bool) {
	if data.firstSeen.IsZero() {
		return 0, false
	}
	span := data.lastSeen.Sub(data.firstSeen)
	spanFraction := float64(span) / float64(d.cfg.Window)

	populated := 0
	for _, count := range data.combined {
		if count > 0 {
			populated++
		}
	}
	if spanFraction < 0.5 || populated*2 < len(data.combined) {
		return 0, false
	}
	confidence := spanFraction
	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence, true
}

// TransitionStatus applies an operator status change, enforcing the lifecycle
// state machine. Invalid transitions return ErrInvalidTransition.
func (d *Detector) TransitionStatus(ctx context.Context, patternID string, next models.PatternStatus, assignee, notes string, now time.Time) (models.ErrorPattern, error) {
	var updated models.ErrorPattern
	err := d.store.UpdatePattern(ctx, patternID, func(p *models.ErrorPattern) error {
		if !p.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", utils.ErrInvalidTransition, p.Status, next)
		}
		p.Status = next
		if assignee != "" {
			p.AssignedTo = assignee
		}
		if notes != "" {
			p.ResolutionNotes = notes
		}
		if next == models.StatusResolved {
			resolved := now
			p.ResolvedAt = &resolved
		}
		p.Updated = now
		updated = *p
		return nil
	})
	if err != nil {
		return models.ErrorPattern{}, err
	}
	d.logger.Info("pattern status changed",
		"pattern_id", patternID,
		"status", next)
	return updated, nil
}

func clusterIDs(group []models.ErrorCluster) []string {
	ids := make([]string, 0, len(group))
	for _, cluster := range group {
		ids = append(ids, cluster.ID)
	}
	sort.Strings(ids)
	return ids
}

// patternName derives a readable name from the group's dominant cluster.
func patternName(group []models.ErrorCluster) string {
	dominant := group[0]
	for _, cluster := range group[1:] {
		if cluster.Occurrences() > dominant.Occurrences() {
			dominant = cluster
		}
	}
	name := dominant.PatternSignature
	if i := strings.IndexByte(name, '|'); i > 0 {
		exceptionType := name[:i]
		rest := strings.SplitN(name[i+1:], "|", 2)[0]
		name = exceptionType + ": " + rest
	}
	if len(name) > 120 {
		name = name[:117] + "..."
	}
	return name
}

func patternDescription(group []models.ErrorCluster, patternType models.PatternType) string {
	return fmt.Sprintf("%s pattern across %d cluster(s)", patternType, len(group))
}
