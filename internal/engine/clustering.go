// Package engine implements the clustering pass: each incoming error entry is
// assigned to exactly one cluster, first by exact signature match, then by
// similarity against existing clusters, and as a last resort by creating a new
// cluster. Assignment is idempotent per entry ID.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/signature"
	"github.com/faultlinehq/faultline/internal/similarity"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

// createRetries bounds the loser's retry loop when two goroutines race to
// create a cluster for the same signature.
const createRetries = 5

// Engine assigns entries to clusters. Safe for concurrent use; per-cluster
// serialization is delegated to the store.
type Engine struct {
	logger    *slog.Logger
	store     store.Store
	extractor *signature.Extractor
	scorer    similarity.Scorer
	threshold float64
}

// NewEngine builds a clustering engine. Entries scoring at or above threshold
// against an existing cluster join it instead of founding a new one.
func NewEngine(logger *slog.Logger, st store.Store, extractor *signature.Extractor, scorer similarity.Scorer, threshold float64) *Engine {
	return &Engine{
		logger:    logger.With("component", "clustering"),
		store:     st,
		extractor: extractor,
		scorer:    scorer,
		threshold: threshold,
	}
}

// BatchResult summarises one clustering pass.
type BatchResult struct {
	Clusters   []models.ErrorCluster
	Assigned   int
	Created    int
	Duplicates int
	Invalid    int
}

// ClusterErrors assigns every valid entry in the batch to a cluster. Invalid
// entries are skipped and counted, never failing the batch; entries whose ID
// was already ingested are skipped as duplicates.
func (e *Engine) ClusterErrors(ctx context.Context, entries []models.ErrorEntry) (BatchResult, error) {
	var result BatchResult
	touched := make(map[string]struct{})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := validateEntry(entry); err != nil {
			result.Invalid++
			e.logger.Warn("skipping invalid entry", "entry_id", entry.ID, "error", err)
			continue
		}
		if _, err := e.store.GetEntry(ctx, entry.ID); err == nil {
			result.Duplicates++
			continue
		} else if !errors.Is(err, utils.ErrEntryNotFound) {
			return result, utils.NewAppError("engine.ClusterErrors", "check for duplicate entry", err)
		}

		clusterID, created, err := e.assign(ctx, entry)
		if err != nil {
			return result, err
		}
		entry.ClusterID = clusterID
		entry.Created = time.Now().UTC()
		if err := e.store.PutEntry(ctx, entry); err != nil {
			return result, utils.NewAppError("engine.ClusterErrors", "persist entry", err)
		}

		result.Assigned++
		if created {
			result.Created++
		}
		touched[clusterID] = struct{}{}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cluster, err := e.store.GetCluster(ctx, id)
		if err != nil {
			return result, utils.NewAppError("engine.ClusterErrors", "load touched cluster", err)
		}
		result.Clusters = append(result.Clusters, cluster)
	}
	return result, nil
}

// assign resolves the cluster for one entry: exact signature, then similarity,
// then creation. Returns the cluster ID and whether a cluster was created.
func (e *Engine) assign(ctx context.Context, entry models.ErrorEntry) (string, bool, error) {
	sig := e.extractor.Signature(entry)

	if id, ok, err := e.store.LookupSignature(ctx, entry.ApplicationName, sig); err != nil {
		return "", false, utils.NewAppError("engine.assign", "signature lookup", err)
	} else if ok {
		if err := e.appendToCluster(ctx, id, entry); err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	match, err := e.FindSimilarCluster(ctx, entry)
	if err != nil {
		return "", false, err
	}
	if match != nil {
		// Bind this signature so future occurrences take the fast path.
		winner, _, err := e.store.CompareAndCreate(ctx, entry.ApplicationName, sig, match.ID)
		if err != nil {
			return "", false, utils.NewAppError("engine.assign", "bind signature", err)
		}
		if err := e.appendToCluster(ctx, winner, entry); err != nil {
			return "", false, err
		}
		return winner, false, nil
	}

	return e.createCluster(ctx, sig, entry)
}

// createCluster founds a cluster for the signature. When a concurrent creator
// wins the signature binding, this caller joins the winner's cluster instead;
// the winner may not have persisted its cluster yet, so joining retries.
func (e *Engine) createCluster(ctx context.Context, sig string, entry models.ErrorEntry) (string, bool, error) {
	candidate := newClusterFrom(sig, entry)

	winner, created, err := e.store.CompareAndCreate(ctx, entry.ApplicationName, sig, candidate.ID)
	if err != nil {
		return "", false, utils.NewAppError("engine.createCluster", "claim signature", err)
	}
	if created {
		if err := e.store.PutCluster(ctx, candidate); err != nil {
			return "", false, utils.NewAppError("engine.createCluster", "persist cluster", err)
		}
		e.logger.Info("created cluster",
			"cluster_id", candidate.ID,
			"application", entry.ApplicationName,
			"signature", sig)
		return candidate.ID, true, nil
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		err := e.appendToCluster(ctx, winner, entry)
		if err == nil {
			return winner, false, nil
		}
		if !errors.Is(err, utils.ErrClusterNotFound) {
			return "", false, err
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return "", false, utils.NewAppError("engine.createCluster",
		fmt.Sprintf("winning cluster %s never appeared", winner), utils.ErrClusterNotFound)
}

// FindSimilarCluster returns the best similarity match at or above the
// threshold, or nil when none qualifies. An untrained model degrades to
// exact-signature-only clustering rather than failing.
func (e *Engine) FindSimilarCluster(ctx context.Context, entry models.ErrorEntry) (*models.ErrorCluster, error) {
	normalized := e.extractor.Normalize(entry.Message)
	if normalized == "" {
		return nil, nil
	}

	clusters, err := e.store.ListClusters(ctx, entry.ApplicationName)
	if err != nil {
		return nil, utils.NewAppError("engine.FindSimilarCluster", "list clusters", err)
	}

	var best *models.ErrorCluster
	bestScore := 0.0
	for i := range clusters {
		cluster := clusters[i]
		// Different exception types never merge, regardless of message likeness.
		if ct := signatureExceptionType(cluster.PatternSignature); ct != "" && entry.ExceptionType != "" && ct != entry.ExceptionType {
			continue
		}
		score, err := e.scorer.Score(normalized, e.extractor.Normalize(cluster.RepresentativeError))
		if errors.Is(err, utils.ErrModelUnavailable) {
			e.logger.Debug("similarity model unavailable, exact matching only")
			return nil, nil
		}
		if err != nil {
			return nil, utils.NewAppError("engine.FindSimilarCluster", "score entry", err)
		}
		if score >= e.threshold && score > bestScore {
			bestScore = score
			best = &clusters[i]
		}
	}
	return best, nil
}

// Train rebuilds the similarity model from historical entries.
func (e *Engine) Train(ctx context.Context, historical []models.ErrorEntry) error {
	corpus := make([]string, 0, len(historical))
	for _, entry := range historical {
		if normalized := e.extractor.Normalize(entry.Message); normalized != "" {
			corpus = append(corpus, normalized)
		}
	}
	if err := e.scorer.Train(ctx, corpus); err != nil {
		return utils.NewAppError("engine.Train", "train similarity model", err)
	}
	e.logger.Info("similarity model trained", "corpus_size", len(corpus))
	return nil
}

// appendToCluster adds the entry to the cluster's membership and refreshes the
// aggregates. Appending the same entry twice is a no-op.
func (e *Engine) appendToCluster(ctx context.Context, clusterID string, entry models.ErrorEntry) error {
	err := e.store.UpdateCluster(ctx, clusterID, func(c *models.ErrorCluster) error {
		for _, id := range c.ErrorIDs {
			if id == entry.ID {
				return nil
			}
		}
		c.ErrorIDs = append(c.ErrorIDs, entry.ID)
		if entry.Timestamp.Before(c.FirstSeen) {
			c.FirstSeen = entry.Timestamp
		}
		if entry.Timestamp.After(c.LastSeen) {
			c.LastSeen = entry.Timestamp
		}
		if user := entry.Context["user_id"]; user != "" {
			c.AffectedUsers = appendUnique(c.AffectedUsers, user)
		}
		if entry.Endpoint != "" {
			c.AffectedEndpoints = appendUnique(c.AffectedEndpoints, entry.Endpoint)
		}
		if sev := severityForEntry(entry); severityRank(sev) > severityRank(c.Severity) {
			c.Severity = sev
		}
		c.Updated = time.Now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrClusterNotFound) {
			return err
		}
		return utils.NewAppError("engine.appendToCluster", "update cluster", err)
	}
	return nil
}

func newClusterFrom(sig string, entry models.ErrorEntry) models.ErrorCluster {
	now := time.Now().UTC()
	cluster := models.ErrorCluster{
		ID:                  uuid.NewString(),
		PatternSignature:    sig,
		RepresentativeError: entry.Message,
		ErrorIDs:            []string{entry.ID},
		FirstSeen:           entry.Timestamp,
		LastSeen:            entry.Timestamp,
		Severity:            severityForEntry(entry),
		ApplicationName:     entry.ApplicationName,
		Repository:          entry.Repository,
		Team:                entry.Team,
		Created:             now,
		Updated:             now,
	}
	if user := entry.Context["user_id"]; user != "" {
		cluster.AffectedUsers = []string{user}
	}
	if entry.Endpoint != "" {
		cluster.AffectedEndpoints = []string{entry.Endpoint}
	}
	return cluster
}

// validateEntry rejects entries the pipeline cannot place: no identity, no
// owning application, no timestamp, or nothing to fingerprint.
func validateEntry(entry models.ErrorEntry) error {
	switch {
	case entry.ID == "":
		return fmt.Errorf("%w: missing id", utils.ErrInvalidEntry)
	case entry.ApplicationName == "":
		return fmt.Errorf("%w: missing application name", utils.ErrInvalidEntry)
	case entry.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", utils.ErrInvalidEntry)
	case entry.Message == "" && entry.ExceptionType == "":
		return fmt.Errorf("%w: neither message nor exception type", utils.ErrInvalidEntry)
	}
	return nil
}

// severityForEntry derives an initial impact level from the transport outcome.
func severityForEntry(entry models.ErrorEntry) models.Severity {
	switch {
	case entry.StatusCode >= 500:
		return models.SeverityHigh
	case entry.StatusCode >= 400:
		return models.SeverityMedium
	case entry.StatusCode == 0 && entry.ExceptionType != "":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// signatureExceptionType extracts the exception-type segment of a signature.
func signatureExceptionType(sig string) string {
	if i := strings.IndexByte(sig, '|'); i >= 0 {
		return sig[:i]
	}
	return sig
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}
