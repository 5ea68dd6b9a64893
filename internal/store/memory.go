package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

// MemoryStore is the in-process Store implementation. Cluster mutations are
// serialized per cluster (fine-grained locks), so unrelated clusters update in
// parallel; list reads return copies taken under a read lock.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]models.ErrorEntry
	clusters map[string]*clusterSlot
	sigIndex map[string]string // application + "\x00" + signature -> cluster ID
	patterns map[string]models.ErrorPattern
}

type clusterSlot struct {
	mu      sync.Mutex
	cluster models.ErrorCluster
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]models.ErrorEntry),
		clusters: make(map[string]*clusterSlot),
		sigIndex: make(map[string]string),
		patterns: make(map[string]models.ErrorPattern),
	}
}

func sigKey(application, signature string) string {
	return application + "\x00" + signature
}

// PutEntry stores or overwrites an entry.
func (s *MemoryStore) PutEntry(_ context.Context, entry models.ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// GetEntry returns the entry or ErrEntryNotFound.
func (s *MemoryStore) GetEntry(_ context.Context, id string) (models.ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.ErrorEntry{}, utils.ErrEntryNotFound
	}
	return entry, nil
}

// ListEntriesByCluster returns member entries in first-assignment order.
func (s *MemoryStore) ListEntriesByCluster(ctx context.Context, clusterID string) ([]models.ErrorEntry, error) {
	cluster, err := s.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]models.ErrorEntry, 0, len(cluster.ErrorIDs))
	for _, id := range cluster.ErrorIDs {
		if entry, ok := s.entries[id]; ok {
			members = append(members, entry)
		}
	}
	return members, nil
}

// ListEntriesSince returns entries observed at or after since, oldest first.
func (s *MemoryStore) ListEntriesSince(_ context.Context, application string, since time.Time) ([]models.ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.ErrorEntry, 0)
	for _, entry := range s.entries {
		if application != "" && entry.ApplicationName != application {
			continue
		}
		if entry.Timestamp.Before(since) {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// PutCluster creates or replaces a cluster record.
func (s *MemoryStore) PutCluster(_ context.Context, cluster models.ErrorCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.clusters[cluster.ID]; ok {
		slot.mu.Lock()
		slot.cluster = cluster
		slot.mu.Unlock()
		return nil
	}
	s.clusters[cluster.ID] = &clusterSlot{cluster: cluster}
	return nil
}

// GetCluster returns a copy of the cluster or ErrClusterNotFound.
func (s *MemoryStore) GetCluster(_ context.Context, id string) (models.ErrorCluster, error) {
	s.mu.RLock()
	slot, ok := s.clusters[id]
	s.mu.RUnlock()
	if !ok {
		return models.ErrorCluster{}, utils.ErrClusterNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return copyCluster(slot.cluster), nil
}

// ListClusters returns a snapshot of all clusters for an application,
// ordered by ID for deterministic downstream passes.
func (s *MemoryStore) ListClusters(_ context.Context, application string) ([]models.ErrorCluster, error) {
	s.mu.RLock()
	slots := make([]*clusterSlot, 0, len(s.clusters))
	for _, slot := range s.clusters {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	result := make([]models.ErrorCluster, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		cluster := copyCluster(slot.cluster)
		slot.mu.Unlock()
		if application != "" && cluster.ApplicationName != application {
			continue
		}
		result = append(result, cluster)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListClustersInRange returns clusters whose activity overlaps [start, end].
func (s *MemoryStore) ListClustersInRange(ctx context.Context, application string, start, end time.Time) ([]models.ErrorCluster, error) {
	all, err := s.ListClusters(ctx, application)
	if err != nil {
		return nil, err
	}
	result := make([]models.ErrorCluster, 0, len(all))
	for _, cluster := range all {
		if cluster.LastSeen.Before(start) || cluster.FirstSeen.After(end) {
			continue
		}
		result = append(result, cluster)
	}
	return result, nil
}

// UpdateCluster applies mutate inside the cluster's exclusive section.
func (s *MemoryStore) UpdateCluster(_ context.Context, id string, mutate func(*models.ErrorCluster) error) error {
	s.mu.RLock()
	slot, ok := s.clusters[id]
	s.mu.RUnlock()
	if !ok {
		return utils.ErrClusterNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	working := copyCluster(slot.cluster)
	if err := mutate(&working); err != nil {
		return err
	}
	slot.cluster = working
	return nil
}

// LookupSignature resolves an exact signature to its cluster.
func (s *MemoryStore) LookupSignature(_ context.Context, application, signature string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sigIndex[sigKey(application, signature)]
	return id, ok, nil
}

// CompareAndCreate binds signature to clusterID; the first writer wins and
// later callers receive the existing binding.
func (s *MemoryStore) CompareAndCreate(_ context.Context, application, signature, clusterID string) (string, bool, error) {
	key := sigKey(application, signature)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sigIndex[key]; ok {
		return existing, false, nil
	}
	s.sigIndex[key] = clusterID
	return clusterID, true, nil
}

// PutPattern creates or replaces a pattern record.
func (s *MemoryStore) PutPattern(_ context.Context, pattern models.ErrorPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[pattern.ID] = pattern
	return nil
}

// GetPattern returns the pattern or ErrPatternNotFound.
func (s *MemoryStore) GetPattern(_ context.Context, id string) (models.ErrorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pattern, ok := s.patterns[id]
	if !ok {
		return models.ErrorPattern{}, utils.ErrPatternNotFound
	}
	return copyPattern(pattern), nil
}

// ListPatterns returns patterns for an application ordered by ID.
func (s *MemoryStore) ListPatterns(_ context.Context, application string) ([]models.ErrorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.ErrorPattern, 0, len(s.patterns))
	for _, pattern := range s.patterns {
		if application != "" && pattern.ApplicationName != application {
			continue
		}
		result = append(result, copyPattern(pattern))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListPatternsUpdatedSince returns patterns updated at or after since.
func (s *MemoryStore) ListPatternsUpdatedSince(_ context.Context, since time.Time) ([]models.ErrorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.ErrorPattern, 0)
	for _, pattern := range s.patterns {
		if pattern.Updated.Before(since) {
			continue
		}
		result = append(result, copyPattern(pattern))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdatePattern applies mutate to the stored pattern.
func (s *MemoryStore) UpdatePattern(_ context.Context, id string, mutate func(*models.ErrorPattern) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern, ok := s.patterns[id]
	if !ok {
		return utils.ErrPatternNotFound
	}
	working := copyPattern(pattern)
	if err := mutate(&working); err != nil {
		return err
	}
	s.patterns[id] = working
	return nil
}

func copyCluster(c models.ErrorCluster) models.ErrorCluster {
	out := c
	out.ErrorIDs = append([]string(nil), c.ErrorIDs...)
	out.AffectedUsers = append([]string(nil), c.AffectedUsers...)
	out.AffectedEndpoints = append([]string(nil), c.AffectedEndpoints...)
	return out
}

func copyPattern(p models.ErrorPattern) models.ErrorPattern {
	out := p
	out.ClusterIDs = append([]string(nil), p.ClusterIDs...)
	out.RelatedPatterns = append([]string(nil), p.RelatedPatterns...)
	return out
}
