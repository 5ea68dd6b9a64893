// Package store defines the persistence contracts for entries, clusters, and
// patterns, plus the per-application signature index used by the clustering
// fast path. Implementations must honor the concurrency discipline: reads may
// run concurrently, mutation of a single cluster is serialized, and signature
// index creation is compare-and-create (first writer wins).
package store

import (
	"context"
	"time"

	"github.com/faultlinehq/faultline/internal/models"
)

// EntryStore persists error entries.
type EntryStore interface {
	PutEntry(ctx context.Context, entry models.ErrorEntry) error
	GetEntry(ctx context.Context, id string) (models.ErrorEntry, error)
	// ListEntriesByCluster returns a cluster's members in assignment order.
	ListEntriesByCluster(ctx context.Context, clusterID string) ([]models.ErrorEntry, error)
	// ListEntriesSince returns entries for an application observed at or after
	// since; application "" matches all applications.
	ListEntriesSince(ctx context.Context, application string, since time.Time) ([]models.ErrorEntry, error)
}

// ClusterStore persists clusters. UpdateCluster runs mutate inside the
// cluster's exclusive section so concurrent assignments never lose updates.
type ClusterStore interface {
	PutCluster(ctx context.Context, cluster models.ErrorCluster) error
	GetCluster(ctx context.Context, id string) (models.ErrorCluster, error)
	ListClusters(ctx context.Context, application string) ([]models.ErrorCluster, error)
	ListClustersInRange(ctx context.Context, application string, start, end time.Time) ([]models.ErrorCluster, error)
	UpdateCluster(ctx context.Context, id string, mutate func(*models.ErrorCluster) error) error
}

// SignatureIndex maps exact signatures to cluster identifiers per application.
type SignatureIndex interface {
	LookupSignature(ctx context.Context, application, signature string) (string, bool, error)
	// CompareAndCreate binds signature to clusterID unless a binding already
	// exists. Returns the winning cluster ID and whether this call created it.
	CompareAndCreate(ctx context.Context, application, signature, clusterID string) (string, bool, error)
}

// PatternStore persists detected patterns.
type PatternStore interface {
	PutPattern(ctx context.Context, pattern models.ErrorPattern) error
	GetPattern(ctx context.Context, id string) (models.ErrorPattern, error)
	ListPatterns(ctx context.Context, application string) ([]models.ErrorPattern, error)
	ListPatternsUpdatedSince(ctx context.Context, since time.Time) ([]models.ErrorPattern, error)
	UpdatePattern(ctx context.Context, id string, mutate func(*models.ErrorPattern) error) error
}

// Store aggregates all persistence contracts consumed by the engine.
type Store interface {
	EntryStore
	ClusterStore
	SignatureIndex
	PatternStore
}
