package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

func TestCompareAndCreateFirstWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	winner, created, err := s.CompareAndCreate(ctx, "shop", "sig-a", "cluster-1")
	if err != nil || !created || winner != "cluster-1" {
		t.Fatalf("first create failed: winner=%q created=%v err=%v", winner, created, err)
	}

	winner, created, err = s.CompareAndCreate(ctx, "shop", "sig-a", "cluster-2")
	if err != nil {
		t.Fatalf("second create errored: %v", err)
	}
	if created || winner != "cluster-1" {
		t.Fatalf("loser should see existing binding, got winner=%q created=%v", winner, created)
	}

	// Same signature under a different application is independent.
	winner, created, _ = s.CompareAndCreate(ctx, "billing", "sig-a", "cluster-2")
	if !created || winner != "cluster-2" {
		t.Fatalf("per-application scoping broken: winner=%q created=%v", winner, created)
	}
}

func TestConcurrentUpdateClusterLosesNoUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.PutCluster(ctx, models.ErrorCluster{
		ID:              "c1",
		ApplicationName: "shop",
		FirstSeen:       now,
		LastSeen:        now,
	}); err != nil {
		t.Fatalf("put cluster: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.UpdateCluster(ctx, "c1", func(c *models.ErrorCluster) error {
				c.ErrorIDs = append(c.ErrorIDs, fmt.Sprintf("entry-%d", i))
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cluster, err := s.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if cluster.Occurrences() != writers {
		t.Fatalf("lost updates: expected %d members, got %d", writers, cluster.Occurrences())
	}
}

func TestUpdateClusterMutateErrorLeavesClusterUnchanged(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutCluster(ctx, models.ErrorCluster{ID: "c1", ErrorIDs: []string{"e1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	boom := errors.New("boom")
	err := s.UpdateCluster(ctx, "c1", func(c *models.ErrorCluster) error {
		c.ErrorIDs = append(c.ErrorIDs, "e2")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	cluster, _ := s.GetCluster(ctx, "c1")
	if cluster.Occurrences() != 1 {
		t.Fatalf("failed mutate must not persist, got %d members", cluster.Occurrences())
	}
}

func TestLookupMissesReturnSentinels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetCluster(ctx, "nope"); !errors.Is(err, utils.ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}
	if _, err := s.GetPattern(ctx, "nope"); !errors.Is(err, utils.ErrPatternNotFound) {
		t.Fatalf("expected ErrPatternNotFound, got %v", err)
	}
	if _, err := s.GetEntry(ctx, "nope"); !errors.Is(err, utils.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if err := s.UpdateCluster(ctx, "nope", func(*models.ErrorCluster) error { return nil }); !errors.Is(err, utils.ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound on update, got %v", err)
	}
}

func TestListClustersInRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	clusters := []models.ErrorCluster{
		{ID: "old", ApplicationName: "shop", FirstSeen: base, LastSeen: base.Add(time.Hour)},
		{ID: "mid", ApplicationName: "shop", FirstSeen: base.Add(2 * time.Hour), LastSeen: base.Add(3 * time.Hour)},
		{ID: "new", ApplicationName: "shop", FirstSeen: base.Add(10 * time.Hour), LastSeen: base.Add(11 * time.Hour)},
	}
	for _, c := range clusters {
		if err := s.PutCluster(ctx, c); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ListClustersInRange(ctx, "shop", base.Add(90*time.Minute), base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("range query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "mid" {
		t.Fatalf("expected [mid], got %+v", got)
	}
}

func TestListEntriesSinceFiltersAndSorts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, app := range []string{"shop", "shop", "billing"} {
		entry := models.ErrorEntry{
			ID:              fmt.Sprintf("e%d", i),
			ApplicationName: app,
			Timestamp:       base.Add(time.Duration(2-i) * time.Hour),
		}
		if err := s.PutEntry(ctx, entry); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ListEntriesSince(ctx, "shop", base)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 shop entries, got %d", len(got))
	}
	if got[0].Timestamp.After(got[1].Timestamp) {
		t.Fatalf("entries not sorted ascending")
	}
}
