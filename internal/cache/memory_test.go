package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newFrozenProvider(start time.Time) (*MemoryProvider, *time.Time) {
	clock := start
	p := &MemoryProvider{
		items: make(map[string]memoryItem),
		stop:  make(chan struct{}),
		now:   func() time.Time { return clock },
	}
	return p, &clock
}

func TestMemoryProviderSetGet(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}

	if _, err := p.Get(ctx, "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	p, clock := newFrozenProvider(start)
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	*clock = start.Add(2 * time.Minute)
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired key must miss, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	p, clock := newFrozenProvider(start)
	ctx := context.Background()

	stored, err := p.SetNX(ctx, "k", []byte("first"), time.Minute)
	if err != nil || !stored {
		t.Fatalf("first SetNX: stored=%v err=%v", stored, err)
	}
	stored, err = p.SetNX(ctx, "k", []byte("second"), time.Minute)
	if err != nil || stored {
		t.Fatalf("second SetNX must lose: stored=%v err=%v", stored, err)
	}
	got, _ := p.Get(ctx, "k")
	if string(got) != "first" {
		t.Fatalf("losing SetNX overwrote value: %q", got)
	}

	// Expiry releases the key for the next SetNX.
	*clock = start.Add(2 * time.Minute)
	stored, err = p.SetNX(ctx, "k", []byte("third"), time.Minute)
	if err != nil || !stored {
		t.Fatalf("SetNX after expiry: stored=%v err=%v", stored, err)
	}
}

func TestMemoryProviderDel(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("deleted key must miss, got %v", err)
	}
}
