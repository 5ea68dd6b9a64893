package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process TTL cache. It backs alert idempotence in
// single-node deployments; entries expire lazily on access and in a periodic
// sweep.
type MemoryProvider struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	stop    chan struct{}
	stopped sync.Once
	now     func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryProvider returns a running cache; Close stops its sweeper.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{
		items: make(map[string]memoryItem),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	go p.sweep(time.Minute)
	return p
}

func (p *MemoryProvider) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			now := p.now()
			p.mu.Lock()
			for key, item := range p.items {
				if item.expired(now) {
					delete(p.items, key)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// Get returns the value or ErrCacheMiss.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if !ok || item.expired(p.now()) {
		delete(p.items, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), item.value...), nil
}

// Set stores the value with a TTL; ttl <= 0 means no expiry.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = p.newItem(value, ttl)
	return nil
}

// SetNX stores the value only when the key is absent or expired. Returns
// whether this call stored the value.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[key]; ok && !item.expired(p.now()) {
		return false, nil
	}
	p.items[key] = p.newItem(value, ttl)
	return true, nil
}

// Del removes the key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
	return nil
}

// Close stops the sweeper. Safe to call more than once.
func (p *MemoryProvider) Close() error {
	p.stopped.Do(func() { close(p.stop) })
	return nil
}

func (p *MemoryProvider) newItem(value []byte, ttl time.Duration) memoryItem {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = p.now().Add(ttl)
	}
	return item
}
