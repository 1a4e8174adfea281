// Package memory is a process-local SignLinkCache for development and tests.
// Pub/sub only reaches subscribers in the same process.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
)

const (
	documentTTL = 30 * time.Second
	// Per-subscriber backlog before messages are dropped.
	subscriberBuffer = 256
)

type entry struct {
	data    []byte
	expires time.Time
}

type counter struct {
	count   int64
	expires time.Time
}

type subscriber struct {
	messages chan []byte
}

type MemorySignLinkCache struct {
	mu          sync.Mutex
	documents   map[string]entry
	floors      map[string]counter
	failures    map[string]counter
	lockouts    map[string]time.Time
	subscribers map[string]map[*subscriber]struct{}
	logger      *zap.Logger
	now         func() time.Time
}

func NewMemorySignLinkCache(logger *zap.Logger) *MemorySignLinkCache {
	return &MemorySignLinkCache{
		documents:   make(map[string]entry),
		floors:      make(map[string]counter),
		failures:    make(map[string]counter),
		lockouts:    make(map[string]time.Time),
		subscribers: make(map[string]map[*subscriber]struct{}),
		logger:      logger,
		now:         time.Now,
	}
}

func (memCache *MemorySignLinkCache) Publish(ctx context.Context, channel string, message []byte) error {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	for sub := range memCache.subscribers[channel] {
		select {
		case sub.messages <- append([]byte(nil), message...):
		default:
			memCache.logger.Debug("dropping message for slow subscriber", zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe delivers messages to handler on its own goroutine until ctx is
// done.
func (memCache *MemorySignLinkCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sub := &subscriber{messages: make(chan []byte, subscriberBuffer)}
	memCache.mu.Lock()
	if memCache.subscribers[channel] == nil {
		memCache.subscribers[channel] = make(map[*subscriber]struct{})
	}
	memCache.subscribers[channel][sub] = struct{}{}
	memCache.mu.Unlock()

	go func() {
		defer func() {
			memCache.mu.Lock()
			delete(memCache.subscribers[channel], sub)
			if len(memCache.subscribers[channel]) == 0 {
				delete(memCache.subscribers, channel)
			}
			memCache.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.messages:
				handler(msg)
			}
		}
	}()
	return nil
}

func (memCache *MemorySignLinkCache) GetDocument(ctx context.Context, id string) ([]byte, bool, error) {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	e, ok := memCache.documents[id]
	if !ok || !memCache.now().Before(e.expires) {
		delete(memCache.documents, id)
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (memCache *MemorySignLinkCache) SetDocument(ctx context.Context, id string, version int64, data []byte) error {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	now := memCache.now()
	if floor, ok := memCache.floors[id]; ok && now.Before(floor.expires) && floor.count > version {
		return nil
	}
	memCache.documents[id] = entry{
		data:    append([]byte(nil), data...),
		expires: now.Add(documentTTL),
	}
	return nil
}

func (memCache *MemorySignLinkCache) InvalidateDocument(ctx context.Context, id string, version int64) error {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	now := memCache.now()
	floor := memCache.floors[id]
	if !now.Before(floor.expires) || floor.count < version {
		floor.count = version
	}
	floor.expires = now.Add(cache.VersionFloorTTL)
	memCache.floors[id] = floor
	delete(memCache.documents, id)
	return nil
}

func (memCache *MemorySignLinkCache) IncrementLoginFailures(ctx context.Context, key string, window time.Duration) (int64, error) {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	now := memCache.now()
	c, ok := memCache.failures[key]
	if !ok || !now.Before(c.expires) {
		// The window starts with the first failure
		c = counter{expires: now.Add(window)}
	}
	c.count++
	memCache.failures[key] = c
	return c.count, nil
}

func (memCache *MemorySignLinkCache) ResetLoginFailures(ctx context.Context, key string) error {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()
	delete(memCache.failures, key)
	return nil
}

func (memCache *MemorySignLinkCache) SetLockout(ctx context.Context, key string, duration time.Duration) error {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()
	memCache.lockouts[key] = memCache.now().Add(duration)
	delete(memCache.failures, key)
	return nil
}

func (memCache *MemorySignLinkCache) IsLockedOut(ctx context.Context, key string) (bool, error) {
	memCache.mu.Lock()
	defer memCache.mu.Unlock()

	until, ok := memCache.lockouts[key]
	if !ok {
		return false, nil
	}
	if !memCache.now().Before(until) {
		delete(memCache.lockouts, key)
		return false, nil
	}
	return true, nil
}
