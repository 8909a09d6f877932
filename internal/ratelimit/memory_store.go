package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a sliding log per key in process memory. It is exact for a single instance
// and does not coordinate across replicas.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*slidingLog
	hits int
}

// slidingLog keeps the window the key was last hit with, so a sweep never applies one class's
// window to another class's key.
type slidingLog struct {
	entries []time.Time
	window  time.Duration
}

// sweepEvery bounds how often idle keys are purged.
const sweepEvery = 1024

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*slidingLog)}
}

func (store *MemoryStore) Hit(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	store.hits++
	if store.hits%sweepEvery == 0 {
		store.sweep(now)
	}

	log, ok := store.logs[key]
	if !ok {
		log = &slidingLog{}
		store.logs[key] = log
	}
	log.window = limit.Window
	entries := trim(log.entries, now.Add(-limit.Window))
	if len(entries) >= limit.Requests {
		log.entries = entries
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: entries[0].Add(limit.Window).Sub(now),
		}, nil
	}
	entries = append(entries, now)
	log.entries = entries
	return Decision{Allowed: true, Remaining: limit.Requests - len(entries)}, nil
}

// trim drops entries at or before cutoff. Entries are in insertion order.
func trim(entries []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(entries) && !entries[index].After(cutoff) {
		index++
	}
	if index == 0 {
		return entries
	}
	return append(entries[:0:0], entries[index:]...)
}

// sweep drops keys whose newest entry has left that key's own window.
func (store *MemoryStore) sweep(now time.Time) {
	for key, log := range store.logs {
		entries := log.entries
		if len(entries) == 0 || !entries[len(entries)-1].After(now.Add(-log.window)) {
			delete(store.logs, key)
		}
	}
}

// AllowAllStore admits every request. It is the dev/test stand-in for a limiter backend.
type AllowAllStore struct{}

func (AllowAllStore) Hit(_ context.Context, _ string, limit Limit, _ time.Time) (Decision, error) {
	return Decision{Allowed: true, Remaining: limit.Requests}, nil
}
