// Package presence tracks which users currently hold a stream connection.
package presence

import (
	"slices"
	"sort"
	"sync"
)

type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}
	subs   map[int]func(online []string)
	nextID int
}

func New() *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		subs:   make(map[int]func([]string)),
	}
}

// ApplySnapshot replaces the whole online set.
func (t *Tracker) ApplySnapshot(userIDs []string) {
	t.mutate(func() {
		t.online = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			t.online[id] = struct{}{}
		}
	})
}

func (t *Tracker) SetOnline(userID string) {
	t.mutate(func() { t.online[userID] = struct{}{} })
}

func (t *Tracker) SetOffline(userID string) {
	t.mutate(func() { delete(t.online, userID) })
}

// Clear empties the set. Unknown presence is reported as offline.
func (t *Tracker) Clear() {
	t.mutate(func() { t.online = make(map[string]struct{}) })
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// OnlineIDs returns the online user ids, sorted.
func (t *Tracker) OnlineIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Subscribe registers cb to be called synchronously after every mutation.
func (t *Tracker) Subscribe(cb func(online []string)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) mutate(fn func()) {
	t.mu.Lock()
	fn()
	online := t.snapshot()
	subs := make([]func([]string), 0, len(t.subs))
	for _, cb := range t.subs {
		subs = append(subs, cb)
	}
	t.mu.Unlock()

	for _, cb := range subs {
		cb(slices.Clone(online))
	}
}

func (t *Tracker) snapshot() []string {
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
