// Package typing tracks who is composing a message, per room, and emits
// the local user's own typing start/stop events.
package typing

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"labchat/internal/models"
)

const (
	DefaultIdle = 2 * time.Second
)

type emitter interface {
	Send(msg models.ClientMessage) error
}

type Config struct {
	// Idle is how long after the last keystroke a stop is emitted.
	Idle time.Duration
	// Expiry drops an inbound entry that was neither refreshed nor stopped
	// within this window. Zero trusts explicit stop events only.
	Expiry time.Duration
	Logger *slog.Logger
}

type entry struct {
	name  string
	timer *time.Timer
}

type Tracker struct {
	out    emitter
	idle   time.Duration
	expiry time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	rooms     map[int64]map[string]*entry
	composing map[int64]*time.Timer
	subs      map[int64]map[int]func(map[string]string)
	nextID    int
}

func New(out emitter, cfg Config) *Tracker {
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		out:       out,
		idle:      cfg.Idle,
		expiry:    cfg.Expiry,
		log:       cfg.Logger.With("component", "typing"),
		rooms:     make(map[int64]map[string]*entry),
		composing: make(map[int64]*time.Timer),
		subs:      make(map[int64]map[int]func(map[string]string)),
	}
}

// StartTyping records a keystroke in roomID. The first keystroke emits
// typing_start; every keystroke pushes the automatic typing_stop back by
// the idle timeout.
func (t *Tracker) StartTyping(roomID int64) {
	t.mu.Lock()
	old, already := t.composing[roomID]
	if already {
		if old.Reset(t.idle) {
			t.mu.Unlock()
			return
		}
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.idle, func() { t.idleStop(roomID, timer) })
	t.composing[roomID] = timer
	t.mu.Unlock()

	// A timer that fired during Reset is replaced without a second start.
	if !already {
		t.emit(models.ClientMessageTypingStart, roomID)
	}
}

// StopTyping emits typing_stop immediately if a start is outstanding.
func (t *Tracker) StopTyping(roomID int64) {
	t.mu.Lock()
	timer, ok := t.composing[roomID]
	if ok {
		timer.Stop()
		delete(t.composing, roomID)
	}
	t.mu.Unlock()

	if ok {
		t.emit(models.ClientMessageTypingStop, roomID)
	}
}

// StopAll stops every outstanding local typing indicator.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	rooms := make([]int64, 0, len(t.composing))
	for roomID, timer := range t.composing {
		timer.Stop()
		rooms = append(rooms, roomID)
	}
	t.composing = make(map[int64]*time.Timer)
	t.mu.Unlock()

	for _, roomID := range rooms {
		t.emit(models.ClientMessageTypingStop, roomID)
	}
}

func (t *Tracker) idleStop(roomID int64, timer *time.Timer) {
	t.mu.Lock()
	current, ok := t.composing[roomID]
	if !ok || current != timer {
		t.mu.Unlock()
		return
	}
	delete(t.composing, roomID)
	t.mu.Unlock()

	t.emit(models.ClientMessageTypingStop, roomID)
}

func (t *Tracker) emit(kind models.ClientMessageType, roomID int64) {
	if err := t.out.Send(models.ClientMessage{Type: kind, RoomID: roomID}); err != nil {
		t.log.Debug("typing event not sent", "type", kind, "room_id", roomID, "error", err)
	}
}

// ApplyTyping records that userID is typing in roomID.
func (t *Tracker) ApplyTyping(roomID int64, userID, displayName string) {
	t.mu.Lock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]*entry)
		t.rooms[roomID] = users
	}
	e, ok := users[userID]
	if !ok {
		e = &entry{}
		users[userID] = e
	}
	e.name = displayName
	if t.expiry > 0 {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = t.expire(roomID, userID, e)
	}
	t.mu.Unlock()

	t.notify(roomID)
}

// ApplyStopped removes userID from roomID's typing set.
func (t *Tracker) ApplyStopped(roomID int64, userID string) {
	t.mu.Lock()
	removed := t.remove(roomID, userID, nil)
	t.mu.Unlock()

	if removed {
		t.notify(roomID)
	}
}

func (t *Tracker) expire(roomID int64, userID string, e *entry) *time.Timer {
	return time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		removed := t.remove(roomID, userID, e)
		t.mu.Unlock()

		if removed {
			t.log.Debug("typing entry expired", "room_id", roomID, "user_id", userID)
			t.notify(roomID)
		}
	})
}

// remove drops the entry; when only is set it must be that exact entry.
func (t *Tracker) remove(roomID int64, userID string, only *entry) bool {
	users := t.rooms[roomID]
	e, ok := users[userID]
	if !ok || (only != nil && e != only) {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// Clear drops every inbound entry and notifies subscribers of the affected rooms.
func (t *Tracker) Clear() {
	t.mu.Lock()
	rooms := make([]int64, 0, len(t.rooms))
	for roomID, users := range t.rooms {
		for _, e := range users {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		rooms = append(rooms, roomID)
	}
	t.rooms = make(map[int64]map[string]*entry)
	t.mu.Unlock()

	for _, roomID := range rooms {
		t.notify(roomID)
	}
}

// Typing returns the full user id to display name set for roomID.
func (t *Tracker) Typing(roomID int64) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(roomID)
}

func (t *Tracker) Subscribe(roomID int64, cb func(typing map[string]string)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.subs[roomID] == nil {
		t.subs[roomID] = make(map[int]func(map[string]string))
	}
	t.subs[roomID][id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[roomID], id)
		if len(t.subs[roomID]) == 0 {
			delete(t.subs, roomID)
		}
	}
}

func (t *Tracker) notify(roomID int64) {
	t.mu.Lock()
	typing := t.snapshot(roomID)
	subs := make([]func(map[string]string), 0, len(t.subs[roomID]))
	for _, cb := range t.subs[roomID] {
		subs = append(subs, cb)
	}
	t.mu.Unlock()

	for _, cb := range subs {
		cb(maps.Clone(typing))
	}
}

func (t *Tracker) snapshot(roomID int64) map[string]string {
	typing := make(map[string]string, len(t.rooms[roomID]))
	for id, e := range t.rooms[roomID] {
		typing[id] = e.name
	}
	return typing
}
