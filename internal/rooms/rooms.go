// Package rooms keeps the ordered list of rooms visible to the user, their
// last-message previews and client-local unread counts.
package rooms

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"labchat/internal/content"
	"labchat/internal/models"
)

// PreviewLength is the rune limit of a room list preview snippet.
const PreviewLength = 120

type roomAPI interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	CreateRoom(ctx context.Context, typ models.RoomType, memberIDs []string, name *string) (room models.Room, existing bool, err error)
	MarkRead(ctx context.Context, roomID int64) error
}

type Directory struct {
	api    roomAPI
	selfID string
	log    *slog.Logger

	mu       sync.Mutex
	rooms    []models.Room // replaced, never mutated in place
	openID   int64
	fetched  bool
	fetchErr error
	subs     map[int]func([]models.Room)
	nextID   int
}

func New(api roomAPI, selfID string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		api:    api,
		selfID: selfID,
		log:    logger.With("component", "rooms"),
		subs:   make(map[int]func([]models.Room)),
	}
}

// Fetch replaces the whole list with the server's, in server order. On
// failure the current list is kept and the error is retained for FetchErr.
func (d *Directory) Fetch(ctx context.Context) error {
	rooms, err := d.api.ListRooms(ctx)
	if err != nil {
		d.mu.Lock()
		d.fetchErr = err
		d.mu.Unlock()
		return fmt.Errorf("failed to fetch rooms: %w", err)
	}

	d.update(func() bool {
		d.rooms = slices.Clone(rooms)
		d.fetched = true
		d.fetchErr = nil
		return true
	})
	return nil
}

// Restore primes the list from a local snapshot. It does nothing once a
// fetch has succeeded.
func (d *Directory) Restore(rooms []models.Room) {
	d.update(func() bool {
		if d.fetched {
			return false
		}
		d.rooms = slices.Clone(rooms)
		return true
	})
}

// Create issues the REST create. A room the server reports as already
// existing is never prepended as a duplicate.
func (d *Directory) Create(ctx context.Context, typ models.RoomType, memberIDs []string, name *string) (models.Room, error) {
	room, existing, err := d.api.CreateRoom(ctx, typ, memberIDs, name)
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	d.update(func() bool {
		if i := d.index(room.ID); i >= 0 {
			d.replace(i, room)
			return true
		}
		if existing {
			d.rooms = append(slices.Clone(d.rooms), room)
		} else {
			d.rooms = append([]models.Room{room}, d.rooms...)
		}
		return true
	})
	return room, nil
}

// Upsert inserts a room the user was just added to, or refreshes a known one.
func (d *Directory) Upsert(room models.Room) {
	d.update(func() bool {
		if i := d.index(room.ID); i >= 0 {
			d.replace(i, room)
			return true
		}
		d.rooms = append([]models.Room{room}, d.rooms...)
		return true
	})
}

// ApplyRoomUpdated replaces a known room's fields in place. The local unread
// count survives. It reports whether the room was known.
func (d *Directory) ApplyRoomUpdated(room models.Room) bool {
	known := false
	d.update(func() bool {
		i := d.index(room.ID)
		if i < 0 {
			return false
		}
		known = true
		d.replace(i, room)
		return true
	})
	return known
}

// replace must be called with mu held.
func (d *Directory) replace(i int, room models.Room) {
	current := d.rooms[i]
	room.UnreadCount = current.UnreadCount
	if room.LastMessage == nil {
		room.LastMessage = current.LastMessage
	}
	rooms := slices.Clone(d.rooms)
	rooms[i] = room
	d.rooms = rooms
}

// ApplyMessage updates the preview of msg's room, bumps its unread count
// unless the room is open or the message is the user's own, and re-sorts by
// activity. A message at or below the current preview id is a replay and
// leaves the room untouched. It reports whether the room was known.
func (d *Directory) ApplyMessage(msg models.Message) bool {
	known := false
	d.update(func() bool {
		i := d.index(msg.RoomID)
		if i < 0 {
			return false
		}
		known = true

		room := d.rooms[i]
		if room.LastMessage != nil && msg.ID <= room.LastMessage.MessageID {
			return false
		}
		room.LastMessage = &models.Preview{
			MessageID:  msg.ID,
			Content:    previewText(msg),
			SenderName: msg.SenderName,
			Timestamp:  msg.CreatedAt,
		}
		if msg.SenderID != d.selfID && msg.RoomID != d.openID {
			room.UnreadCount++
		}

		rooms := slices.Clone(d.rooms)
		rooms[i] = room
		slices.SortStableFunc(rooms, func(a, b models.Room) int {
			return cmp.Compare(b.Activity(), a.Activity())
		})
		d.rooms = rooms
		return true
	})
	return known
}

func previewText(msg models.Message) string {
	if msg.IsDeleted() {
		return models.DeletedPlaceholder
	}
	switch msg.Type {
	case models.MessageTypeAudio:
		return "Voice message"
	case models.MessageTypeFile:
		if msg.Media != nil && msg.Media.FileName != "" {
			return msg.Media.FileName
		}
		return "File"
	}
	return content.Snippet(msg.Content, PreviewLength)
}

// ApplyDeleted swaps the preview to the placeholder when it shows the
// deleted message.
func (d *Directory) ApplyDeleted(roomID, messageID int64) {
	d.update(func() bool {
		i := d.index(roomID)
		if i < 0 {
			return false
		}
		room := d.rooms[i]
		if room.LastMessage == nil || room.LastMessage.MessageID != messageID || room.LastMessage.Content == models.DeletedPlaceholder {
			return false
		}
		preview := *room.LastMessage
		preview.Content = models.DeletedPlaceholder
		room.LastMessage = &preview

		rooms := slices.Clone(d.rooms)
		rooms[i] = room
		d.rooms = rooms
		return true
	})
}

// ApplyEdited refreshes the preview text when it shows the edited message.
func (d *Directory) ApplyEdited(roomID, messageID int64, text string) {
	d.update(func() bool {
		i := d.index(roomID)
		if i < 0 {
			return false
		}
		room := d.rooms[i]
		if room.LastMessage == nil || room.LastMessage.MessageID != messageID || room.LastMessage.Content == models.DeletedPlaceholder {
			return false
		}
		preview := *room.LastMessage
		preview.Content = content.Snippet(text, PreviewLength)
		room.LastMessage = &preview

		rooms := slices.Clone(d.rooms)
		rooms[i] = room
		d.rooms = rooms
		return true
	})
}

// Remove drops a room and reports whether it was the open one, in which case
// the open room is cleared.
func (d *Directory) Remove(roomID int64) (wasOpen bool) {
	d.update(func() bool {
		if d.openID == roomID {
			wasOpen = true
			d.openID = 0
		}
		i := d.index(roomID)
		if i < 0 {
			return wasOpen
		}
		d.rooms = slices.Delete(slices.Clone(d.rooms), i, i+1)
		return true
	})
	return wasOpen
}

// MarkRead zeroes the unread count immediately and then tells the server.
// A failed call is logged and not rolled back.
func (d *Directory) MarkRead(ctx context.Context, roomID int64) {
	d.update(func() bool {
		i := d.index(roomID)
		if i < 0 || d.rooms[i].UnreadCount == 0 {
			return false
		}
		rooms := slices.Clone(d.rooms)
		rooms[i].UnreadCount = 0
		d.rooms = rooms
		return true
	})

	if err := d.api.MarkRead(ctx, roomID); err != nil {
		d.log.Warn("mark read failed", "room_id", roomID, "error", err)
	}
}

// SetOpen records the open room. Zero means none.
func (d *Directory) SetOpen(roomID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openID = roomID
}

func (d *Directory) OpenID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openID
}

// Open returns the current value of the open room.
func (d *Directory) Open() (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openID == 0 {
		return models.Room{}, false
	}
	i := d.index(d.openID)
	if i < 0 {
		return models.Room{}, false
	}
	return d.rooms[i], true
}

func (d *Directory) Rooms() []models.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.rooms)
}

func (d *Directory) Room(roomID int64) (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(roomID)
	if i < 0 {
		return models.Room{}, false
	}
	return d.rooms[i], true
}

// FetchErr is the error of the last failed fetch, cleared by a successful one.
func (d *Directory) FetchErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchErr
}

// Subscribe registers cb to be called synchronously with the new list after
// every change.
func (d *Directory) Subscribe(cb func(rooms []models.Room)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = cb
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Reset drops every room and the open room.
func (d *Directory) Reset() {
	d.update(func() bool {
		d.rooms = nil
		d.openID = 0
		d.fetched = false
		d.fetchErr = nil
		return true
	})
}

// update runs fn under the lock and notifies subscribers if fn reports a change.
func (d *Directory) update(fn func() bool) {
	d.mu.Lock()
	if !fn() {
		d.mu.Unlock()
		return
	}
	rooms := d.rooms
	subs := make([]func([]models.Room), 0, len(d.subs))
	for _, cb := range d.subs {
		subs = append(subs, cb)
	}
	d.mu.Unlock()

	for _, cb := range subs {
		cb(slices.Clone(rooms))
	}
}

func (d *Directory) index(roomID int64) int {
	return slices.IndexFunc(d.rooms, func(r models.Room) bool { return r.ID == roomID })
}
