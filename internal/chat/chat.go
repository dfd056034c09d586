// Package chat holds the message timeline of the currently open room.
//
// The timeline is an id-ordered sequence. Every mutation replaces a message
// by id or inserts it if absent, so a REST response and a stream event that
// describe the same change can be applied in either order, or both.
package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"labchat/internal/content"
	"labchat/internal/models"
)

const DefaultPageSize = 50

var (
	ErrNoOpenRoom     = errors.New("no room is open")
	ErrSendInFlight   = errors.New("a message is already being sent")
	ErrStaleRoom      = errors.New("room was closed before the response arrived")
	ErrMessageDeleted = errors.New("message is deleted")
)

type messageAPI interface {
	GetMessages(ctx context.Context, roomID int64, limit int, before int64) (models.MessagePage, error)
	SendMessage(ctx context.Context, roomID int64, req models.SendRequest) (models.Message, error)
	UploadAudio(ctx context.Context, roomID int64, file models.Upload, durationSeconds float64) (models.Message, error)
	UploadFile(ctx context.Context, roomID int64, file models.Upload) (models.Message, error)
	EditMessage(ctx context.Context, messageID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error)
}

type Config struct {
	PageSize int
	Logger   *slog.Logger
}

// Snapshot is the state delivered to subscribers after every change.
type Snapshot struct {
	RoomID   int64
	Messages []models.Message
	HasMore  bool
	Sending  bool
}

type Timeline struct {
	api      messageAPI
	pageSize int
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	roomID   int64
	gen      uint64 // bumped on every open and close
	messages []models.Message
	hasMore  bool
	sending  bool
	receipts map[string]int64
	subs     map[int]func(Snapshot)
	nextID   int
}

func New(api messageAPI, cfg Config) *Timeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Timeline{
		api:      api,
		pageSize: cfg.PageSize,
		log:      cfg.Logger.With("component", "timeline"),
		now:      time.Now,
		subs:     make(map[int]func(Snapshot)),
	}
}

// Open clears the timeline, makes roomID the open room and fetches its most
// recent page. A response that arrives after another Open or Close is
// discarded and ErrStaleRoom is returned. On fetch failure the timeline
// stays empty and open.
func (t *Timeline) Open(ctx context.Context, roomID int64) error {
	return t.Switch(roomID)(ctx)
}

// Switch clears the timeline and makes roomID the open room right away. The
// returned fetch loads the most recent page with the same guarantees as Open.
func (t *Timeline) Switch(roomID int64) (fetch func(ctx context.Context) error) {
	t.mu.Lock()
	gen := t.reset(roomID)
	t.mu.Unlock()
	t.notify()

	return func(ctx context.Context) error {
		return t.fetchLatest(ctx, gen, roomID)
	}
}

func (t *Timeline) fetchLatest(ctx context.Context, gen uint64, roomID int64) error {
	page, err := t.api.GetMessages(ctx, roomID, t.pageSize, 0)
	if err != nil {
		if t.stale(gen) {
			return ErrStaleRoom
		}
		return fmt.Errorf("failed to fetch messages for room %d: %w", roomID, err)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		t.log.Debug("discarding stale page", "room_id", roomID)
		return ErrStaleRoom
	}
	t.messages = merge(t.messages, page.Messages)
	t.hasMore = page.HasMore
	t.mergeReceipts(page.ReadReceipts)
	t.mu.Unlock()
	t.notify()
	return nil
}

// Close clears the timeline. Responses still in flight are discarded.
func (t *Timeline) Close() {
	t.mu.Lock()
	if t.roomID == 0 && len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	t.reset(0)
	t.mu.Unlock()
	t.notify()
}

// reset must be called with mu held.
func (t *Timeline) reset(roomID int64) uint64 {
	t.gen++
	t.roomID = roomID
	t.messages = nil
	t.hasMore = false
	t.sending = false
	t.receipts = nil
	return t.gen
}

func (t *Timeline) stale(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen != gen
}

// LoadOlder fetches the page strictly before the earliest held message and
// returns how many messages it added. Concurrent calls may fetch the same
// page; its messages are only inserted once.
func (t *Timeline) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	roomID, gen := t.roomID, t.gen
	if roomID == 0 {
		t.mu.Unlock()
		return 0, ErrNoOpenRoom
	}
	if !t.hasMore || len(t.messages) == 0 {
		t.mu.Unlock()
		return 0, nil
	}
	before := t.messages[0].ID
	t.mu.Unlock()

	page, err := t.api.GetMessages(ctx, roomID, t.pageSize, before)
	if err != nil {
		if t.stale(gen) {
			return 0, ErrStaleRoom
		}
		return 0, fmt.Errorf("failed to fetch messages before %d: %w", before, err)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return 0, ErrStaleRoom
	}
	held := len(t.messages)
	t.messages = merge(t.messages, page.Messages)
	added := len(t.messages) - held
	t.hasMore = page.HasMore
	t.mergeReceipts(page.ReadReceipts)
	t.mu.Unlock()

	t.notify()
	return added, nil
}

// mergeReceipts must be called with mu held.
func (t *Timeline) mergeReceipts(receipts map[string]int64) {
	if len(receipts) == 0 {
		return
	}
	next := maps.Clone(t.receipts)
	if next == nil {
		next = make(map[string]int64, len(receipts))
	}
	for userID, id := range receipts {
		if id > next[userID] {
			next[userID] = id
		}
	}
	t.receipts = next
}

// Send posts a text message and appends the server's canonical copy once
// the call resolves. Only one send may be in flight.
func (t *Timeline) Send(ctx context.Context, text string, replyToID int64) (models.Message, error) {
	if err := content.ValidateMessage(text); err != nil {
		return models.Message{}, err
	}
	return t.send(func(roomID int64) (models.Message, error) {
		return t.api.SendMessage(ctx, roomID, models.SendRequest{
			Content:   text,
			Type:      models.MessageTypeText,
			ReplyToID: replyToID,
		})
	})
}

func (t *Timeline) SendAudio(ctx context.Context, file models.Upload, durationSeconds float64) (models.Message, error) {
	return t.send(func(roomID int64) (models.Message, error) {
		return t.api.UploadAudio(ctx, roomID, file, durationSeconds)
	})
}

func (t *Timeline) SendFile(ctx context.Context, file models.Upload) (models.Message, error) {
	return t.send(func(roomID int64) (models.Message, error) {
		return t.api.UploadFile(ctx, roomID, file)
	})
}

func (t *Timeline) send(call func(roomID int64) (models.Message, error)) (models.Message, error) {
	t.mu.Lock()
	roomID, gen := t.roomID, t.gen
	switch {
	case roomID == 0:
		t.mu.Unlock()
		return models.Message{}, ErrNoOpenRoom
	case t.sending:
		t.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	}
	t.sending = true
	t.mu.Unlock()
	t.notify()

	msg, err := call(roomID)

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to send message: %w", err)
		}
		return msg, nil
	}
	t.sending = false
	if err == nil {
		if msg.RoomID == 0 {
			msg.RoomID = roomID
		}
		if msg.RoomID == roomID {
			t.messages = upsert(t.messages, msg)
		}
	}
	t.mu.Unlock()
	t.notify()

	if err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// Edit replaces the content of a live message after the server accepts it.
// The server's version of the text wins over the one sent.
func (t *Timeline) Edit(ctx context.Context, messageID int64, text string) (models.Message, error) {
	if err := content.ValidateMessage(text); err != nil {
		return models.Message{}, err
	}
	gen, err := t.mutable(messageID)
	if err != nil {
		return models.Message{}, err
	}

	updated, err := t.api.EditMessage(ctx, messageID, text)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to edit message %d: %w", messageID, err)
	}
	if updated.Content == "" {
		updated.Content = text
	}

	editedAt := t.now().Unix()
	if updated.EditedAt != nil {
		editedAt = *updated.EditedAt
	}
	t.patch(gen, messageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		m.Content = updated.Content
		m.EditedAt = &editedAt
		return m, true
	})
	return updated, nil
}

// Delete soft-deletes a message. Deleting an already deleted message is a
// no-op and issues no call.
func (t *Timeline) Delete(ctx context.Context, messageID int64) error {
	gen, err := t.mutable(messageID)
	if errors.Is(err, ErrMessageDeleted) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := t.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}

	at := t.now().Unix()
	t.patch(gen, messageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		return m.SoftDeleted(at), true
	})
	return nil
}

// ToggleReaction flips the user's emoji on a live message and replaces its
// reaction list with the server's authoritative one.
func (t *Timeline) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	gen, err := t.mutable(messageID)
	if err != nil {
		return nil, err
	}

	reactions, err := t.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle reaction on message %d: %w", messageID, err)
	}

	t.patch(gen, messageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		m.Reactions = slices.Clone(reactions)
		return m, true
	})
	return reactions, nil
}

// mutable checks that messageID is a live message of the open room.
func (t *Timeline) mutable(messageID int64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roomID == 0 {
		return 0, ErrNoOpenRoom
	}
	i, ok := find(t.messages, messageID)
	if !ok {
		return 0, fmt.Errorf("message %d: %w", messageID, models.ErrNotFound)
	}
	if t.messages[i].IsDeleted() {
		return 0, fmt.Errorf("message %d: %w", messageID, ErrMessageDeleted)
	}
	return t.gen, nil
}

// patch applies fn to messageID if the timeline generation still matches.
func (t *Timeline) patch(gen uint64, messageID int64, fn func(models.Message) (models.Message, bool)) bool {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return false
	}
	changed := t.apply(messageID, fn)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	return changed
}

// apply must be called with mu held.
func (t *Timeline) apply(messageID int64, fn func(models.Message) (models.Message, bool)) bool {
	i, ok := find(t.messages, messageID)
	if !ok {
		return false
	}
	m, changed := fn(t.messages[i])
	if !changed {
		return false
	}
	messages := slices.Clone(t.messages)
	messages[i] = m
	t.messages = messages
	return true
}

// ApplyNewMessage inserts an inbound message of the open room unless it is
// already held, for example from the user's own just-completed send.
func (t *Timeline) ApplyNewMessage(msg models.Message) bool {
	t.mu.Lock()
	if t.roomID == 0 || msg.RoomID != t.roomID {
		t.mu.Unlock()
		return false
	}
	if _, ok := find(t.messages, msg.ID); ok {
		t.mu.Unlock()
		return false
	}
	t.messages = merge(t.messages, []models.Message{msg})
	t.mu.Unlock()
	t.notify()
	return true
}

func (t *Timeline) ApplyDeleted(ev models.MessageDeleted) bool {
	at := ev.DeletedAt
	if at == 0 {
		at = t.now().Unix()
	}
	return t.applyInbound(ev.RoomID, ev.MessageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		return m.SoftDeleted(at), true
	})
}

func (t *Timeline) ApplyEdited(ev models.MessageEdited) bool {
	return t.applyInbound(ev.RoomID, ev.MessageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		editedAt := ev.EditedAt
		m.Content = ev.Content
		m.EditedAt = &editedAt
		return m, true
	})
}

func (t *Timeline) ApplyReactions(ev models.ReactionUpdated) bool {
	return t.applyInbound(ev.RoomID, ev.MessageID, func(m models.Message) (models.Message, bool) {
		if m.IsDeleted() {
			return m, false
		}
		m.Reactions = slices.Clone(ev.Reactions)
		return m, true
	})
}

func (t *Timeline) applyInbound(roomID, messageID int64, fn func(models.Message) (models.Message, bool)) bool {
	t.mu.Lock()
	if t.roomID == 0 || roomID != t.roomID {
		t.mu.Unlock()
		return false
	}
	changed := t.apply(messageID, fn)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	return changed
}

// RoomID returns the open room, zero if none.
func (t *Timeline) RoomID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID
}

// Messages returns the held messages in ascending id order.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

func (t *Timeline) Message(messageID int64) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := find(t.messages, messageID)
	if !ok {
		return models.Message{}, false
	}
	return t.messages[i], true
}

func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Sending reports whether a send is in flight, during which composing is disabled.
func (t *Timeline) Sending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sending
}

// ReadReceipts maps user id to the last message id that user has read.
func (t *Timeline) ReadReceipts() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.receipts)
}

func (t *Timeline) Subscribe(cb func(Snapshot)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Timeline) notify() {
	t.mu.Lock()
	snap := Snapshot{
		RoomID:   t.roomID,
		Messages: t.messages,
		HasMore:  t.hasMore,
		Sending:  t.sending,
	}
	subs := make([]func(Snapshot), 0, len(t.subs))
	for _, cb := range t.subs {
		subs = append(subs, cb)
	}
	t.mu.Unlock()

	for _, cb := range subs {
		s := snap
		s.Messages = slices.Clone(snap.Messages)
		cb(s)
	}
}

func find(messages []models.Message, id int64) (int, bool) {
	return slices.BinarySearchFunc(messages, id, func(m models.Message, id int64) int {
		return cmp.Compare(m.ID, id)
	})
}

// merge returns a new sequence with every message from in that is not held yet.
func merge(held, in []models.Message) []models.Message {
	out := slices.Clone(held)
	for _, m := range in {
		i, ok := find(out, m.ID)
		if ok {
			continue
		}
		out = slices.Insert(out, i, m)
	}
	return out
}

// upsert returns a new sequence with msg replacing the message of the same id.
func upsert(held []models.Message, msg models.Message) []models.Message {
	out := slices.Clone(held)
	i, ok := find(out, msg.ID)
	if ok {
		if out[i].IsDeleted() {
			return out
		}
		out[i] = msg
		return out
	}
	return slices.Insert(out, i, msg)
}
