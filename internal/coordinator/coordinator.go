// Package coordinator wires the stream, presence, typing, room directory and
// timeline of one authenticated session together. It routes every inbound
// event through a single switch, turns user actions into REST calls and
// keeps at most one room open at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labchat/internal/chat"
	"labchat/internal/metrics"
	"labchat/internal/models"
	"labchat/internal/presence"
	"labchat/internal/rooms"
	"labchat/internal/typing"
	"labchat/internal/ws"

	"github.com/c-pro/geche"
	"golang.org/x/sync/errgroup"
)

type stream interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Send(msg models.ClientMessage) error
	OnEvent(handler func(models.Event))
	OnStateChange(listener func(ws.State))
	State() ws.State
}

type restAPI interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	CreateRoom(ctx context.Context, typ models.RoomType, memberIDs []string, name *string) (models.Room, bool, error)
	GetRoom(ctx context.Context, roomID int64) (models.Room, error)
	ProjectRoom(ctx context.Context, projectID int64) (models.Room, error)
	AddMembers(ctx context.Context, roomID int64, userIDs []string) (models.Room, error)
	RemoveMember(ctx context.Context, roomID int64, userID string) error
	MarkRead(ctx context.Context, roomID int64) error
	Summarize(ctx context.Context, roomID int64, count int) (string, error)

	GetMessages(ctx context.Context, roomID int64, limit int, before int64) (models.MessagePage, error)
	SendMessage(ctx context.Context, roomID int64, req models.SendRequest) (models.Message, error)
	UploadAudio(ctx context.Context, roomID int64, file models.Upload, durationSeconds float64) (models.Message, error)
	UploadFile(ctx context.Context, roomID int64, file models.Upload) (models.Message, error)
	EditMessage(ctx context.Context, messageID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error)
}

// Store is the local snapshot cache. storage.BboltStorage implements it.
type Store interface {
	SaveRooms(rooms []models.Room) error
	ListRooms() ([]models.Room, error)
	SaveMessages(roomID int64, messages []models.Message) error
	ListMessages(roomID int64, limit int) ([]models.Message, error)
	DeleteRoom(roomID int64) error
}

type Config struct {
	SelfID       string
	Token        string
	PageSize     int
	TypingIdle   time.Duration
	TypingExpiry time.Duration
	// Store is optional.
	Store Store
	// Alerter receives every user-visible failure. Optional.
	Alerter func(Alert)
	// Notifier receives notification events untouched. Optional.
	Notifier func(models.Notification)
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
}

// Session is the set of sync components of one authenticated user.
type Session struct {
	cfg    Config
	api    restAPI
	stream stream
	store  Store
	log    *slog.Logger

	presence *presence.Tracker
	typing   *typing.Tracker
	rooms    *rooms.Directory
	timeline *chat.Timeline
	names    geche.Geche[string, string]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	openMu sync.Mutex // serializes room switches
	mu     sync.Mutex
	closed bool

	// lookupMu guards pending, the messages held back per room while the
	// room itself is being looked up.
	lookupMu sync.Mutex
	pending  map[int64][]models.Message
}

func New(api restAPI, conn stream, cfg Config) (*Session, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("self user id is required")
	}
	if cfg.Token == "" {
		return nil, ws.ErrMissingToken
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		api:      api,
		stream:   conn,
		store:    cfg.Store,
		log:      cfg.Logger.With("component", "coordinator"),
		presence: presence.New(),
		typing: typing.New(conn, typing.Config{
			Idle:   cfg.TypingIdle,
			Expiry: cfg.TypingExpiry,
			Logger: cfg.Logger,
		}),
		rooms:    rooms.New(api, cfg.SelfID, cfg.Logger),
		timeline: chat.New(api, chat.Config{PageSize: cfg.PageSize, Logger: cfg.Logger}),
		names:    geche.NewMapCache[string, string](),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[int64][]models.Message),
	}

	s.rooms.Subscribe(s.learnMembers)
	conn.OnEvent(s.Handle)
	conn.OnStateChange(s.onStateChange)
	return s, nil
}

// Start primes the directory from the local cache, connects the stream and
// fetches the room list. A connection failure is alerted and retried in the
// background; only a room fetch failure is returned.
func (s *Session) Start(ctx context.Context) error {
	s.restore()

	if err := s.stream.Connect(ctx, s.cfg.Token); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("stream connect failed", "error", err)
		s.alert(Alert{Kind: AlertConnectivity, Err: err})
	}

	return s.FetchRooms(ctx)
}

// FetchRooms replaces the room list from the server and caches it.
func (s *Session) FetchRooms(ctx context.Context) error {
	if err := s.rooms.Fetch(ctx); err != nil {
		s.alert(Alert{Kind: AlertRoomFetch, Err: err})
		return err
	}
	s.saveRooms()
	return nil
}

// Shutdown leaves the open room, stops local typing, persists the cache,
// disconnects and clears every component.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.openMu.Lock()
	if prev := s.rooms.OpenID(); prev != 0 {
		s.leave(prev)
	}
	s.typing.StopAll()
	s.saveRooms()
	s.openMu.Unlock()

	s.cancel()
	s.stream.Disconnect()
	s.bg.Wait()

	s.timeline.Close()
	s.rooms.Reset()
	s.presence.Clear()
	s.typing.Clear()
}

// OpenRoom makes roomID the one open room. The previous room is left, its
// typing indicator stopped and its page cached before roomID is joined. The
// history fetch and mark-read run concurrently. Opening the open room is a
// no-op.
func (s *Session) OpenRoom(ctx context.Context, roomID int64) error {
	s.openMu.Lock()
	prev := s.rooms.OpenID()
	if prev == roomID {
		s.openMu.Unlock()
		return nil
	}
	if prev != 0 {
		s.leave(prev)
	}
	s.rooms.SetOpen(roomID)
	fetch := s.timeline.Switch(roomID)
	s.sendStream(models.ClientMessageJoinRoom, roomID)
	s.openMu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		return fetch(ctx)
	})
	g.Go(func() error {
		s.rooms.MarkRead(ctx, roomID)
		return nil
	})

	err := g.Wait()
	switch {
	case errors.Is(err, chat.ErrStaleRoom):
		return nil
	case err != nil:
		s.alert(Alert{Kind: AlertRoomFetch, RoomID: roomID, Err: err})
		return err
	}
	s.saveMessages(roomID)
	return nil
}

// OpenProjectRoom looks up (or creates) the room of a project and opens it.
func (s *Session) OpenProjectRoom(ctx context.Context, projectID int64) (models.Room, error) {
	room, err := s.api.ProjectRoom(ctx, projectID)
	if err != nil {
		err = fmt.Errorf("failed to look up room of project %d: %w", projectID, err)
		s.alert(Alert{Kind: AlertRoomFetch, Err: err})
		return models.Room{}, err
	}
	s.rooms.Upsert(room)
	return room, s.OpenRoom(ctx, room.ID)
}

// CloseRoom leaves the open room and clears the timeline.
func (s *Session) CloseRoom() {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	prev := s.rooms.OpenID()
	if prev == 0 {
		return
	}
	s.leave(prev)
	s.rooms.SetOpen(0)
	s.timeline.Close()
}

// leave must be called with openMu held.
func (s *Session) leave(roomID int64) {
	s.typing.StopTyping(roomID)
	s.sendStream(models.ClientMessageLeaveRoom, roomID)
	s.saveMessages(roomID)
}

// Typing records a keystroke in the open room's compose box.
func (s *Session) Typing() {
	if roomID := s.rooms.OpenID(); roomID != 0 {
		s.typing.StartTyping(roomID)
	}
}

// AbandonCompose stops the local typing indicator of the open room.
func (s *Session) AbandonCompose() {
	if roomID := s.rooms.OpenID(); roomID != 0 {
		s.typing.StopTyping(roomID)
	}
}

func (s *Session) sendStream(kind models.ClientMessageType, roomID int64) {
	if err := s.stream.Send(models.ClientMessage{Type: kind, RoomID: roomID}); err != nil {
		s.log.Debug("outbound event dropped", "type", kind, "room_id", roomID, "error", err)
	}
}

func (s *Session) onStateChange(state ws.State) {
	switch state {
	case ws.StateConnected:
		if roomID := s.rooms.OpenID(); roomID != 0 {
			s.sendStream(models.ClientMessageJoinRoom, roomID)
		}
	case ws.StateConnecting:
	case ws.StateReconnecting, ws.StateFailed:
		s.presence.Clear()
		s.typing.Clear()
		s.alert(Alert{Kind: AlertConnectivity, Err: fmt.Errorf("stream %s", state)})
	case ws.StateDisconnected:
		s.presence.Clear()
		s.typing.Clear()
	}
}

func (s *Session) alert(a Alert) {
	if s.cfg.Alerter != nil {
		s.cfg.Alerter(a)
	}
}

func (s *Session) restore() {
	if s.store == nil {
		return
	}
	cached, err := s.store.ListRooms()
	if err != nil {
		s.log.Warn("failed to read cached rooms", "error", err)
		return
	}
	if len(cached) > 0 {
		s.rooms.Restore(cached)
	}
}

func (s *Session) saveRooms() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRooms(s.rooms.Rooms()); err != nil {
		s.log.Warn("failed to cache rooms", "error", err)
	}
}

// saveMessages caches the newest page of roomID if it is the timeline's room.
func (s *Session) saveMessages(roomID int64) {
	if s.store == nil || s.timeline.RoomID() != roomID {
		return
	}
	messages := s.timeline.Messages()
	if len(messages) == 0 {
		return // keep the previous snapshot over an empty or failed load
	}
	if n := s.pageSize(); len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	if err := s.store.SaveMessages(roomID, messages); err != nil {
		s.log.Warn("failed to cache messages", "room_id", roomID, "error", err)
	}
}

func (s *Session) pageSize() int {
	if s.cfg.PageSize > 0 {
		return s.cfg.PageSize
	}
	return chat.DefaultPageSize
}

func (s *Session) learnMembers(list []models.Room) {
	for _, room := range list {
		for _, m := range room.Members {
			s.learn(m.UserID, m.DisplayName)
		}
	}
}

func (s *Session) learn(userID, name string) {
	if userID != "" && name != "" {
		s.names.Set(userID, name)
	}
}

// UserName returns the last display name seen for userID, or userID.
func (s *Session) UserName(userID string) string {
	if name, err := s.names.Get(userID); err == nil {
		return name
	}
	return userID
}

func (s *Session) SelfID() string                   { return s.cfg.SelfID }
func (s *Session) Rooms() []models.Room             { return s.rooms.Rooms() }
func (s *Session) OpenRoomID() int64                { return s.rooms.OpenID() }
func (s *Session) CurrentRoom() (models.Room, bool) { return s.rooms.Open() }
func (s *Session) Messages() []models.Message       { return s.timeline.Messages() }
func (s *Session) Views() []chat.MessageView        { return s.timeline.Views(s.cfg.SelfID) }
func (s *Session) HasMore() bool                    { return s.timeline.HasMore() }
func (s *Session) ReadReceipts() map[string]int64   { return s.timeline.ReadReceipts() }
func (s *Session) IsOnline(userID string) bool      { return s.presence.IsOnline(userID) }
func (s *Session) OnlineIDs() []string              { return s.presence.OnlineIDs() }
func (s *Session) ConnectionState() ws.State        { return s.stream.State() }
func (s *Session) RoomFetchErr() error              { return s.rooms.FetchErr() }

// CachedMessages returns the locally cached page of roomID, if any.
func (s *Session) CachedMessages(roomID int64) ([]models.Message, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListMessages(roomID, s.pageSize())
}

func (s *Session) SubscribeRooms(cb func([]models.Room)) (unsubscribe func()) {
	return s.rooms.Subscribe(cb)
}

func (s *Session) SubscribeTimeline(cb func(chat.Snapshot)) (unsubscribe func()) {
	return s.timeline.Subscribe(cb)
}

func (s *Session) SubscribePresence(cb func(online []string)) (unsubscribe func()) {
	return s.presence.Subscribe(cb)
}

// SubscribeTyping delivers the users composing in roomID, never including
// the session's own user.
func (s *Session) SubscribeTyping(roomID int64, cb func(typing map[string]string)) (unsubscribe func()) {
	return s.typing.Subscribe(roomID, func(all map[string]string) {
		cb(s.withoutSelf(all))
	})
}

// TypingUsers returns the users composing in roomID other than the session's own.
func (s *Session) TypingUsers(roomID int64) map[string]string {
	return s.withoutSelf(s.typing.Typing(roomID))
}

func (s *Session) withoutSelf(all map[string]string) map[string]string {
	if _, ok := all[s.cfg.SelfID]; !ok {
		return all
	}
	others := make(map[string]string, len(all)-1)
	for id, name := range all {
		if id != s.cfg.SelfID {
			others[id] = name
		}
	}
	return others
}
