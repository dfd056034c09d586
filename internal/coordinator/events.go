package coordinator

import (
	"context"
	"time"

	"labchat/internal/models"
)

const roomLookupTimeout = 10 * time.Second

// Handle routes one inbound event. It runs on the stream's read goroutine,
// so events are applied in emission order.
func (s *Session) Handle(ev models.Event) {
	switch e := ev.(type) {
	case models.NewMessage:
		s.learn(e.SenderID, e.SenderName)
		s.applyToDirectory(e.Message)
		if !s.timeline.ApplyNewMessage(e.Message) {
			s.ignoredUnlessOpen(ev, e.RoomID)
		}

	case models.MessageDeleted:
		s.rooms.ApplyDeleted(e.RoomID, e.MessageID)
		if !s.timeline.ApplyDeleted(e) {
			s.ignoredUnlessOpen(ev, e.RoomID)
		}

	case models.MessageEdited:
		s.rooms.ApplyEdited(e.RoomID, e.MessageID, e.Content)
		if !s.timeline.ApplyEdited(e) {
			s.ignoredUnlessOpen(ev, e.RoomID)
		}

	case models.ReactionUpdated:
		if !s.timeline.ApplyReactions(e) {
			s.ignoredUnlessOpen(ev, e.RoomID)
		}

	case models.NewRoom:
		s.rooms.Upsert(e.Room)

	case models.RoomUpdated:
		if !s.rooms.ApplyRoomUpdated(e.Room) {
			s.cfg.Metrics.EventIgnored(string(ev.Type()))
		}

	case models.RemovedFromRoom:
		s.dropRoom(e.RoomID)

	case models.RoomDeleted:
		s.dropRoom(e.RoomID)

	case models.OnlineUsers:
		s.presence.ApplySnapshot(e.UserIDs)

	case models.UserOnline:
		s.presence.SetOnline(e.UserID)

	case models.UserOffline:
		s.presence.SetOffline(e.UserID)

	case models.UserTyping:
		s.learn(e.UserID, e.DisplayName)
		s.typing.ApplyTyping(e.RoomID, e.UserID, e.DisplayName)

	case models.UserStoppedTyping:
		s.typing.ApplyStopped(e.RoomID, e.UserID)

	case models.Notification:
		if s.cfg.Notifier != nil {
			s.cfg.Notifier(e)
		}

	default:
		s.log.Debug("unhandled inbound event", "type", ev.Type())
		s.cfg.Metrics.EventIgnored(string(ev.Type()))
	}
}

// ignoredUnlessOpen counts an event that targeted a room other than the
// open one. Duplicates for the open room are not counted.
func (s *Session) ignoredUnlessOpen(ev models.Event, roomID int64) {
	if s.timeline.RoomID() != roomID {
		s.cfg.Metrics.EventIgnored(string(ev.Type()))
	}
}

// dropRoom removes a room the user can no longer see, closing it if open.
func (s *Session) dropRoom(roomID int64) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.rooms.Remove(roomID) {
		s.typing.StopTyping(roomID)
		s.timeline.Close()
	}
	if s.store != nil {
		if err := s.store.DeleteRoom(roomID); err != nil {
			s.log.Warn("failed to drop cached room", "room_id", roomID, "error", err)
		}
	}
}

// applyToDirectory updates the room preview and unread count. Messages for
// a room that is not known yet are held until the room has been looked up,
// so they still apply in arrival order.
func (s *Session) applyToDirectory(msg models.Message) {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	if held, ok := s.pending[msg.RoomID]; ok {
		s.pending[msg.RoomID] = append(held, msg)
		return
	}
	if s.rooms.ApplyMessage(msg) {
		return
	}
	s.lookupRoom(msg)
}

// lookupRoom fetches a room that a message arrived for before the room
// itself was known. One lookup per room is in flight at a time. The caller
// holds lookupMu.
func (s *Session) lookupRoom(msg models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()

	roomID := msg.RoomID
	s.pending[roomID] = []models.Message{msg}

	go func() {
		defer s.bg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, roomLookupTimeout)
		defer cancel()

		room, err := s.api.GetRoom(ctx, roomID)

		s.lookupMu.Lock()
		defer s.lookupMu.Unlock()
		held := s.pending[roomID]
		delete(s.pending, roomID)

		if err != nil {
			s.log.Warn("failed to look up room", "room_id", roomID, "dropped", len(held), "error", err)
			return
		}
		s.rooms.Upsert(room)
		for _, m := range held {
			s.rooms.ApplyMessage(m)
		}
	}()
}
