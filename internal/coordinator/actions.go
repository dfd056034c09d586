package coordinator

import (
	"context"
	"errors"
	"fmt"

	"labchat/internal/chat"
	"labchat/internal/models"
)

// Send stops the typing indicator and sends text to the open room. The
// room list preview follows the canonical message.
func (s *Session) Send(ctx context.Context, text string, replyToID int64) (models.Message, error) {
	if roomID := s.timeline.RoomID(); roomID != 0 {
		s.typing.StopTyping(roomID)
	}
	msg, err := s.timeline.Send(ctx, text, replyToID)
	if err != nil {
		return models.Message{}, s.actionFailed("send", err)
	}
	s.rooms.ApplyMessage(msg)
	return msg, nil
}

func (s *Session) SendAudio(ctx context.Context, file models.Upload, durationSeconds float64) (models.Message, error) {
	if roomID := s.timeline.RoomID(); roomID != 0 {
		s.typing.StopTyping(roomID)
	}
	msg, err := s.timeline.SendAudio(ctx, file, durationSeconds)
	if err != nil {
		return models.Message{}, s.actionFailed("send_audio", err)
	}
	s.rooms.ApplyMessage(msg)
	return msg, nil
}

func (s *Session) SendFile(ctx context.Context, file models.Upload) (models.Message, error) {
	if roomID := s.timeline.RoomID(); roomID != 0 {
		s.typing.StopTyping(roomID)
	}
	msg, err := s.timeline.SendFile(ctx, file)
	if err != nil {
		return models.Message{}, s.actionFailed("send_file", err)
	}
	s.rooms.ApplyMessage(msg)
	return msg, nil
}

func (s *Session) Edit(ctx context.Context, messageID int64, text string) (models.Message, error) {
	roomID := s.timeline.RoomID()
	msg, err := s.timeline.Edit(ctx, messageID, text)
	if err != nil {
		return models.Message{}, s.actionFailed("edit", err)
	}
	s.rooms.ApplyEdited(roomID, messageID, msg.Content)
	return msg, nil
}

func (s *Session) Delete(ctx context.Context, messageID int64) error {
	roomID := s.timeline.RoomID()
	if err := s.timeline.Delete(ctx, messageID); err != nil {
		return s.actionFailed("delete", err)
	}
	s.rooms.ApplyDeleted(roomID, messageID)
	return nil
}

func (s *Session) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	reactions, err := s.timeline.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return nil, s.actionFailed("toggle_reaction", err)
	}
	return reactions, nil
}

// LoadOlder prepends the page before the oldest held message and returns
// how many messages were added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	n, err := s.timeline.LoadOlder(ctx)
	switch {
	case errors.Is(err, chat.ErrStaleRoom):
		return 0, nil
	case err != nil:
		s.alert(Alert{Kind: AlertRoomFetch, RoomID: s.timeline.RoomID(), Err: err})
		return 0, err
	}
	return n, nil
}

// CreateRoom creates a room, or returns the existing direct room between
// the same members.
func (s *Session) CreateRoom(ctx context.Context, typ models.RoomType, memberIDs []string, name *string) (models.Room, error) {
	room, err := s.rooms.Create(ctx, typ, memberIDs, name)
	if err != nil {
		return models.Room{}, s.actionFailed("create_room", err)
	}
	s.saveRooms()
	return room, nil
}

func (s *Session) AddMembers(ctx context.Context, roomID int64, userIDs []string) (models.Room, error) {
	room, err := s.api.AddMembers(ctx, roomID, userIDs)
	if err != nil {
		return models.Room{}, s.actionFailed("add_members", fmt.Errorf("failed to add members to room %d: %w", roomID, err))
	}
	if !s.rooms.ApplyRoomUpdated(room) {
		s.rooms.Upsert(room)
	}
	return room, nil
}

// RemoveMember removes userID from roomID. Removing oneself drops the room
// locally without waiting for the removed_from_room event.
func (s *Session) RemoveMember(ctx context.Context, roomID int64, userID string) error {
	if err := s.api.RemoveMember(ctx, roomID, userID); err != nil {
		return s.actionFailed("remove_member", fmt.Errorf("failed to remove %s from room %d: %w", userID, roomID, err))
	}
	if userID == s.cfg.SelfID {
		s.dropRoom(roomID)
	}
	return nil
}

func (s *Session) Summarize(ctx context.Context, roomID int64, count int) (string, error) {
	summary, err := s.api.Summarize(ctx, roomID, count)
	if err != nil {
		return "", s.actionFailed("summarize", fmt.Errorf("failed to summarize room %d: %w", roomID, err))
	}
	return summary, nil
}

func (s *Session) actionFailed(action string, err error) error {
	if errors.Is(err, chat.ErrStaleRoom) {
		return err
	}
	s.log.Warn("action failed", "action", action, "error", err)
	s.alert(Alert{Kind: AlertAction, Action: action, RoomID: s.timeline.RoomID(), Err: err})
	return err
}
