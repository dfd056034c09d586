package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire format of every inbound stream event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventMessageDeleted    EventType = "message_deleted"
	EventMessageEdited     EventType = "message_edited"
	EventNewRoom           EventType = "new_room"
	EventReactionUpdated   EventType = "reaction_updated"
	EventRoomUpdated       EventType = "room_updated"
	EventRemovedFromRoom   EventType = "removed_from_room"
	EventRoomDeleted       EventType = "room_deleted"
	EventOnlineUsers       EventType = "online_users"
	EventUserOnline        EventType = "user_online"
	EventUserOffline       EventType = "user_offline"
	EventUserTyping        EventType = "user_typing"
	EventUserStoppedTyping EventType = "user_stopped_typing"
	EventNotification      EventType = "notification"
)

// Event is the closed set of inbound stream events. Only types declared in
// this package implement it.
type Event interface {
	Type() EventType
	event()
}

type NewMessage struct {
	Message
}

type MessageDeleted struct {
	RoomID    int64 `json:"roomId"`
	MessageID int64 `json:"messageId"`
	DeletedAt int64 `json:"deletedAt"`
}

type MessageEdited struct {
	RoomID    int64  `json:"roomId"`
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"editedAt"`
}

type NewRoom struct {
	Room
}

type ReactionUpdated struct {
	RoomID    int64      `json:"roomId"`
	MessageID int64      `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type RoomUpdated struct {
	Room
}

type RemovedFromRoom struct {
	RoomID int64 `json:"roomId"`
}

type RoomDeleted struct {
	RoomID int64 `json:"roomId"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type UserTyping struct {
	RoomID      int64  `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserStoppedTyping struct {
	RoomID int64  `json:"roomId"`
	UserID string `json:"userId"`
}

// Notification is forwarded untouched to the notification collaborator.
type Notification struct {
	Payload json.RawMessage
}

func (NewMessage) Type() EventType        { return EventNewMessage }
func (MessageDeleted) Type() EventType    { return EventMessageDeleted }
func (MessageEdited) Type() EventType     { return EventMessageEdited }
func (NewRoom) Type() EventType           { return EventNewRoom }
func (ReactionUpdated) Type() EventType   { return EventReactionUpdated }
func (RoomUpdated) Type() EventType       { return EventRoomUpdated }
func (RemovedFromRoom) Type() EventType   { return EventRemovedFromRoom }
func (RoomDeleted) Type() EventType       { return EventRoomDeleted }
func (OnlineUsers) Type() EventType       { return EventOnlineUsers }
func (UserOnline) Type() EventType        { return EventUserOnline }
func (UserOffline) Type() EventType       { return EventUserOffline }
func (UserTyping) Type() EventType        { return EventUserTyping }
func (UserStoppedTyping) Type() EventType { return EventUserStoppedTyping }
func (Notification) Type() EventType      { return EventNotification }

func (NewMessage) event()        {}
func (MessageDeleted) event()    {}
func (MessageEdited) event()     {}
func (NewRoom) event()           {}
func (ReactionUpdated) event()   {}
func (RoomUpdated) event()       {}
func (RemovedFromRoom) event()   {}
func (RoomDeleted) event()       {}
func (OnlineUsers) event()       {}
func (UserOnline) event()        {}
func (UserOffline) event()       {}
func (UserTyping) event()        {}
func (UserStoppedTyping) event() {}
func (Notification) event()      {}

// ErrUnknownEvent is returned by DecodeEvent for event types outside the closed set.
var ErrUnknownEvent = errors.New("unknown event type")

// DecodeEvent turns a wire envelope into a typed event.
func DecodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventNewMessage:
		ev, err = decode[NewMessage](env.Payload)
	case EventMessageDeleted:
		ev, err = decode[MessageDeleted](env.Payload)
	case EventMessageEdited:
		ev, err = decode[MessageEdited](env.Payload)
	case EventNewRoom:
		ev, err = decode[NewRoom](env.Payload)
	case EventReactionUpdated:
		ev, err = decode[ReactionUpdated](env.Payload)
	case EventRoomUpdated:
		ev, err = decode[RoomUpdated](env.Payload)
	case EventRemovedFromRoom:
		ev, err = decode[RemovedFromRoom](env.Payload)
	case EventRoomDeleted:
		ev, err = decode[RoomDeleted](env.Payload)
	case EventOnlineUsers:
		ev, err = decode[OnlineUsers](env.Payload)
	case EventUserOnline:
		ev, err = decode[UserOnline](env.Payload)
	case EventUserOffline:
		ev, err = decode[UserOffline](env.Payload)
	case EventUserTyping:
		ev, err = decode[UserTyping](env.Payload)
	case EventUserStoppedTyping:
		ev, err = decode[UserStoppedTyping](env.Payload)
	case EventNotification:
		ev = Notification{Payload: env.Payload}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

func decode[T Event](payload json.RawMessage) (Event, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ClientMessage is an outbound stream event. All of them are fire-and-forget.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	RoomID int64             `json:"roomId"`
}

type ClientMessageType string

const (
	ClientMessageJoinRoom    ClientMessageType = "join_room"
	ClientMessageLeaveRoom   ClientMessageType = "leave_room"
	ClientMessageTypingStart ClientMessageType = "typing_start"
	ClientMessageTypingStop  ClientMessageType = "typing_stop"
)
