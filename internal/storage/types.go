package storage

import (
	"encoding"
	"encoding/binary"

	"labchat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBMember struct {
	UserID      string `msgpack:"userId"`
	DisplayName string `msgpack:"displayName"`
	Role        string `msgpack:"role"`
}

type DBPreview struct {
	MessageID  int64  `msgpack:"messageId"`
	Content    string `msgpack:"content"`
	SenderName string `msgpack:"senderName"`
	Timestamp  int64  `msgpack:"timestamp"`
}

type DBRoom struct {
	ID          int64      `msgpack:"id"`
	Name        *string    `msgpack:"name"`
	Type        string     `msgpack:"type"`
	Members     []DBMember `msgpack:"members"`
	LastMessage *DBPreview `msgpack:"lastMessage"`
	UnreadCount int        `msgpack:"unreadCount"`
	CreatedAt   int64      `msgpack:"createdAt"`
	// Position is the room's index in the directory when it was saved.
	Position int `msgpack:"position"`
}

func (r *DBRoom) Key() []byte {
	return idKey(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

func roomToDB(room models.Room, position int) *DBRoom {
	r := &DBRoom{
		ID:          room.ID,
		Name:        room.Name,
		Type:        string(room.Type),
		UnreadCount: room.UnreadCount,
		CreatedAt:   room.CreatedAt,
		Position:    position,
	}
	for _, m := range room.Members {
		r.Members = append(r.Members, DBMember(m))
	}
	if p := room.LastMessage; p != nil {
		r.LastMessage = &DBPreview{
			MessageID:  p.MessageID,
			Content:    p.Content,
			SenderName: p.SenderName,
			Timestamp:  p.Timestamp,
		}
	}
	return r
}

func (r *DBRoom) model() models.Room {
	room := models.Room{
		ID:          r.ID,
		Name:        r.Name,
		Type:        models.RoomType(r.Type),
		UnreadCount: r.UnreadCount,
		CreatedAt:   r.CreatedAt,
	}
	for _, m := range r.Members {
		room.Members = append(room.Members, models.Member(m))
	}
	if p := r.LastMessage; p != nil {
		room.LastMessage = &models.Preview{
			MessageID:  p.MessageID,
			Content:    p.Content,
			SenderName: p.SenderName,
			Timestamp:  p.Timestamp,
		}
	}
	return room
}

type DBMedia struct {
	URL             string  `msgpack:"url"`
	FileName        string  `msgpack:"fileName"`
	MimeType        string  `msgpack:"mimeType"`
	Size            int64   `msgpack:"size"`
	DurationSeconds float64 `msgpack:"durationSeconds"`
}

type DBReply struct {
	MessageID  int64  `msgpack:"messageId"`
	SenderName string `msgpack:"senderName"`
	Content    string `msgpack:"content"`
}

type DBReaction struct {
	Emoji    string `msgpack:"emoji"`
	UserID   string `msgpack:"userId"`
	UserName string `msgpack:"userName"`
}

type DBMessage struct {
	ID           int64        `msgpack:"id"`
	RoomID       int64        `msgpack:"roomId"`
	SenderID     string       `msgpack:"senderId"`
	SenderName   string       `msgpack:"senderName"`
	SenderAvatar string       `msgpack:"senderAvatar"`
	Type         string       `msgpack:"type"`
	Content      string       `msgpack:"content"`
	Media        *DBMedia     `msgpack:"media"`
	CreatedAt    int64        `msgpack:"createdAt"`
	EditedAt     *int64       `msgpack:"editedAt"`
	DeletedAt    *int64       `msgpack:"deletedAt"`
	ReplyTo      *DBReply     `msgpack:"replyTo"`
	Reactions    []DBReaction `msgpack:"reactions"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func messageToDB(msg models.Message) *DBMessage {
	m := &DBMessage{
		ID:           msg.ID,
		RoomID:       msg.RoomID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		Type:         string(msg.Type),
		Content:      msg.Content,
		CreatedAt:    msg.CreatedAt,
		EditedAt:     msg.EditedAt,
		DeletedAt:    msg.DeletedAt,
	}
	if msg.Media != nil {
		media := DBMedia(*msg.Media)
		m.Media = &media
	}
	if msg.ReplyTo != nil {
		reply := DBReply(*msg.ReplyTo)
		m.ReplyTo = &reply
	}
	for _, r := range msg.Reactions {
		m.Reactions = append(m.Reactions, DBReaction(r))
	}
	return m
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:           m.ID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Type:         models.MessageType(m.Type),
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
		EditedAt:     m.EditedAt,
		DeletedAt:    m.DeletedAt,
	}
	if m.Media != nil {
		media := models.Media(*m.Media)
		msg.Media = &media
	}
	if m.ReplyTo != nil {
		reply := models.ReplyRef(*m.ReplyTo)
		msg.ReplyTo = &reply
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, models.Reaction(r))
	}
	return msg
}
