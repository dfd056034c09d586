package models

import (
	"errors"
	"io"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
)

// Member is a participant of a room.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// Preview is the last-message snippet shown in the room list.
type Preview struct {
	MessageID  int64  `json:"messageId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"` // Unix timestamp (seconds)
}

// Room represents a chat conversation.
type Room struct {
	ID          int64    `json:"id"`
	Name        *string  `json:"name"` // nil means derived from members
	Type        RoomType `json:"type"`
	Members     []Member `json:"members"`
	LastMessage *Preview `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"` // client-local, reset on read
	CreatedAt   int64    `json:"createdAt"`
}

// DisplayName returns the room name, or one derived from the members other than selfID.
func (r Room) DisplayName(selfID string) string {
	if r.Name != nil && *r.Name != "" {
		return *r.Name
	}

	var names []string
	for _, m := range r.Members {
		if m.UserID == selfID {
			continue
		}
		names = append(names, m.DisplayName)
	}
	if len(names) == 0 {
		return "Unnamed room"
	}
	if r.Type == RoomTypeDirect {
		return names[0]
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Activity is the timestamp used to order rooms by recency.
func (r Room) Activity() int64 {
	if r.LastMessage != nil {
		return r.LastMessage.Timestamp
	}
	return r.CreatedAt
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Media is the reference carried by audio and file messages.
type Media struct {
	URL             string  `json:"url"`
	FileName        string  `json:"fileName,omitempty"`
	MimeType        string  `json:"mimeType,omitempty"`
	Size            int64   `json:"size,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// ReplyRef points at the message being replied to, with a denormalized snippet.
type ReplyRef struct {
	MessageID  int64  `json:"messageId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// Reaction is a single emoji reaction by one user.
type Reaction struct {
	Emoji    string `json:"emoji"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message represents a chat message.
type Message struct {
	ID           int64       `json:"id"`
	RoomID       int64       `json:"roomId"`
	SenderID     string      `json:"senderId"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	Media        *Media      `json:"media,omitempty"`
	CreatedAt    int64       `json:"createdAt"`           // Unix timestamp (seconds)
	EditedAt     *int64      `json:"editedAt,omitempty"`  // Unix timestamp (seconds)
	DeletedAt    *int64      `json:"deletedAt,omitempty"` // Unix timestamp (seconds)
	ReplyTo      *ReplyRef   `json:"replyTo,omitempty"`
	Reactions    []Reaction  `json:"reactions,omitempty"`
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// SoftDeleted returns a copy of m with its content replaced by the deletion
// placeholder. An already deleted message is returned unchanged.
func (m Message) SoftDeleted(at int64) Message {
	if m.IsDeleted() {
		return m
	}
	m.Content = DeletedPlaceholder
	m.Media = nil
	m.DeletedAt = &at
	return m
}

// MessagePage is one page of room history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	// ReadReceipts maps user id to the last message id they have read.
	ReadReceipts map[string]int64 `json:"readReceipts,omitempty"`
}

// SendRequest is the body of a text message send.
type SendRequest struct {
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	FileURL   string      `json:"fileUrl,omitempty"`
	ReplyToID int64       `json:"replyToId,omitempty"`
}

// Upload is a file handed to an upload call.
type Upload struct {
	Name   string
	Reader io.Reader
}
