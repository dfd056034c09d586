package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"labchat/internal/models"
)

type roomResponse struct {
	Room models.Room `json:"room"`
}

type messageResponse struct {
	Message models.Message `json:"message"`
}

func roomPath(roomID int64, rest string) string {
	return "/api/chat/rooms/" + strconv.FormatInt(roomID, 10) + rest
}

func messagePath(messageID int64, rest string) string {
	return "/api/chat/messages/" + strconv.FormatInt(messageID, 10) + rest
}

func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var resp struct {
		Rooms []models.Room `json:"rooms"`
	}
	if err := c.call(ctx, "list_rooms", http.MethodGet, "/api/chat/rooms", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom creates a room. For a direct room that already exists between
// the same members the server returns it with existing set.
func (c *Client) CreateRoom(ctx context.Context, typ models.RoomType, memberIDs []string, name *string) (models.Room, bool, error) {
	req := struct {
		Type      models.RoomType `json:"type"`
		MemberIDs []string        `json:"memberIds"`
		Name      *string         `json:"name,omitempty"`
	}{typ, memberIDs, name}

	var resp struct {
		Room     models.Room `json:"room"`
		Existing bool        `json:"existing"`
	}
	if err := c.call(ctx, "create_room", http.MethodPost, "/api/chat/rooms", nil, req, &resp); err != nil {
		return models.Room{}, false, err
	}
	return resp.Room, resp.Existing, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID int64) (models.Room, error) {
	var resp roomResponse
	if err := c.call(ctx, "get_room", http.MethodGet, roomPath(roomID, ""), nil, nil, &resp); err != nil {
		return models.Room{}, err
	}
	return resp.Room, nil
}

// ProjectRoom looks up the room of a project, creating it on first use.
func (c *Client) ProjectRoom(ctx context.Context, projectID int64) (models.Room, error) {
	var resp roomResponse
	path := "/api/projects/" + strconv.FormatInt(projectID, 10) + "/chat-room"
	if err := c.call(ctx, "project_room", http.MethodGet, path, nil, nil, &resp); err != nil {
		return models.Room{}, err
	}
	return resp.Room, nil
}

// GetMessages returns up to limit messages older than before, or the newest
// page when before is zero.
func (c *Client) GetMessages(ctx context.Context, roomID int64, limit int, before int64) (models.MessagePage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		query.Set("before", strconv.FormatInt(before, 10))
	}

	var page models.MessagePage
	if err := c.call(ctx, "get_messages", http.MethodGet, roomPath(roomID, "/messages"), query, nil, &page); err != nil {
		return models.MessagePage{}, err
	}
	return page, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID int64, req models.SendRequest) (models.Message, error) {
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	var resp messageResponse
	if err := c.call(ctx, "send_message", http.MethodPost, roomPath(roomID, "/messages"), nil, req, &resp); err != nil {
		return models.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) (models.Message, error) {
	req := struct {
		Content string `json:"content"`
	}{content}
	var resp messageResponse
	if err := c.call(ctx, "edit_message", http.MethodPatch, messagePath(messageID, ""), nil, req, &resp); err != nil {
		return models.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.call(ctx, "delete_message", http.MethodDelete, messagePath(messageID, ""), nil, nil, nil)
}

func (c *Client) AddMembers(ctx context.Context, roomID int64, userIDs []string) (models.Room, error) {
	req := struct {
		UserIDs []string `json:"userIds"`
	}{userIDs}
	var resp roomResponse
	if err := c.call(ctx, "add_members", http.MethodPost, roomPath(roomID, "/members"), nil, req, &resp); err != nil {
		return models.Room{}, err
	}
	return resp.Room, nil
}

func (c *Client) RemoveMember(ctx context.Context, roomID int64, userID string) error {
	path := roomPath(roomID, "/members/"+url.PathEscape(userID))
	return c.call(ctx, "remove_member", http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, roomID int64) error {
	return c.call(ctx, "mark_read", http.MethodPost, roomPath(roomID, "/read"), nil, nil, nil)
}

// ToggleReaction adds or removes the user's emoji and returns the message's
// full reaction list.
func (c *Client) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	req := struct {
		Emoji string `json:"emoji"`
	}{emoji}
	var resp struct {
		Reactions []models.Reaction `json:"reactions"`
	}
	if err := c.call(ctx, "toggle_reaction", http.MethodPost, messagePath(messageID, "/reactions"), nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Reactions == nil {
		resp.Reactions = []models.Reaction{}
	}
	return resp.Reactions, nil
}

// Summarize asks for a summary of the last count messages, zero meaning the
// server default. Results are cached briefly per room and count.
func (c *Client) Summarize(ctx context.Context, roomID int64, count int) (string, error) {
	key := fmt.Sprintf("%d:%d", roomID, count)
	if summary, err := c.summaries.Get(key); err == nil {
		return summary, nil
	}

	req := struct {
		MessageCount int `json:"messageCount,omitempty"`
	}{count}
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.call(ctx, "summarize", http.MethodPost, roomPath(roomID, "/summarize"), nil, req, &resp); err != nil {
		return "", err
	}
	c.summaries.Set(key, resp.Summary)
	return resp.Summary, nil
}
