package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"labchat/internal/api"
	"labchat/internal/models"
	"labchat/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer is a minimal backend: REST for rooms and history, and an event
// stream that greets with a presence snapshot and answers join_room with a
// message from another user.
type chatServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []models.ClientMessage
}

func (c *chatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
		c.writeJSON(w, map[string]any{"rooms": []models.Room{
			{ID: 1, Type: models.RoomTypeGroup, Members: []models.Member{{UserID: "me"}, {UserID: "u2", DisplayName: "Bob"}}},
		}})
	})
	mux.HandleFunc("GET /api/chat/rooms/1/messages", func(w http.ResponseWriter, r *http.Request) {
		c.writeJSON(w, models.MessagePage{
			Messages: []models.Message{{ID: 5, RoomID: 1, SenderID: "u2", SenderName: "Bob", Type: models.MessageTypeText, Content: "hello", CreatedAt: 5}},
			HasMore:  false,
		})
	})
	mux.HandleFunc("POST /api/chat/rooms/1/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ws", c.serveStream)
	return mux
}

func (c *chatServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.t.Errorf("encode: %v", err)
	}
}

func (c *chatServer) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("token") != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	push := func(typ models.EventType, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return conn.WriteJSON(models.Envelope{Type: typ, Payload: raw})
	}

	if err := push(models.EventOnlineUsers, models.OnlineUsers{UserIDs: []string{"me", "u2"}}); err != nil {
		return
	}
	for {
		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.mu.Lock()
		c.received = append(c.received, msg)
		c.mu.Unlock()

		if msg.Type == models.ClientMessageJoinRoom {
			reply := models.Message{ID: 6, RoomID: msg.RoomID, SenderID: "u2", SenderName: "Bob", Type: models.MessageTypeText, Content: "welcome", CreatedAt: 6}
			if err := push(models.EventNewMessage, reply); err != nil {
				return
			}
		}
	}
}

func (c *chatServer) receivedTypes() []models.ClientMessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]models.ClientMessageType, len(c.received))
	for i, m := range c.received {
		types[i] = m.Type
	}
	return types
}

func TestSession_EndToEnd(t *testing.T) {
	backend := &chatServer{t: t}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := api.New(ctx, api.Config{BaseURL: srv.URL, Token: "secret", RatePerSecond: 100})
	require.NoError(t, err)
	stream := ws.NewManager(ws.Config{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		BaseDelay: 10 * time.Millisecond,
	})

	session, err := New(client, stream, Config{SelfID: "me", Token: "secret"})
	require.NoError(t, err)
	t.Cleanup(session.Shutdown)

	require.NoError(t, session.Start(ctx))
	assert.Equal(t, ws.StateConnected, session.ConnectionState())
	require.Len(t, session.Rooms(), 1)
	assert.Equal(t, "Bob", session.Rooms()[0].DisplayName("me"))

	require.Eventually(t, func() bool { return session.IsOnline("u2") }, time.Second, 5*time.Millisecond)

	require.NoError(t, session.OpenRoom(ctx, 1))
	require.Eventually(t, func() bool {
		return len(session.Messages()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "welcome", session.Messages()[1].Content)
	assert.Zero(t, session.Rooms()[0].UnreadCount)

	session.Typing()
	session.AbandonCompose()
	require.Eventually(t, func() bool {
		return len(backend.receivedTypes()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.ClientMessageType{
		models.ClientMessageJoinRoom,
		models.ClientMessageTypingStart,
		models.ClientMessageTypingStop,
	}, backend.receivedTypes())

	session.Shutdown()
	assert.Equal(t, ws.StateDisconnected, session.ConnectionState())
	assert.Empty(t, session.OnlineIDs())
	assert.Empty(t, session.Rooms())
}
