package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"labchat/internal/metrics"
	"labchat/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := New(ctx, Config{
		BaseURL:       srv.URL + "/",
		Token:         "secret",
		RatePerSecond: 1000,
		Metrics:       metrics.New(reg),
	})
	require.NoError(t, err)
	return c, reg
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestClient_ListRooms(t *testing.T) {
	c, reg := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/rooms", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("token"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(t, w, map[string]any{"rooms": []models.Room{{ID: 1, Type: models.RoomTypeGroup}, {ID: 2, Type: models.RoomTypeDirect}}})
	})

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, models.RoomTypeDirect, rooms[1].Type)

	count, err := testutil.GatherAndCount(reg, "labchat_rest_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClient_CreateRoomExisting(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type      string   `json:"type"`
			MemberIDs []string `json:"memberIds"`
			Name      *string  `json:"name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "direct", req.Type)
		assert.Equal(t, []string{"u2"}, req.MemberIDs)
		assert.Nil(t, req.Name)
		writeJSON(t, w, map[string]any{"room": models.Room{ID: 5}, "existing": true})
	})

	room, existing, err := c.CreateRoom(context.Background(), models.RoomTypeDirect, []string{"u2"}, nil)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, int64(5), room.ID)
}

func TestClient_GetMessagesCursor(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/rooms/3/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "100", r.URL.Query().Get("before"))
		writeJSON(t, w, models.MessagePage{
			Messages:     []models.Message{{ID: 99, RoomID: 3}},
			HasMore:      true,
			ReadReceipts: map[string]int64{"u2": 99},
		})
	})

	page, err := c.GetMessages(context.Background(), 3, 50, 100)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(99), page.Messages[0].ID)
	assert.Equal(t, int64(99), page.ReadReceipts["u2"])
}

func TestClient_GetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		writeJSON(t, w, map[string]any{"room": models.Room{ID: 8}})
	})

	room, err := c.GetRoom(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), room.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
		msg    string
	}{
		{"Unauthorized", http.StatusUnauthorized, `{"error":"token expired"}`, ErrUnauthorized, "token expired"},
		{"Not found", http.StatusNotFound, `{"message":"no such message"}`, models.ErrNotFound, "no such message"},
		{"Plain body", http.StatusForbidden, "not a member\n", nil, "not a member"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			err := c.DeleteMessage(context.Background(), 1)
			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.msg, apiErr.Message)
			assert.Equal(t, "delete_message", apiErr.Op)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
		})
	}
}

func TestClient_MessageActions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.EscapedPath() {
		case "POST /api/chat/rooms/1/messages":
			var req models.SendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, models.MessageTypeText, req.Type)
			assert.Equal(t, int64(7), req.ReplyToID)
			writeJSON(t, w, map[string]any{"message": models.Message{ID: 42, RoomID: 1, Content: req.Content}})
		case "PATCH /api/chat/messages/42":
			writeJSON(t, w, map[string]any{"message": models.Message{ID: 42, Content: "edited"}})
		case "POST /api/chat/messages/42/reactions":
			writeJSON(t, w, map[string]any{"reactions": []models.Reaction{{Emoji: "👍", UserID: "me"}}})
		case "POST /api/chat/rooms/1/read":
			w.WriteHeader(http.StatusNoContent)
		case "DELETE /api/chat/rooms/1/members/lab%2Fu%202":
			w.WriteHeader(http.StatusNoContent)
		case "POST /api/chat/rooms/1/members":
			writeJSON(t, w, map[string]any{"room": models.Room{ID: 1, Members: []models.Member{{UserID: "u3"}}}})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	msg, err := c.SendMessage(ctx, 1, models.SendRequest{Content: "hi", ReplyToID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)

	msg, err = c.EditMessage(ctx, 42, "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", msg.Content)

	reactions, err := c.ToggleReaction(ctx, 42, "👍")
	require.NoError(t, err)
	assert.Len(t, reactions, 1)

	require.NoError(t, c.MarkRead(ctx, 1))
	require.NoError(t, c.RemoveMember(ctx, 1, "lab/u 2"))

	room, err := c.AddMembers(ctx, 1, []string{"u3"})
	require.NoError(t, err)
	assert.Len(t, room.Members, 1)
}

func TestClient_SummarizeIsCached(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			MessageCount int `json:"messageCount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(t, w, map[string]string{"summary": strings.Repeat("s", req.MessageCount)})
	})

	for i := 0; i < 3; i++ {
		summary, err := c.Summarize(context.Background(), 1, 3)
		require.NoError(t, err)
		assert.Equal(t, "sss", summary)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err := c.Summarize(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_UploadFile(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/rooms/4/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, "plot.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, png, data)

		writeJSON(t, w, map[string]any{"message": models.Message{ID: 9, Type: models.MessageTypeFile}})
	})

	msg, err := c.UploadFile(context.Background(), 4, models.Upload{Name: "/tmp/plot.png", Reader: strings.NewReader(string(png))})
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeFile, msg.Type)
}

func TestClient_UploadAudioDuration(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "12.5", r.FormValue("duration"))
		_, _, err := r.FormFile("audio")
		require.NoError(t, err)
		writeJSON(t, w, map[string]any{"message": models.Message{ID: 10, Type: models.MessageTypeAudio}})
	})

	mp3 := "ID3\x03\x00\x00\x00\x00\x00\x00 frames"
	_, err := c.UploadAudio(context.Background(), 4, models.Upload{Name: "memo.mp3", Reader: strings.NewReader(mp3)}, 12.5)
	require.NoError(t, err)

	_, err = c.UploadAudio(context.Background(), 4, models.Upload{Name: "notes.txt", Reader: strings.NewReader("short")}, 1)
	assert.ErrorIs(t, err, ErrNotAudio)

	_, err = c.UploadAudio(context.Background(), 4, models.Upload{Name: "empty"}, 1)
	assert.Error(t, err)
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"rooms": []models.Room{}})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListRooms(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
