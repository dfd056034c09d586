package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"labchat/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Usage(t *testing.T) {
	require.Error(t, run(context.Background(), nil))
	require.ErrorContains(t, run(context.Background(), []string{"watch"}), "-room is required")
}

func TestIntegration(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "very-secure-test-token", r.Header.Get("token"))
		_ = json.NewEncoder(w).Encode(map[string]any{"rooms": []models.Room{{ID: 1, Type: models.RoomTypeGroup}}})
	})
	mux.HandleFunc("POST /api/chat/rooms/1/summarize", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "quiet week"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv("LABCHAT_API_URL", srv.URL)
	t.Setenv("LABCHAT_TOKEN", "very-secure-test-token")
	t.Setenv("LABCHAT_USER_ID", "me")
	t.Setenv("LABCHAT_CACHE_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("LABCHAT_METRICS_ADDR", "127.0.0.1:0")

	ctx := context.Background()
	require.NoError(t, run(ctx, []string{"rooms"}))
	require.NoError(t, run(ctx, []string{"summarize", "-room", "1", "-count", "5"}))
	require.Error(t, run(ctx, []string{"dance", "-room", "1"}))
}
