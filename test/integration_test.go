// Package test runs a whole-system scenario: REST and websocket
// surfaces wired to the real hub, repository and store, the way the
// binary assembles them.
package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"rescue-chat/access"
	"rescue-chat/audit"
	"rescue-chat/auth"
	"rescue-chat/httpapi"
	"rescue-chat/moderation"
	"rescue-chat/ratelimit"
	"rescue-chat/readstatus"
	"rescue-chat/repositories"
	"rescue-chat/runtime"
	"rescue-chat/services"
	"rescue-chat/ws"
)

const scenarioSecret = "scenario_secret_long_enough_hs256"

func Test_Scenario(t *testing.T) {
	req := require.New(t)
	// Reduced to 16 Mo for testing (avoid 20 Go of storage)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromString("ERROR")
	auditLog := audit.NewLogger(log)
	repo := repositories.NewChatRepository(db, log)
	identity := auth.NewClaimsDirectory()
	authorizer := access.NewAuthorizer(repo, identity, auditLog, log)
	tracker := readstatus.NewTracker(repo, auditLog, log)
	moderator, err := moderation.NewModerator([]string{"stupid"}, moderation.CensorChar)
	req.NoError(err)

	registry := runtime.NewRegistry()
	hub := runtime.NewHub(registry, authorizer,
		ratelimit.NewSocketEventLimiter(), ratelimit.NewTypingLimiter(), auditLog, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	service := services.NewChatService(repo, identity, authorizer, tracker, hub, &moderator, auditLog, log)
	tokens := auth.NewTokenManager(scenarioSecret, "rescue-chat", time.Hour)
	messageLimiter := ratelimit.NewMessageLimiter()

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:     httpapi.NewHandler(service, log),
		Tokens:      tokens,
		Socket:      ws.NewServer(hub, service, tokens, messageLimiter, log),
		API:         ratelimit.New(1000, time.Minute),
		Messages:    messageLimiter,
		Uploads:     ratelimit.NewUploadLimiter(),
		UploadDir:   t.TempDir(),
		Connections: registry,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	adopterToken, err := tokens.Generate("adopter-1", []string{"user"}, "")
	req.NoError(err)
	staffToken, err := tokens.Generate("staff-1", []string{"rescue_manager"}, "rescue-1")
	req.NoError(err)

	// 1. The adopter opens a conversation with the rescue over REST.
	created := call(t, server, http.MethodPost, "/api/chats", adopterToken,
		map[string]string{"rescue_id": "rescue-1"}, http.StatusCreated)
	chatID := created["id"].(string)
	req.NotEmpty(chatID)

	// 2. Both sides come online and join the chat room.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	adopter := connect(t, wsURL, adopterToken, chatID)
	staff := connect(t, wsURL, staffToken, chatID)
	time.Sleep(100 * time.Millisecond)

	// 3. Staff replies over REST; the adopter sees the censored push.
	call(t, server, http.MethodPost, "/api/chats/"+chatID+"/messages", staffToken,
		map[string]string{"content": "No stupid questions here"}, http.StatusCreated)

	name, data := read(t, adopter)
	req.Equal("new_message", name)
	var pushed struct {
		Message struct {
			Content  string `json:"content"`
			SenderID string `json:"sender_id"`
		} `json:"message"`
	}
	req.NoError(json.Unmarshal(data, &pushed))
	req.Equal("No ****** questions here", pushed.Message.Content)
	req.Equal("staff-1", pushed.Message.SenderID)

	// The sender's own socket sees it too.
	name, _ = read(t, staff)
	req.Equal("new_message", name)

	// 4. The adopter clears the chat; staff receives one batched
	// read receipt.
	call(t, server, http.MethodPost, "/api/chats/"+chatID+"/read", adopterToken,
		nil, http.StatusOK)

	name, data = read(t, staff)
	req.Equal("read_status_updated", name)
	var receipt struct {
		UserID     string   `json:"user_id"`
		MessageIDs []string `json:"message_ids"`
	}
	req.NoError(json.Unmarshal(data, &receipt))
	req.Equal("adopter-1", receipt.UserID)
	req.Len(receipt.MessageIDs, 1)

	// 5. Staff locks the chat through the rescue-scoped route; the
	// adopter is notified and can no longer post.
	call(t, server, http.MethodPatch,
		fmt.Sprintf("/api/rescues/rescue-1/chats/%s/status", chatID), staffToken,
		map[string]string{"status": "locked"}, http.StatusOK)

	name, data = read(t, adopter)
	req.Equal("chat_updated", name)
	var update struct {
		Status string `json:"status"`
	}
	req.NoError(json.Unmarshal(data, &update))
	req.Equal("locked", update.Status)

	call(t, server, http.MethodPost, "/api/chats/"+chatID+"/messages", adopterToken,
		map[string]string{"content": "one more thing"}, http.StatusForbidden)
}

func call(t *testing.T, server *httptest.Server, method, path, token string,
	body any, wantStatus int) map[string]any {

	t.Helper()
	req := require.New(t)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		req.NoError(err)
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, server.URL+path, reader)
	req.NoError(err)
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(request)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(wantStatus, resp.StatusCode)

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return envelope.Data
}

// connect dials, authenticates and joins one chat, consuming the
// authentication acknowledgement.
func connect(t *testing.T, url, token, chatID string) *websocket.Conn {
	t.Helper()
	req := require.New(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	t.Cleanup(func() { _ = conn.Close() })

	send(t, conn, "authenticate", map[string]string{"token": token})
	name, _ := read(t, conn)
	req.Equal("authenticated", name)

	send(t, conn, "join_chat", map[string]string{"chat_id": chatID})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Frame{Event: event, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ws.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame.Event, frame.Data
}
