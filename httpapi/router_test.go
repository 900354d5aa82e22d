package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"rescue-chat/access"
	"rescue-chat/audit"
	"rescue-chat/auth"
	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/moderation"
	"rescue-chat/ratelimit"
	"rescue-chat/readstatus"
	"rescue-chat/repositories"
	"rescue-chat/runtime"
	"rescue-chat/services"
)

const apiTestSecret = "api_test_secret_long_enough_hs256"

type apiFixture struct {
	server  *httptest.Server
	tokens  *auth.TokenManager
	service *services.ChatService
}

// newAPIFixture boots the REST stack on a throwaway Badger directory.
// The message limiter is tight on purpose so throttling is observable.
func newAPIFixture(t *testing.T, messageBudget int) apiFixture {
	t.Helper()
	req := require.New(t)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
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
	tokens := auth.NewTokenManager(apiTestSecret, "rescue-chat", time.Hour)

	router := NewRouter(RouterConfig{
		Handler:     NewHandler(service, log),
		Tokens:      tokens,
		Socket:      http.NotFoundHandler(),
		API:         ratelimit.New(1000, time.Minute),
		Messages:    ratelimit.New(messageBudget, time.Minute),
		Uploads:     ratelimit.NewUploadLimiter(),
		UploadDir:   t.TempDir(),
		Connections: registry,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return apiFixture{server: server, tokens: tokens, service: service}
}

func (f apiFixture) token(t *testing.T, userID domain.UserID, roles []string, rescueID domain.RescueID) string {
	t.Helper()
	token, err := f.tokens.Generate(userID, roles, rescueID)
	require.NoError(t, err)
	return token
}

func (f apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	var out T
	require.NoError(t, json.Unmarshal(envelope.Data, &out))
	return out
}

func claimsContext(userID domain.UserID, roles []string, rescueID domain.RescueID) context.Context {
	return auth.ContextWithClaims(context.Background(), &auth.Claims{
		UserID:   string(userID),
		Roles:    roles,
		RescueID: string(rescueID),
	})
}

func seedChatHTTP(t *testing.T, f apiFixture, userID domain.UserID, rescueID domain.RescueID) domain.Chat {
	t.Helper()
	ctx := claimsContext(userID, []string{"user"}, "")
	chat, err := f.service.CreateChat(ctx, services.CreateChatCommand{
		UserID:   userID,
		RescueID: rescueID,
	}, contract.AuditContext{Actor: userID})
	require.NoError(t, err)
	return chat
}

func Test_API_RejectsMissingToken(t *testing.T) {
	// Given an anonymous caller
	req := require.New(t)
	f := newAPIFixture(t, 20)

	// When hitting a protected route without a token
	resp := f.do(t, http.MethodGet, "/api/me/unread", "", nil)

	// Then the request is refused
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func Test_API_ChatLifecycle(t *testing.T) {
	// Given an authenticated adopter
	req := require.New(t)
	f := newAPIFixture(t, 20)
	token := f.token(t, "adopter-1", []string{"user"}, "")

	// When creating a chat
	resp := f.do(t, http.MethodPost, "/api/chats", token, createChatRequest{RescueID: "rescue-1"})
	req.Equal(http.StatusCreated, resp.StatusCode)
	created := decodeData[chatResponse](t, resp)
	req.Equal("rescue-1", created.RescueID)
	req.Equal("active", created.Status)

	// Then the chat reads back with the creator as participant
	resp = f.do(t, http.MethodGet, "/api/chats/"+created.ID, token, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	fetched := decodeData[chatResponse](t, resp)
	req.Len(fetched.Participants, 1)
	req.Equal("adopter-1", fetched.Participants[0].UserID)
}

func Test_API_GetChat_StrangerForbidden(t *testing.T) {
	// Given a chat the caller is not part of
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	stranger := f.token(t, "stranger-9", []string{"user"}, "")

	// When the stranger fetches it
	resp := f.do(t, http.MethodGet, "/api/chats/"+string(chat.ID), stranger, nil)

	// Then membership is not leaked
	req.Equal(http.StatusForbidden, resp.StatusCode)
}

func Test_API_RescueScopedStatus(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	staff := f.token(t, "staff-1", []string{"rescue_manager"}, "rescue-1")

	t.Run("foreign rescue scope reads as not found", func(t *testing.T) {
		// When staff addresses the chat through another rescue's scope
		resp := f.do(t, http.MethodPatch,
			fmt.Sprintf("/api/rescues/rescue-2/chats/%s/status", chat.ID),
			staff, updateStatusRequest{Status: "locked"})

		// Then the chat does not exist from that vantage point
		req.Equal(http.StatusNotFound, resp.StatusCode)
	})

	t.Run("own scope locks the chat", func(t *testing.T) {
		// When the scope matches the chat's rescue
		resp := f.do(t, http.MethodPatch,
			fmt.Sprintf("/api/rescues/rescue-1/chats/%s/status", chat.ID),
			staff, updateStatusRequest{Status: "locked"})

		// Then the transition applies
		req.Equal(http.StatusOK, resp.StatusCode)
		updated := decodeData[chatResponse](t, resp)
		req.Equal("locked", updated.Status)
	})
}

func Test_API_SendMessage(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	adopter := f.token(t, "adopter-1", []string{"user"}, "")

	t.Run("content is censored before storage", func(t *testing.T) {
		// When a member sends a message with a blocked word
		resp := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/messages",
			adopter, sendMessageRequest{Content: "No stupid questions"})

		// Then the stored message is already censored
		req.Equal(http.StatusCreated, resp.StatusCode)
		msg := decodeData[messageResponse](t, resp)
		req.Equal("No ****** questions", msg.Content)

		list := f.do(t, http.MethodGet, "/api/chats/"+string(chat.ID)+"/messages", adopter, nil)
		req.Equal(http.StatusOK, list.StatusCode)
		messages := decodeData[[]messageResponse](t, list)
		req.Len(messages, 1)
		req.Equal("No ****** questions", messages[0].Content)
	})

	t.Run("non-member cannot post", func(t *testing.T) {
		stranger := f.token(t, "stranger-9", []string{"user"}, "")

		resp := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/messages",
			stranger, sendMessageRequest{Content: "hello"})

		req.Equal(http.StatusForbidden, resp.StatusCode)
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/messages",
			adopter, sendMessageRequest{Content: ""})

		req.Equal(http.StatusBadRequest, resp.StatusCode)
	})
}

func Test_API_MessageRateLimit(t *testing.T) {
	// Given a message budget of one per window
	req := require.New(t)
	f := newAPIFixture(t, 1)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	adopter := f.token(t, "adopter-1", []string{"user"}, "")

	// When posting twice in the same window
	first := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/messages",
		adopter, sendMessageRequest{Content: "first"})
	second := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/messages",
		adopter, sendMessageRequest{Content: "second"})

	// Then the second attempt is throttled
	req.Equal(http.StatusCreated, first.StatusCode)
	req.Equal(http.StatusTooManyRequests, second.StatusCode)
}

func Test_API_ReadTracking(t *testing.T) {
	// Given a chat with staff messages the adopter has not read
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	adopter := f.token(t, "adopter-1", []string{"user"}, "")
	staffCtx := claimsContext("staff-1", []string{"rescue_manager"}, "rescue-1")

	for i := range 2 {
		_, err := f.service.SendMessage(staffCtx, services.SendMessageCommand{
			ChatID:   chat.ID,
			SenderID: "staff-1",
			Content:  fmt.Sprintf("update %d", i),
		}, contract.AuditContext{Actor: "staff-1"})
		req.NoError(err)
	}

	// When the adopter checks unread counts
	resp := f.do(t, http.MethodGet, "/api/me/unread", adopter, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	counts := decodeData[map[string]int](t, resp)
	req.Equal(2, counts[string(chat.ID)])

	// And marks the whole chat read
	resp = f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/read", adopter, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	marked := decodeData[struct {
		MessageIDs []string `json:"message_ids"`
	}](t, resp)
	req.Len(marked.MessageIDs, 2)

	// Then nothing is left unread
	resp = f.do(t, http.MethodGet, "/api/me/unread", adopter, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	counts = decodeData[map[string]int](t, resp)
	req.Zero(counts[string(chat.ID)])
}

func Test_API_ReadTracking_RescueOwnerWithoutParticipantRow(t *testing.T) {
	// Given a chat where the adopter has posted and the rescue staff
	// never joined as a participant
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")
	adopterCtx := claimsContext("adopter-1", []string{"user"}, "")

	_, err := f.service.SendMessage(adopterCtx, services.SendMessageCommand{
		ChatID:   chat.ID,
		SenderID: "adopter-1",
		Content:  "is Biscuit still available?",
	}, contract.AuditContext{Actor: "adopter-1"})
	req.NoError(err)

	// When the staff marks the chat read on rescue-ownership access alone
	staff := f.token(t, "staff-1", []string{"rescue_manager"}, "rescue-1")
	resp := f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/read", staff, nil)

	// Then the ownership grant carries through to the read path
	req.Equal(http.StatusOK, resp.StatusCode)
	marked := decodeData[struct {
		MessageIDs []string `json:"message_ids"`
	}](t, resp)
	req.Len(marked.MessageIDs, 1)

	// And a stranger is still refused
	stranger := f.token(t, "stranger-1", []string{"user"}, "")
	resp = f.do(t, http.MethodPost, "/api/chats/"+string(chat.ID)+"/read", stranger, nil)
	req.Equal(http.StatusForbidden, resp.StatusCode)
}

func Test_API_DeleteChat_RequiresAdmin(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t, 20)
	chat := seedChatHTTP(t, f, "adopter-1", "rescue-1")

	t.Run("member without the platform role is refused", func(t *testing.T) {
		adopter := f.token(t, "adopter-1", []string{"user"}, "")

		resp := f.do(t, http.MethodDelete, "/api/chats/"+string(chat.ID), adopter, nil)

		req.Equal(http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin removes the chat and its messages", func(t *testing.T) {
		admin := f.token(t, "admin-1", []string{domain.RoleAdmin}, "")

		resp := f.do(t, http.MethodDelete, "/api/chats/"+string(chat.ID), admin, nil)
		req.Equal(http.StatusNoContent, resp.StatusCode)

		gone := f.do(t, http.MethodGet, "/api/chats/"+string(chat.ID), admin, nil)
		req.Equal(http.StatusNotFound, gone.StatusCode)
	})
}

func Test_API_Upload(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t, 20)
	token := f.token(t, "adopter-1", []string{"user"}, "")

	upload := func(t *testing.T, filename string, content []byte) *http.Response {
		t.Helper()
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		request, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/uploads", &buf)
		require.NoError(t, err)
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Content-Type", writer.FormDataContentType())
		resp, err := http.DefaultClient.Do(request)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("png is accepted with its sniffed type", func(t *testing.T) {
		pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

		resp := upload(t, "cat.png", pngHeader)

		req.Equal(http.StatusCreated, resp.StatusCode)
		attachment := decodeData[attachmentPayload](t, resp)
		req.Equal("image/png", attachment.MimeType)
		req.Equal("cat.png", attachment.Filename)
		req.NotEmpty(attachment.URL)
	})

	t.Run("executable content is refused regardless of extension", func(t *testing.T) {
		elfHeader := []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0}

		resp := upload(t, "cute-puppy.png", elfHeader)

		req.Equal(http.StatusUnsupportedMediaType, resp.StatusCode)
	})
}

func Test_API_Healthz(t *testing.T) {
	// Given a running stack with no live sockets
	req := require.New(t)
	f := newAPIFixture(t, 20)

	// When probing health
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)

	// Then it reports zero connections
	req.Equal(http.StatusOK, resp.StatusCode)
	health := decodeData[map[string]int](t, resp)
	req.Zero(health["connections"])
}
