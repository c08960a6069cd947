package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carechat/internal/auth"
	"carechat/internal/config"
	"carechat/internal/models"
	"carechat/internal/protocol"
	"carechat/internal/service"
	"carechat/internal/store"
	"carechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testSecret = "test-secret"

type testEnv struct {
	engine *gin.Engine
	hub    *ws.Hub
	tokens map[string]string
}

func newTestEnv(t *testing.T, ready func(context.Context) error) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory()
	users := map[string]models.Role{
		"alice": models.RolePatient,
		"bob":   models.RolePractitioner,
		"dave":  models.RolePatient,
		"mod":   models.RoleModerator,
	}
	tokens := make(map[string]string, len(users))
	for id, role := range users {
		mem.PutUser(models.User{ID: id, Name: id, Role: role, IsActive: true})
		tok, err := auth.GenerateAccessToken(id, testSecret, 15)
		if err != nil {
			t.Fatalf("GenerateAccessToken(%s) error = %v", id, err)
		}
		tokens[id] = tok
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(ws.WithTypingTimeout(time.Minute))
	go hub.Run(ctx)

	cfg := config.Config{Env: "dev", JWTSecret: testSecret, SessionResolveTimeout: time.Second}
	engine := SetupRouter(cfg, Deps{
		Directory:     auth.NewJWTDirectory(testSecret, mem),
		Conversations: service.NewConversationService(mem, hub, service.DefaultLimits()),
		Messages:      service.NewMessageService(mem, hub, service.DefaultLimits()),
		Hub:           hub,
		Ready:         ready,
	})
	return &testEnv{engine: engine, hub: hub, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (e *testEnv) direct(t *testing.T) string {
	t.Helper()
	w := e.do(t, "alice", http.MethodPost, "/api/v1/conversations", gin.H{"type": "direct", "memberIds": []string{"bob"}})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("create direct status = %d body=%s", w.Code, w.Body.String())
	}
	var out struct {
		Conversation service.ConversationDTO `json:"conversation"`
	}
	decode(t, w, &out)
	return out.Conversation.ID
}

func (e *testEnv) send(t *testing.T, user, convID, text string) service.MessageDTO {
	t.Helper()
	w := e.do(t, user, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", gin.H{"content": text})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", w.Code, w.Body.String())
	}
	var out struct {
		Message service.MessageDTO `json:"message"`
	}
	decode(t, w, &out)
	return out.Message
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name  string
		ready func(context.Context) error
		want  int
	}{
		{"no ready check", nil, http.StatusOK},
		{"ready check ok", func(context.Context) error { return nil }, http.StatusOK},
		{"ready check fails", func(context.Context) error { return errors.New("db down") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.ready)
			w := env.do(t, "", http.MethodGet, "/healthz", nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "", http.MethodGet, "/api/v1/conversations", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", w.Code)
	}
}

func TestConversation_DirectIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	body := gin.H{"type": "DIRECT", "memberIds": []string{"bob"}}

	first := env.do(t, "alice", http.MethodPost, "/api/v1/conversations", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first create status = %d body=%s", first.Code, first.Body.String())
	}
	second := env.do(t, "alice", http.MethodPost, "/api/v1/conversations", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200", second.Code)
	}
	var a, b struct {
		Conversation service.ConversationDTO `json:"conversation"`
		Created      bool                    `json:"created"`
	}
	decode(t, first, &a)
	decode(t, second, &b)
	if a.Conversation.ID != b.Conversation.ID || !a.Created || b.Created {
		t.Fatalf("create results = %+v / %+v", a, b)
	}
}

func TestConversation_StatusMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.direct(t)
	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"member reads", "bob", http.MethodGet, "/api/v1/conversations/" + convID, nil, http.StatusOK},
		{"moderator reads", "mod", http.MethodGet, "/api/v1/conversations/" + convID, nil, http.StatusOK},
		{"outsider denied", "dave", http.MethodGet, "/api/v1/conversations/" + convID, nil, http.StatusForbidden},
		{"missing conversation", "alice", http.MethodGet, "/api/v1/conversations/nope", nil, http.StatusNotFound},
		{"direct needs one peer", "alice", http.MethodPost, "/api/v1/conversations", gin.H{"type": "DIRECT", "memberIds": []string{"bob", "dave"}}, http.StatusUnprocessableEntity},
		{"unknown type", "alice", http.MethodPost, "/api/v1/conversations", gin.H{"type": "CHANNEL", "memberIds": []string{"bob"}}, http.StatusBadRequest},
		{"malformed body", "alice", http.MethodPost, "/api/v1/conversations", "nope", http.StatusBadRequest},
		{"outsider cannot send", "dave", http.MethodPost, "/api/v1/conversations/" + convID + "/messages", gin.H{"content": "hi"}, http.StatusForbidden},
		{"bad cursor", "alice", http.MethodGet, "/api/v1/conversations/" + convID + "/messages?before=yesterday", nil, http.StatusBadRequest},
		{"bad archived flag", "alice", http.MethodGet, "/api/v1/conversations?archived=maybe", nil, http.StatusBadRequest},
		{"direct member cannot leave", "alice", http.MethodDelete, "/api/v1/conversations/" + convID + "/members/alice", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.user, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d body=%s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestConversation_ListAndMembers(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "alice", http.MethodPost, "/api/v1/conversations", gin.H{"type": "GROUP", "memberIds": []string{"bob"}, "title": "Care team"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create group status = %d", w.Code)
	}
	var created struct {
		Conversation service.ConversationDTO `json:"conversation"`
	}
	decode(t, w, &created)
	base := "/api/v1/conversations/" + created.Conversation.ID

	if w := env.do(t, "alice", http.MethodPost, base+"/members", gin.H{"userId": "dave"}); w.Code != http.StatusCreated {
		t.Fatalf("add member status = %d body=%s", w.Code, w.Body.String())
	}
	if w := env.do(t, "dave", http.MethodPatch, base+"/members/dave", gin.H{"isMuted": true}); w.Code != http.StatusOK {
		t.Fatalf("self mute status = %d body=%s", w.Code, w.Body.String())
	}
	if w := env.do(t, "dave", http.MethodPatch, base+"/members/bob", gin.H{"isAdmin": true}); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin promote status = %d, want 403", w.Code)
	}

	w = env.do(t, "dave", http.MethodGet, "/api/v1/conversations?type=group", nil)
	var page service.ConversationPage
	decode(t, w, &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != created.Conversation.ID {
		t.Fatalf("dave list = %+v", page)
	}

	if w := env.do(t, "dave", http.MethodDelete, base+"/members/dave", nil); w.Code != http.StatusNoContent {
		t.Fatalf("self leave status = %d", w.Code)
	}
	if w := env.do(t, "dave", http.MethodGet, base, nil); w.Code != http.StatusForbidden {
		t.Fatalf("get after leave status = %d, want 403", w.Code)
	}
}

func TestMessages_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.direct(t)
	first := env.send(t, "alice", convID, "first")
	second := env.send(t, "bob", convID, "second")

	w := env.do(t, "alice", http.MethodGet, "/api/v1/conversations/"+convID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Messages []service.MessageDTO `json:"messages"`
		HasMore  bool                 `json:"hasMore"`
	}
	decode(t, w, &list)
	if len(list.Messages) != 2 || list.Messages[0].ID != first.ID || list.Messages[1].ID != second.ID {
		t.Fatalf("messages not in chronological order: %+v", list.Messages)
	}
	if list.HasMore {
		t.Error("HasMore = true for a short page")
	}

	steps := []struct {
		name   string
		user   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"react", "bob", http.MethodPost, "/api/v1/messages/" + first.ID + "/reactions", gin.H{"emoji": "👍"}, http.StatusCreated},
		{"duplicate reaction", "bob", http.MethodPost, "/api/v1/messages/" + first.ID + "/reactions", gin.H{"emoji": "👍"}, http.StatusConflict},
		{"unreact", "bob", http.MethodDelete, "/api/v1/messages/" + first.ID + "/reactions/%F0%9F%91%8D", nil, http.StatusNoContent},
		{"mark read", "bob", http.MethodPost, "/api/v1/messages/" + first.ID + "/read", nil, http.StatusNoContent},
		{"mark read again", "bob", http.MethodPost, "/api/v1/messages/" + first.ID + "/read", nil, http.StatusNoContent},
		{"edit by other", "bob", http.MethodPatch, "/api/v1/messages/" + first.ID, gin.H{"content": "x"}, http.StatusForbidden},
		{"edit by sender", "alice", http.MethodPatch, "/api/v1/messages/" + first.ID, gin.H{"content": "edited"}, http.StatusOK},
		{"delete", "alice", http.MethodDelete, "/api/v1/messages/" + first.ID, nil, http.StatusNoContent},
		{"edit deleted", "alice", http.MethodPatch, "/api/v1/messages/" + first.ID, gin.H{"content": "again"}, http.StatusConflict},
		{"react deleted", "bob", http.MethodPost, "/api/v1/messages/" + first.ID + "/reactions", gin.H{"emoji": "❤"}, http.StatusConflict},
		{"missing message", "bob", http.MethodPost, "/api/v1/messages/nope/read", nil, http.StatusNotFound},
	}
	for _, s := range steps {
		w := env.do(t, s.user, s.method, s.path, s.body)
		if w.Code != s.want {
			t.Fatalf("%s: status = %d, want %d body=%s", s.name, w.Code, s.want, w.Body.String())
		}
	}
}

func TestPresenceAndKick(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "alice", http.MethodGet, "/api/v1/users/bob/presence", nil)
	var p struct {
		UserID string `json:"userId"`
		Status string `json:"status"`
	}
	decode(t, w, &p)
	if p.UserID != "bob" || p.Status != protocol.StatusOffline {
		t.Fatalf("presence = %+v", p)
	}

	if w := env.do(t, "alice", http.MethodDelete, "/api/v1/admin/users/bob/connections", nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-moderator kick status = %d, want 403", w.Code)
	}
	if w := env.do(t, "mod", http.MethodDelete, "/api/v1/admin/users/bob/connections", nil); w.Code != http.StatusNoContent {
		t.Fatalf("moderator kick status = %d, want 204", w.Code)
	}
}

func TestWebSocket_ReceivesPersistedMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.direct(t)
	srv := httptest.NewServer(env.engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + env.tokens["bob"]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !env.hub.IsOnline("bob") {
		if time.Now().After(deadline) {
			t.Fatal("bob never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := env.send(t, "alice", convID, "hello bob")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", protocol.EventMessageSent, err)
		}
		var ev protocol.Envelope
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event != protocol.EventMessageSent {
			continue
		}
		var got service.MessageDTO
		if err := json.Unmarshal(ev.Data, &got); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if got.ID != sent.ID {
			t.Fatalf("message id = %s, want %s", got.ID, sent.ID)
		}
		return
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", service.ErrNotAMember), http.StatusForbidden},
		{service.ErrAccessDenied, http.StatusForbidden},
		{service.ErrInsufficientPermission, http.StatusForbidden},
		{service.ErrDuplicateReaction, http.StatusConflict},
		{service.ErrMessageDeleted, http.StatusConflict},
		{service.ErrInvalidDirectSize, http.StatusUnprocessableEntity},
		{service.ErrInvalidMembership, http.StatusUnprocessableEntity},
		{service.ErrInvalidReply, http.StatusUnprocessableEntity},
		{service.ErrInvalidInput, http.StatusBadRequest},
		{service.ErrTransientIO, http.StatusServiceUnavailable},
		{auth.ErrAuthenticationFailure, http.StatusUnauthorized},
		{fmt.Errorf("%w: conn reset", auth.ErrDirectoryUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCommandError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
	}{
		{service.ErrNotFound, protocol.CodeNotFound},
		{service.ErrNotAMember, protocol.CodeNotAMember},
		{service.ErrAccessDenied, protocol.CodeNotAMember},
		{service.ErrInvalidInput, protocol.CodeBadRequest},
		{errors.New("boom"), ""},
	}
	for _, tt := range tests {
		err := commandError(tt.err)
		var ce *ws.CommandError
		if errors.As(err, &ce) != (tt.wantCode != "") {
			t.Fatalf("commandError(%v) = %v", tt.err, err)
		}
		if ce != nil && ce.Code != tt.wantCode {
			t.Errorf("commandError(%v).Code = %s, want %s", tt.err, ce.Code, tt.wantCode)
		}
	}
	if commandError(nil) != nil {
		t.Error("commandError(nil) != nil")
	}
}
