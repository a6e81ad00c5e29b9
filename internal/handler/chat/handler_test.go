package chat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/compliance-galaxy/client/internal/app/apptest"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/chat"
)

type entry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Answer    string `json:"answer"`
	Transient bool   `json:"transient"`
}

type transcript struct {
	State struct {
		Active    bool   `json:"active"`
		SessionID string `json:"sessionId"`
	} `json:"state"`
	Entries []entry `json:"entries"`
}

type sendResponse struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
	User      entry  `json:"user"`
	Reply     entry  `json:"reply"`
	Error     string `json:"error"`
}

func setupRouter(t *testing.T) (*chi.Mux, *apptest.Env) {
	t.Helper()
	env := apptest.New(t)
	r := chi.NewRouter()
	chat.New(env.App.Sessions, env.App.Chat, nil).RegisterRoutes(r)
	return r, env
}

func request(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeInto(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", resp.Body.String(), err)
	}
}

func TestSendCreatesSessionAndStoresBothTurns(t *testing.T) {
	r, _ := setupRouter(t)

	resp := request(r, http.MethodPost, "/messages", map[string]string{"content": "Hello"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var sent sendResponse
	decodeInto(t, resp, &sent)
	if !sent.Created || sent.SessionID == "" {
		t.Fatalf("expected a new session, got %+v", sent)
	}
	if sent.Reply.Content != "Answer to: Hello" {
		t.Fatalf("unexpected reply %q", sent.Reply.Content)
	}

	var sessions []struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Messages []entry
	}
	decodeInto(t, request(r, http.MethodGet, "/sessions", nil), &sessions)
	if len(sessions) != 1 || sessions[0].Title != "Hello" || len(sessions[0].Messages) != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	var tr transcript
	decodeInto(t, request(r, http.MethodGet, "/transcript", nil), &tr)
	if !tr.State.Active || tr.State.SessionID != sent.SessionID || len(tr.Entries) != 2 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	r, _ := setupRouter(t)

	resp := request(r, http.MethodPost, "/messages", map[string]string{"content": "   "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSendCompletionFailureReturnsNotice(t *testing.T) {
	r, env := setupRouter(t)
	env.Backend.Fail(http.MethodPost, "/chat", http.StatusInternalServerError)

	resp := request(r, http.MethodPost, "/messages", map[string]string{"content": "Hello"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var sent sendResponse
	decodeInto(t, resp, &sent)
	if !sent.Reply.Transient || sent.Error == "" {
		t.Fatalf("expected transient notice, got %+v", sent)
	}

	var session struct {
		Messages []entry `json:"messages"`
	}
	decodeInto(t, request(r, http.MethodGet, "/sessions/"+sent.SessionID, nil), &session)
	if len(session.Messages) != 1 {
		t.Fatalf("notice must not be stored, got %+v", session.Messages)
	}
}

func TestSendCompletesAfterClientDisconnects(t *testing.T) {
	r, _ := setupRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte(`{"content":"Hello"}`))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var sessions []struct {
		Messages []entry `json:"messages"`
	}
	decodeInto(t, request(r, http.MethodGet, "/sessions", nil), &sessions)
	if len(sessions) != 1 || len(sessions[0].Messages) != 2 {
		t.Fatalf("expected both turns stored, got %+v", sessions)
	}
	if sessions[0].Messages[1].Content != "Answer to: Hello" {
		t.Fatalf("unexpected reply %+v", sessions[0].Messages[1])
	}
}

func TestNewSessionClearsTranscript(t *testing.T) {
	r, _ := setupRouter(t)
	request(r, http.MethodPost, "/messages", map[string]string{"content": "First"})

	var tr transcript
	decodeInto(t, request(r, http.MethodPost, "/sessions/new", nil), &tr)
	if tr.State.Active || len(tr.Entries) != 0 {
		t.Fatalf("expected empty transcript, got %+v", tr)
	}

	var sent sendResponse
	decodeInto(t, request(r, http.MethodPost, "/messages", map[string]string{"content": "Second"}), &sent)
	if !sent.Created {
		t.Fatal("expected second conversation to create a session")
	}
}

func TestSelectAndDeleteSession(t *testing.T) {
	r, _ := setupRouter(t)
	var first, second sendResponse
	decodeInto(t, request(r, http.MethodPost, "/messages", map[string]string{"content": "First"}), &first)
	request(r, http.MethodPost, "/sessions/new", nil)
	decodeInto(t, request(r, http.MethodPost, "/messages", map[string]string{"content": "Second"}), &second)

	var tr transcript
	decodeInto(t, request(r, http.MethodPost, "/sessions/"+first.SessionID+"/select", nil), &tr)
	if tr.State.SessionID != first.SessionID || tr.Entries[0].Content != "First" {
		t.Fatalf("unexpected transcript after select %+v", tr)
	}

	resp := request(r, http.MethodDelete, "/sessions/"+first.SessionID, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	decodeInto(t, request(r, http.MethodGet, "/transcript", nil), &tr)
	if tr.State.Active {
		t.Fatalf("deleting the active session must clear it, got %+v", tr.State)
	}

	if resp := request(r, http.MethodPost, "/sessions/"+first.SessionID+"/select", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestCreateSessionExplicitly(t *testing.T) {
	r, _ := setupRouter(t)

	resp := request(r, http.MethodPost, "/sessions", map[string]string{"title": "Audit prep"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var session struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	decodeInto(t, resp, &session)
	if session.ID != "chat-1" || session.Title != "Audit prep" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestReceiveReplyParsesSources(t *testing.T) {
	r, _ := setupRouter(t)
	var sent sendResponse
	decodeInto(t, request(r, http.MethodPost, "/messages", map[string]string{"content": "Hello"}), &sent)

	content := "Access is logged [DOC 1].\n\nSOURCES:\n- [DOC 1] File: policy.pdf | Clause: 4.2 | Page: 3"
	resp := request(r, http.MethodPost, "/sessions/"+sent.SessionID+"/replies", map[string]string{"content": content})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var reply struct {
		Answer  string `json:"answer"`
		Sources []struct {
			File string `json:"file"`
		} `json:"sources"`
	}
	decodeInto(t, resp, &reply)
	if reply.Answer != "Access is logged [DOC 1]." || len(reply.Sources) != 1 || reply.Sources[0].File != "policy.pdf" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
