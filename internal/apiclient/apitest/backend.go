// Package apitest runs an in-memory stand-in for the compliance backend so
// client code can be exercised end to end over real HTTP.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// Request is a recorded inbound request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type storedMessage struct {
	ID        int       `json:"id"`
	SessionID int       `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type storedSession struct {
	ID         int             `json:"id"`
	Title      string          `json:"title"`
	CreateTime string          `json:"create_time"`
	UserID     int             `json:"user_id"`
	Messages   []storedMessage `json:"messages"`
}

type storedDoc struct {
	ID         int    `json:"id"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	Version    string `json:"version"`
	UploadedAt string `json:"uploaded_at"`
	content    []byte
	sessionID  string
}

type user struct {
	id       int
	email    string
	password string
}

// Backend is a fake of the remote API.
type Backend struct {
	Server *httptest.Server

	mu       sync.Mutex
	nextID   int
	users    map[string]*user
	tokens   map[string]*user
	sessions []*storedSession
	docs     []*storedDoc
	requests []Request
	failures map[string]int
	gates    map[string]chan struct{}

	// ChatAnswer produces the /chat answer for a query.
	ChatAnswer func(query string) string
}

// NewBackend starts a fake backend that is closed with the test.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		users:    make(map[string]*user),
		tokens:   make(map[string]*user),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		ChatAnswer: func(query string) string {
			return "Answer to: " + query
		},
	}
	b.Server = httptest.NewServer(b.routes())
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the base URL of the fake.
func (b *Backend) URL() string { return b.Server.URL }

// AddUser registers an account and returns a valid token for it.
func (b *Backend) AddUser(email, password string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.addUserLocked(email, password)
	return b.issueLocked(u)
}

// RevokeTokens invalidates every issued token, as an expiry would.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	b.tokens = make(map[string]*user)
	b.mu.Unlock()
}

// Fail makes "METHOD /path" answer status until cleared with status 0.
func (b *Backend) Fail(method, path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + path
	if status == 0 {
		delete(b.failures, key)
		return
	}
	b.failures[key] = status
}

// Hold blocks requests to "METHOD /path" until the returned release func is called.
func (b *Backend) Hold(method, path string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[method+" "+path] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, method+" "+path)
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns a copy of the recorded requests.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// CountRequests counts recorded requests matching method and path.
func (b *Backend) CountRequests(method, path string) int {
	n := 0
	for _, r := range b.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// SessionCount returns the number of stored chat sessions.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// SessionMessages returns the stored contents of a session in order.
func (b *Backend) SessionMessages(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if strconv.Itoa(s.ID) == id {
			out := make([]string, len(s.Messages))
			for i, m := range s.Messages {
				out[i] = m.Role + ":" + m.Content
			}
			return out
		}
	}
	return nil
}

// AddDocument seeds a document for the X-Session-ID sessionID.
func (b *Backend) AddDocument(sessionID, filename string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.addDocLocked(sessionID, filename, "customer", nil)
	return strconv.Itoa(d.ID)
}

// DocumentCount counts documents of the X-Session-ID sessionID.
func (b *Backend) DocumentCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range b.docs {
		if d.sessionID == sessionID {
			n++
		}
	}
	return n
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(b.record)

	r.Post("/auth/register", b.handleRegister)
	r.Post("/auth/token", b.handleToken)

	r.Group(func(authed chi.Router) {
		authed.Use(b.requireToken)
		authed.Get("/users/me", b.handleMe)
		authed.Get("/users/me/sessions", b.handleListSessions)
		authed.Post("/users/me/sessions", b.handleCreateSession)
		authed.Get("/users/me/sessions/{id}", b.handleGetSession)
		authed.Post("/users/me/sessions/{id}/messages", b.handleCreateMessage)
	})

	r.Get("/documents", b.handleListDocuments)
	r.Post("/upload", b.handleUpload)
	r.Delete("/documents/{id}", b.handleDeleteDocument)
	r.Patch("/documents/{id}/type", b.handleDocumentType)
	r.Get("/documents/{id}/download", b.handleDownload)
	r.Post("/reset", b.handleReset)
	r.Post("/chat", b.handleChat)
	r.Post("/assess", b.handleAssess)
	r.Get("/graph/{id}", b.handleGraph)
	r.Get("/report/{id}", b.handleReport)
	return r
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		b.mu.Lock()
		b.requests = append(b.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone()})
		status := b.failures[key]
		gate := b.gates[key]
		b.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": fmt.Sprintf("forced failure %d", status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func (b *Backend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		u := b.tokens[token]
		b.mu.Unlock()
		if token == "" || u == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "invalid body"}}})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.users[in.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Email already registered"})
		return
	}
	u := b.addUserLocked(in.Email, in.Password)
	writeJSON(w, http.StatusCreated, map[string]any{"id": u.id, "email": u.email})
}

func (b *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad form"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[r.PostForm.Get("username")]
	if u == nil || u.password != r.PostForm.Get("password") || r.PostForm.Get("grant_type") != "password" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": b.issueLocked(u), "token_type": "bearer"})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"id": u.id, "email": u.email})
}

func (b *Backend) handleListSessions(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]storedSession, 0)
	for _, s := range b.sessions {
		if s.UserID == u.id {
			out = append(out, *s)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	var in struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &storedSession{
		ID:         b.nextID,
		Title:      in.Title,
		CreateTime: time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		UserID:     u.id,
		Messages:   []storedMessage{},
	}
	b.sessions = append(b.sessions, s)
	writeJSON(w, http.StatusCreated, s)
}

func (b *Backend) handleGetSession(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.findSessionLocked(r)
	if s == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Chat session not found"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (b *Backend) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.findSessionLocked(r)
	if s == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Chat session not found"})
		return
	}
	b.nextID++
	m := storedMessage{ID: b.nextID, SessionID: s.ID, Role: in.Role, Content: in.Content, Timestamp: time.Now().UTC()}
	s.Messages = append(s.Messages, m)
	writeJSON(w, http.StatusCreated, m)
}

func (b *Backend) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("X-Session-ID")
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]storedDoc, 0)
	for _, d := range b.docs {
		if d.sessionID == sid {
			out = append(out, *d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "file is required"})
		return
	}
	defer file.Close()
	content, _ := io.ReadAll(file)

	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.addDocLocked(r.Header.Get("X-Session-ID"), header.Filename, r.FormValue("file_type"), content)
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": d.ID, "filename": d.Filename})
}

func (b *Backend) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.findDocLocked(r)
	if idx < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	b.docs = append(b.docs[:idx], b.docs[idx+1:]...)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

func (b *Backend) handleDocumentType(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	ft := r.PostForm.Get("file_type")
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.findDocLocked(r)
	if idx < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	if ft != "regulation" && ft != "customer" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid file type"})
		return
	}
	b.docs[idx].FileType = ft
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document type updated", "file_type": ft})
}

func (b *Backend) handleDownload(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	idx := b.findDocLocked(r)
	var d storedDoc
	if idx >= 0 {
		d = *b.docs[idx]
	}
	b.mu.Unlock()
	if idx < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, d.Filename))
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(d.content)
}

func (b *Backend) handleReset(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("X-Session-ID")
	b.mu.Lock()
	kept := b.docs[:0]
	for _, d := range b.docs {
		if d.sessionID != sid {
			kept = append(kept, d)
		}
	}
	b.docs = kept
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Data cleared for session " + sid})
}

func (b *Backend) handleChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": b.ChatAnswer(r.FormValue("query"))})
}

func (b *Backend) handleAssess(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("customer_doc_id") == "" || r.URL.Query().Get("regulation_doc_id") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "document ids are required"})
		return
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"assessment_id": id})
}

func (b *Backend) handleGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": []map[string]any{
			{"id": "reg_1", "label": "4.1", "type": "regulation", "page": 1, "doc_id": 2, "text": "Access control..."},
			{"id": "cust_" + id, "label": "A.1", "type": "customer", "status": "compliant", "risk": "low",
				"reasoning": "Matches", "evidence": "Section 2", "page": 4, "doc_id": 1},
		},
		"edges": []map[string]any{{"from": "cust_" + id, "to": "reg_1", "status": "compliant"}},
	})
}

func (b *Backend) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="compliance_report_%s.pdf"`, id))
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write([]byte("%PDF-1.4 report " + id))
}

func (b *Backend) addUserLocked(email, password string) *user {
	b.nextID++
	u := &user{id: b.nextID, email: email, password: password}
	b.users[email] = u
	return u
}

func (b *Backend) issueLocked(u *user) string {
	b.nextID++
	token := fmt.Sprintf("token-%d", b.nextID)
	b.tokens[token] = u
	return token
}

func (b *Backend) addDocLocked(sessionID, filename, fileType string, content []byte) *storedDoc {
	b.nextID++
	d := &storedDoc{
		ID:         b.nextID,
		Filename:   filename,
		FileType:   fileType,
		Version:    "1.0",
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
		content:    content,
		sessionID:  sessionID,
	}
	b.docs = append(b.docs, d)
	return d
}

func (b *Backend) findSessionLocked(r *http.Request) *storedSession {
	u := userFrom(r.Context())
	id := chi.URLParam(r, "id")
	for _, s := range b.sessions {
		if strconv.Itoa(s.ID) == id && s.UserID == u.id {
			return s
		}
	}
	return nil
}

func (b *Backend) findDocLocked(r *http.Request) int {
	id := chi.URLParam(r, "id")
	sid := r.Header.Get("X-Session-ID")
	for i, d := range b.docs {
		if strconv.Itoa(d.ID) == id && d.sessionID == sid {
			return i
		}
	}
	return -1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
