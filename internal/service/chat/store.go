package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/idgen"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyMessage    = errors.New("message content is required")
	ErrInvalidRole     = errors.New("message role must be user or assistant")
)

// API is the backend surface used for signed-in users.
type API interface {
	ListSessions(ctx context.Context) ([]chat.Session, error)
	GetSession(ctx context.Context, id ident.ID) (chat.Session, error)
	CreateSession(ctx context.Context, title string) (chat.Session, error)
	PostMessage(ctx context.Context, sessionID ident.ID, msg chat.Message) (chat.Message, error)
}

// AuthState tells the store whether the backend or local storage is the source of truth.
type AuthState interface {
	IsAuthenticated() bool
}

// AppendResult is the outcome of a successful AppendMessage.
type AppendResult struct {
	Session chat.Session
	Message chat.Message
	// Created is set when the append had to create the session first.
	Created bool
}

// draft is the conversation the user started without a session. All null-id
// appends share it until ResetDraft, so only its first append creates a session.
type draft struct {
	id   ident.ID
	lane *lane
}

// Store keeps the session list. Signed-in users are served from the backend,
// which is authoritative; anonymous users from the chatHistory key of local storage.
type Store struct {
	api   API
	auth  AuthState
	kv    storage.KV
	ids   idgen.Generator
	bus   event.Publisher
	log   *zap.Logger
	now   func() time.Time
	loads singleflight.Group

	// persistMu orders writes of the anonymous list so the newest snapshot lands last.
	persistMu sync.Mutex

	mu       sync.Mutex
	sessions []chat.Session
	draft    *draft
	lanes    map[ident.ID]*lane
	seq      uint64
	touched  map[ident.ID]uint64
}

// NewStore wires a store. auth may be nil for a permanently anonymous client.
func NewStore(api API, authState AuthState, kv storage.KV, ids idgen.Generator, bus event.Publisher, log *zap.Logger) *Store {
	if bus == nil {
		bus = event.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if ids == nil {
		ids = idgen.UUID{}
	}
	return &Store{
		api:     api,
		auth:    authState,
		kv:      kv,
		ids:     ids,
		bus:     bus,
		log:     log.Named("chat.store"),
		now:     time.Now,
		lanes:   make(map[ident.ID]*lane),
		touched: make(map[ident.ID]uint64),
	}
}

func (s *Store) remote() bool {
	return s.auth != nil && s.auth.IsAuthenticated()
}

// Load replaces the cache with the backend's list, or with the persisted list
// when signed out. On failure the cache is left as it was.
func (s *Store) Load(ctx context.Context) error {
	if !s.remote() {
		return s.loadLocal(ctx)
	}

	_, err, shared := s.loads.Do("sessions", func() (any, error) {
		s.mu.Lock()
		since := s.seq
		s.mu.Unlock()

		sessions, err := s.api.ListSessions(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.replaceLocked(sessions, since)
		count := len(s.sessions)
		s.mu.Unlock()

		s.log.Debug("sessions loaded", zap.Int("count", count))
		s.bus.Publish(event.SessionsLoaded, "", map[string]int{"count": count})
		return nil, nil
	})
	if err != nil {
		s.log.Warn("load sessions failed, keeping cached list", zap.Bool("shared", shared), zap.Error(err))
		return fmt.Errorf("load sessions: %w", err)
	}
	return nil
}

// replaceLocked installs the backend list. Sessions mutated locally after the
// request started keep their local copy, since the listing may predate them.
func (s *Store) replaceLocked(remote []chat.Session, since uint64) {
	merged := make([]chat.Session, 0, len(remote))
	seen := make(map[ident.ID]bool)
	for _, local := range s.sessions {
		if s.touched[local.ID] > since {
			merged = append(merged, local)
			seen[local.ID] = true
		}
	}
	for _, session := range remote {
		if seen[session.ID] {
			continue
		}
		seen[session.ID] = true
		if session.Messages == nil {
			session.Messages = []chat.Message{}
		}
		merged = append(merged, session)
	}
	s.sessions = merged
}

func (s *Store) loadLocal(ctx context.Context) error {
	var sessions []chat.Session
	if _, err := storage.GetJSON(ctx, s.kv, storage.KeyChatHistory, &sessions); err != nil {
		s.log.Warn("read local chat history", zap.Error(err))
		return fmt.Errorf("load local sessions: %w", err)
	}

	s.mu.Lock()
	s.sessions = sessions
	count := len(sessions)
	s.mu.Unlock()

	s.bus.Publish(event.SessionsLoaded, "", map[string]int{"count": count})
	return nil
}

// CreateSession creates an empty session and puts it at the head of the list.
func (s *Store) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	session, err := s.newSession(ctx, title)
	if err != nil {
		return chat.Session{}, err
	}

	s.mu.Lock()
	s.insertLocked(session)
	s.mu.Unlock()

	s.persist(ctx)
	s.bus.Publish(event.SessionCreated, session.ID.String(), session)
	return session.Clone(), nil
}

func (s *Store) newSession(ctx context.Context, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if !s.remote() {
		return chat.Session{
			ID:        ident.ID(s.ids.NewID()),
			Title:     title,
			Messages:  []chat.Message{},
			CreatedAt: s.now().UTC(),
		}, nil
	}

	session, err := s.api.CreateSession(ctx, title)
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	if session.ID.Empty() {
		return chat.Session{}, errors.New("create session: backend returned no id")
	}
	if session.Messages == nil {
		session.Messages = []chat.Message{}
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}
	return session, nil
}

func (s *Store) insertLocked(session chat.Session) {
	s.sessions = append([]chat.Session{session}, s.sessions...)
	s.seq++
	s.touched[session.ID] = s.seq
}

// AppendMessage appends msg to sessionID. An empty sessionID means the user has
// no session yet: the first such call creates one titled after the message and
// later calls reuse it until ResetDraft. Appends to one conversation are applied
// in call order whatever order the backend answers in.
func (s *Store) AppendMessage(ctx context.Context, sessionID ident.ID, msg chat.Message) (AppendResult, error) {
	msg, err := s.prepare(msg)
	if err != nil {
		return AppendResult{}, err
	}
	return s.complete(ctx, s.enqueue(sessionID), msg)
}

// pending is an append whose place in its conversation is already fixed.
type pending struct {
	ticket ticket
	id     ident.ID
	draft  *draft
}

func (s *Store) prepare(msg chat.Message) (chat.Message, error) {
	if !msg.Role.Valid() {
		return msg, ErrInvalidRole
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, ErrEmptyMessage
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	return msg, nil
}

// enqueue reserves the next slot of the conversation. Every pending must be
// passed to complete.
func (s *Store) enqueue(sessionID ident.ID) pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sessionID.Empty() {
		return pending{ticket: s.laneLocked(sessionID).reserve(), id: sessionID}
	}
	if s.draft == nil {
		s.draft = &draft{lane: newLane()}
	}
	return pending{ticket: s.draft.lane.reserve(), draft: s.draft}
}

func (s *Store) complete(ctx context.Context, p pending, msg chat.Message) (AppendResult, error) {
	if err := p.ticket.wait(ctx); err != nil {
		return AppendResult{}, err
	}
	defer p.ticket.release()

	sessionID, created := p.id, false
	if p.draft != nil {
		s.mu.Lock()
		sessionID = p.draft.id
		s.mu.Unlock()

		if sessionID.Empty() {
			session, err := s.newSession(ctx, chat.DeriveTitle(msg.Content))
			if err != nil {
				return AppendResult{}, err
			}
			s.mu.Lock()
			s.insertLocked(session)
			p.draft.id = session.ID
			s.lanes[session.ID] = p.draft.lane
			s.mu.Unlock()

			s.persist(ctx)
			s.bus.Publish(event.SessionCreated, session.ID.String(), session)
			sessionID, created = session.ID, true
		}
	}

	stored, err := s.post(ctx, sessionID, msg)
	if err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	session, ok := s.applyLocked(sessionID, stored)
	s.mu.Unlock()
	if !ok {
		return AppendResult{}, fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}

	s.persist(ctx)
	s.bus.Publish(event.MessageAppended, sessionID.String(), stored)
	return AppendResult{Session: session, Message: stored, Created: created}, nil
}

func (s *Store) post(ctx context.Context, sessionID ident.ID, msg chat.Message) (chat.Message, error) {
	if s.remote() {
		stored, err := s.api.PostMessage(ctx, sessionID, msg)
		if err != nil {
			return chat.Message{}, fmt.Errorf("post message: %w", err)
		}
		return stored, nil
	}

	s.mu.Lock()
	_, ok := s.indexLocked(sessionID)
	s.mu.Unlock()
	if !ok {
		return chat.Message{}, fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}
	return msg, nil
}

// applyLocked appends to the current cached value, never to a copy taken before
// the network call, and moves the session to the head.
func (s *Store) applyLocked(id ident.ID, msg chat.Message) (chat.Session, bool) {
	idx, ok := s.indexLocked(id)
	if !ok {
		return chat.Session{}, false
	}

	session := s.sessions[idx].Clone()
	session.Messages = append(session.Messages, msg)
	if strings.TrimSpace(session.Title) == "" && msg.Role == chat.RoleUser {
		session.Title = chat.DeriveTitle(msg.Content)
	}

	rest := append(s.sessions[:idx:idx], s.sessions[idx+1:]...)
	s.sessions = append([]chat.Session{session}, rest...)
	s.seq++
	s.touched[id] = s.seq
	return session.Clone(), true
}

func (s *Store) laneLocked(id ident.ID) *lane {
	l, ok := s.lanes[id]
	if !ok {
		l = newLane()
		s.lanes[id] = l
	}
	return l
}

func (s *Store) indexLocked(id ident.ID) (int, bool) {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// ResetDraft starts a fresh conversation: the next null-id append creates a new session.
func (s *Store) ResetDraft() {
	s.mu.Lock()
	s.draft = nil
	s.mu.Unlock()
}

// Get returns a copy of one session.
func (s *Store) Get(id ident.ID) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexLocked(id)
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return s.sessions[idx].Clone(), nil
}

// List returns copies of all sessions, most recently active first.
func (s *Store) List() []chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// Delete removes a session from the list. The backend offers no delete, so
// signed-in users only lose the local entry until the next Load.
func (s *Store) Delete(ctx context.Context, id ident.ID) error {
	s.mu.Lock()
	idx, ok := s.indexLocked(id)
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = append(s.sessions[:idx:idx], s.sessions[idx+1:]...)
	delete(s.lanes, id)
	delete(s.touched, id)
	if s.draft != nil && s.draft.id == id {
		s.draft = nil
	}
	s.mu.Unlock()

	s.persist(ctx)
	s.bus.Publish(event.SessionDeleted, id.String(), nil)
	return nil
}

// Refresh re-reads one session from the backend.
func (s *Store) Refresh(ctx context.Context, id ident.ID) (chat.Session, error) {
	if !s.remote() {
		return s.Get(id)
	}

	session, err := s.api.GetSession(ctx, id)
	if err != nil {
		return chat.Session{}, fmt.Errorf("refresh session %s: %w", id, err)
	}
	if session.Messages == nil {
		session.Messages = []chat.Message{}
	}

	s.mu.Lock()
	if idx, ok := s.indexLocked(id); ok {
		s.sessions[idx] = session
	} else {
		s.insertLocked(session)
	}
	s.mu.Unlock()

	s.bus.Publish(event.SessionsLoaded, id.String(), map[string]int{"count": 1})
	return session.Clone(), nil
}

// LoggedIn switches the list to the backend's copy.
func (s *Store) LoggedIn(ctx context.Context, _ auth.User) {
	s.resetCache()
	if err := s.Load(ctx); err != nil {
		s.log.Warn("load sessions after login", zap.Error(err))
	}
}

// LoggedOut drops the signed-in cache and goes back to the anonymous list.
func (s *Store) LoggedOut(ctx context.Context) {
	s.resetCache()
	if err := s.loadLocal(ctx); err != nil {
		s.log.Warn("reload anonymous sessions", zap.Error(err))
	}
}

func (s *Store) resetCache() {
	s.mu.Lock()
	s.sessions = nil
	s.draft = nil
	s.lanes = make(map[ident.ID]*lane)
	s.touched = make(map[ident.ID]uint64)
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context) {
	if s.remote() {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snapshot := make([]chat.Session, len(s.sessions))
	copy(snapshot, s.sessions)
	s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.kv, storage.KeyChatHistory, snapshot); err != nil {
		s.log.Warn("persist chat history", zap.Error(err))
	}
}
