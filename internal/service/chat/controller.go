package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/analysis/citation"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrCompletion      = errors.New("chat completion failed")
)

// Completer answers a user question.
type Completer interface {
	Chat(ctx context.Context, query string, useKB bool) (string, error)
}

// State is NoActiveSession when Active is false, ActiveSession(SessionID) otherwise.
type State struct {
	Active    bool     `json:"active"`
	SessionID ident.ID `json:"sessionId,omitempty"`
}

// Entry is one line of the visible transcript.
type Entry struct {
	chat.Message
	Answer  string            `json:"answer,omitempty"`
	Sources []citation.Source `json:"sources,omitempty"`
	// Transient entries are shown but never stored, like the connection error notice.
	Transient bool `json:"transient,omitempty"`
	// Unsaved marks an optimistic entry whose append failed.
	Unsaved bool `json:"unsaved,omitempty"`

	key uint64
}

// SendResult reports where a Send landed and what was shown.
type SendResult struct {
	SessionID ident.ID `json:"sessionId,omitempty"`
	Created   bool     `json:"created"`
	User      Entry    `json:"user"`
	Reply     Entry    `json:"reply"`
}

// Controller drives the visible transcript and the active session pointer.
// Every switch bumps epoch; late results carrying an old epoch still reach
// their session in the store but never the screen.
type Controller struct {
	store     *Store
	completer Completer
	kv        storage.KV
	bus       event.Publisher
	log       *zap.Logger
	useKB     bool
	now       func() time.Time

	mu         sync.Mutex
	active     ident.ID
	epoch      uint64
	nextKey    uint64
	transcript []Entry
}

// NewController creates a controller in NoActiveSession.
func NewController(store *Store, completer Completer, kv storage.KV, bus event.Publisher, log *zap.Logger, useKB bool) *Controller {
	if bus == nil {
		bus = event.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store:     store,
		completer: completer,
		kv:        kv,
		bus:       bus,
		log:       log.Named("chat.controller"),
		useKB:     useKB,
		now:       time.Now,
	}
}

// Start restores the previously selected session if it still exists.
func (c *Controller) Start(ctx context.Context) error {
	id, ok, err := c.kv.Get(ctx, storage.KeySelectedChatID)
	if err != nil {
		return fmt.Errorf("read selected session: %w", err)
	}
	if !ok || id == "" {
		return nil
	}

	err = c.SelectSession(ctx, ident.ID(id))
	if errors.Is(err, ErrSessionNotFound) {
		c.log.Info("selected session no longer exists", zap.String("session", id))
		c.forget(ctx)
		return nil
	}
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{Active: !c.active.Empty(), SessionID: c.active}
}

// Transcript returns a copy of the visible transcript.
func (c *Controller) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

// SelectSession shows a stored session and makes it active.
func (c *Controller) SelectSession(ctx context.Context, id ident.ID) error {
	session, err := c.store.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.store.ResetDraft()
	c.epoch++
	c.active = id
	c.transcript = c.transcript[:0:0]
	for _, m := range session.Messages {
		c.transcript = append(c.transcript, c.entryLocked(m))
	}
	c.mu.Unlock()

	c.remember(ctx, id)
	c.publishState()
	return nil
}

// NewSession clears the screen. The session itself is created by the first Send.
func (c *Controller) NewSession(ctx context.Context) {
	c.clear(ctx)
}

// DeleteSession removes a session; deleting the active one leaves no session selected.
func (c *Controller) DeleteSession(ctx context.Context, id ident.ID) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	wasActive := c.active == id
	c.mu.Unlock()
	if wasActive {
		c.clear(ctx)
	}
	return nil
}

// Send shows the user message at once, stores it, asks for an answer and
// stores the reply in the same session.
func (c *Controller) Send(ctx context.Context, content string) (SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendResult{}, ErrEmptyMessage
	}

	c.mu.Lock()
	// Stamped under the lock so timestamps follow the order of the lane.
	msg := chat.NewMessage(chat.RoleUser, content, c.now())
	epoch, target := c.epoch, c.active
	user := c.entryLocked(msg)
	c.transcript = append(c.transcript, user)
	// Reserved under the controller lock so the stored order matches the screen.
	p := c.store.enqueue(target)
	c.mu.Unlock()
	c.publishTranscript(target)

	type completion struct {
		answer string
		err    error
	}
	answered := make(chan completion, 1)
	go func() {
		answer, err := c.completer.Chat(ctx, content, c.useKB)
		if err == nil && strings.TrimSpace(answer) == "" {
			err = errors.New("empty answer")
		}
		answered <- completion{answer: answer, err: err}
	}()

	result := SendResult{SessionID: target, User: user}
	appended, appendErr := c.store.complete(ctx, p, msg)
	if appendErr != nil {
		c.log.Warn("store user message", zap.String("session", target.String()), zap.Error(appendErr))
		c.markUnsaved(epoch, user.key)
		result.User.Unsaved = true
	} else {
		result.SessionID = appended.Session.ID
		result.Created = appended.Created
		c.activate(ctx, epoch, appended.Session.ID)
	}

	done := <-answered
	if done.err != nil {
		c.log.Warn("chat completion", zap.Error(done.err))
		result.Reply = c.showNotice(epoch, result.SessionID, config.ChatFailureMessage)
		return result, errors.Join(fmt.Errorf("%w: %w", ErrCompletion, done.err), appendErr)
	}

	if appendErr != nil {
		// Without a session id the reply can only be shown.
		reply := c.showNotice(epoch, result.SessionID, done.answer)
		reply.Transient = false
		reply.Unsaved = true
		c.markUnsaved(epoch, reply.key)
		result.Reply = reply
		return result, appendErr
	}

	reply, err := c.reply(ctx, result.SessionID, done.answer, epoch, true)
	result.Reply = reply
	return result, err
}

// ReceiveReply appends an assistant message to sessionID. It is shown only
// if sessionID is the active session.
func (c *Controller) ReceiveReply(ctx context.Context, sessionID ident.ID, content string) (Entry, error) {
	if sessionID.Empty() {
		return Entry{}, ErrNoActiveSession
	}
	if strings.TrimSpace(content) == "" {
		return Entry{}, ErrEmptyMessage
	}
	c.mu.Lock()
	epoch, shown := c.epoch, c.active == sessionID
	c.mu.Unlock()
	return c.reply(ctx, sessionID, content, epoch, shown)
}

func (c *Controller) reply(ctx context.Context, sessionID ident.ID, content string, epoch uint64, shown bool) (Entry, error) {
	c.mu.Lock()
	msg := chat.NewMessage(chat.RoleAssistant, content, c.now())
	entry := c.entryLocked(msg)
	shown = shown && c.epoch == epoch
	if shown {
		c.transcript = append(c.transcript, entry)
	}
	p := c.store.enqueue(sessionID)
	c.mu.Unlock()
	if shown {
		c.publishTranscript(sessionID)
	}

	if _, err := c.store.complete(ctx, p, msg); err != nil {
		c.log.Warn("store reply", zap.String("session", sessionID.String()), zap.Error(err))
		if shown {
			c.markUnsaved(epoch, entry.key)
		}
		entry.Unsaved = true
		return entry, err
	}
	return entry, nil
}

// LoggedIn and LoggedOut leave no session selected; the list changes underneath.
func (c *Controller) LoggedIn(ctx context.Context, _ auth.User) { c.clear(ctx) }

func (c *Controller) LoggedOut(ctx context.Context) { c.clear(ctx) }

// clear enters NoActiveSession. The draft is dropped under the controller
// lock so the next Send creates a new session and pending sends keep theirs.
func (c *Controller) clear(ctx context.Context) {
	c.mu.Lock()
	c.store.ResetDraft()
	c.epoch++
	c.active = ""
	c.transcript = nil
	c.mu.Unlock()

	c.forget(ctx)
	c.publishState()
}

// activate moves NoActiveSession to ActiveSession(id) after a lazily created
// session resolves, unless the user has switched away since.
func (c *Controller) activate(ctx context.Context, epoch uint64, id ident.ID) {
	if _, err := c.store.Get(id); err != nil {
		return
	}
	c.mu.Lock()
	changed := c.epoch == epoch && c.active.Empty()
	if changed {
		c.active = id
	}
	c.mu.Unlock()

	if changed {
		c.remember(ctx, id)
		c.bus.Publish(event.ActiveSessionChanged, id.String(), c.State())
	}
}

func (c *Controller) showNotice(epoch uint64, sessionID ident.ID, content string) Entry {
	c.mu.Lock()
	msg := chat.NewMessage(chat.RoleAssistant, content, c.now())
	entry := c.entryLocked(msg)
	entry.Transient = true
	shown := c.epoch == epoch
	if shown {
		c.transcript = append(c.transcript, entry)
	}
	c.mu.Unlock()
	if shown {
		c.publishTranscript(sessionID)
	}
	return entry
}

func (c *Controller) markUnsaved(epoch, key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	for i := len(c.transcript) - 1; i >= 0; i-- {
		if c.transcript[i].key == key {
			c.transcript[i].Unsaved = true
			c.transcript[i].Transient = false
			return
		}
	}
}

func (c *Controller) entryLocked(m chat.Message) Entry {
	c.nextKey++
	e := Entry{Message: m, key: c.nextKey}
	if m.Role == chat.RoleAssistant {
		reply := citation.Parse(m.Content)
		e.Answer = reply.Answer
		e.Sources = reply.Sources
	}
	return e
}

func (c *Controller) remember(ctx context.Context, id ident.ID) {
	if err := c.kv.Set(ctx, storage.KeySelectedChatID, id.String()); err != nil {
		c.log.Warn("persist selected session", zap.Error(err))
	}
}

func (c *Controller) forget(ctx context.Context) {
	if err := c.kv.Remove(ctx, storage.KeySelectedChatID); err != nil {
		c.log.Warn("clear selected session", zap.Error(err))
	}
}

func (c *Controller) publishState() {
	state := c.State()
	c.bus.Publish(event.ActiveSessionChanged, state.SessionID.String(), state)
	c.publishTranscript(state.SessionID)
}

func (c *Controller) publishTranscript(sessionID ident.ID) {
	c.bus.Publish(event.TranscriptChanged, sessionID.String(), map[string]int{"entries": len(c.Transcript())})
}
