package chat_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

var errBackendDown = errors.New("backend down")

type signedIn bool

func (s signedIn) IsAuthenticated() bool { return bool(s) }

// fakeAPI is an in-memory backend with knobs for latency and failures.
type fakeAPI struct {
	mu         sync.Mutex
	nextID     int
	sessions   []*chat.Session
	creates    int
	lists      int
	posted     []string
	failCreate bool
	failPost   bool
	failList   bool

	// createGate, when set, holds CreateSession until closed.
	createGate chan struct{}
	listGate   chan struct{}
	// postDelay returns the latency of the n-th PostMessage call (0-based).
	postDelay func(n int) time.Duration
	entered   chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{entered: make(chan string, 64)}
}

func (f *fakeAPI) ListSessions(ctx context.Context) ([]chat.Session, error) {
	f.mu.Lock()
	f.lists++
	gate, fail := f.listGate, f.failList
	f.mu.Unlock()
	f.entered <- "list"
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errBackendDown
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeAPI) GetSession(_ context.Context, id ident.ID) (chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			return s.Clone(), nil
		}
	}
	return chat.Session{}, errors.New("not found")
}

func (f *fakeAPI) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	f.mu.Lock()
	f.creates++
	gate, fail := f.createGate, f.failCreate
	f.mu.Unlock()
	f.entered <- "create"
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Session{}, ctx.Err()
		}
	}
	if fail {
		return chat.Session{}, errBackendDown
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := &chat.Session{ID: ident.ID(strconv.Itoa(f.nextID)), Title: title, Messages: []chat.Message{}, CreatedAt: time.Now().UTC()}
	f.sessions = append([]*chat.Session{s}, f.sessions...)
	return s.Clone(), nil
}

func (f *fakeAPI) PostMessage(_ context.Context, id ident.ID, msg chat.Message) (chat.Message, error) {
	f.mu.Lock()
	n := len(f.posted)
	f.posted = append(f.posted, msg.Content)
	delay, fail := f.postDelay, f.failPost
	f.mu.Unlock()
	if delay != nil {
		time.Sleep(delay(n))
	}
	if fail {
		return chat.Message{}, errBackendDown
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			s.Messages = append(s.Messages, msg)
			return msg, nil
		}
	}
	return chat.Message{}, errors.New("session not found")
}

func (f *fakeAPI) seed(titles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, title := range titles {
		f.nextID++
		f.sessions = append(f.sessions, &chat.Session{ID: ident.ID(strconv.Itoa(f.nextID)), Title: title, Messages: []chat.Message{}})
	}
}

func (f *fakeAPI) counts() (creates, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.lists
}

func (f *fakeAPI) postedContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []event.Type
}

func (r *recorder) Publish(typ event.Type, _ string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, typ)
	r.mu.Unlock()
}

func (r *recorder) count(typ event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.events {
		if t == typ {
			n++
		}
	}
	return n
}
