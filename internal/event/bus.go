package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Topic carries every client state change.
const Topic = "client.state"

// Type names a state change pushed to the UI.
type Type string

const (
	SessionsLoaded       Type = "sessions.loaded"
	SessionCreated       Type = "session.created"
	SessionDeleted       Type = "session.deleted"
	MessageAppended      Type = "message.appended"
	ActiveSessionChanged Type = "session.active"
	TranscriptChanged    Type = "transcript.changed"
	DocumentsChanged     Type = "documents.changed"
	UploadProgress       Type = "upload.progress"
	UploadFinished       Type = "upload.finished"
	UploadFailed         Type = "upload.failed"
	AuthChanged          Type = "auth.changed"
	Redirect             Type = "redirect"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(typ Type, sessionID string, data any)
}

// Discard drops events; used where no UI is attached.
type Discard struct{}

func (Discard) Publish(Type, string, any) {}

// Bus fans events out over an in-process watermill channel.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    *zap.Logger
	now    func() time.Time
}

// NewBus creates an in-memory bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		// Blocking until ack keeps delivery in publish order.
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{}),
		log: log.Named("event"),
		now: time.Now,
	}
}

// Publish encodes and emits an event. Failures are logged, never returned:
// a missing UI must not fail a user action.
func (b *Bus) Publish(typ Type, sessionID string, data any) {
	evt := Event{Type: typ, SessionID: sessionID, OccurredAt: b.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			b.log.Warn("encode event data", zap.String("type", string(typ)), zap.Error(err))
			return
		}
		evt.Data = raw
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Warn("encode event", zap.String("type", string(typ)), zap.Error(err))
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(typ))
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		b.log.Warn("publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

// Subscribe streams decoded events until ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for msg := range messages {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.log.Warn("decode event", zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				b.log.Warn("subscriber lagging, event dropped", zap.String("type", string(evt.Type)))
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes subscriber channels.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
