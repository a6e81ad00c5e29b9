package apiclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// timestamp accepts RFC 3339 and the zone-less ISO format Python emits (read as UTC).
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		if string(data) == "null" {
			*t = timestamp{}
			return nil
		}
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*t = timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = timestamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", raw)
}

type messagePayload struct {
	ID        ident.ID  `json:"id"`
	SessionID ident.ID  `json:"session_id"`
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp timestamp `json:"timestamp"`
}

func (m messagePayload) toModel() chat.Message {
	return chat.Message{Role: m.Role, Content: m.Content, Timestamp: time.Time(m.Timestamp)}
}

type sessionPayload struct {
	ID         ident.ID         `json:"id"`
	Title      string           `json:"title"`
	CreateTime timestamp        `json:"create_time"`
	Messages   []messagePayload `json:"messages"`
}

func (s sessionPayload) toModel() chat.Session {
	msgs := make([]chat.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, m.toModel())
	}
	return chat.Session{
		ID:        s.ID,
		Title:     s.Title,
		Messages:  msgs,
		CreatedAt: time.Time(s.CreateTime),
	}
}

type documentPayload struct {
	ID         ident.ID  `json:"id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	Version    ident.Int `json:"version"`
	UploadedAt timestamp `json:"uploaded_at"`
}

func (d documentPayload) toModel() document.Document {
	return document.Document{
		ID:         d.ID,
		Filename:   d.Filename,
		FileType:   document.FileType(d.FileType),
		Version:    int(d.Version),
		UploadedAt: time.Time(d.UploadedAt),
	}
}
