package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// ListSessions returns the user's sessions in backend order.
func (c *Client) ListSessions(ctx context.Context) ([]chat.Session, error) {
	var payload []sessionPayload
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/sessions", nil, &payload); err != nil {
		return nil, err
	}
	sessions := make([]chat.Session, 0, len(payload))
	for _, p := range payload {
		sessions = append(sessions, p.toModel())
	}
	return sessions, nil
}

// GetSession fetches one session with its messages.
func (c *Client) GetSession(ctx context.Context, id ident.ID) (chat.Session, error) {
	var payload sessionPayload
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/sessions/"+url.PathEscape(id.String()), nil, &payload); err != nil {
		return chat.Session{}, err
	}
	return payload.toModel(), nil
}

// CreateSession creates an empty session titled title.
func (c *Client) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	var payload sessionPayload
	in := map[string]string{"title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/users/me/sessions", in, &payload); err != nil {
		return chat.Session{}, err
	}
	return payload.toModel(), nil
}

// PostMessage appends a message to a session and returns the stored message.
func (c *Client) PostMessage(ctx context.Context, sessionID ident.ID, msg chat.Message) (chat.Message, error) {
	var payload messagePayload
	in := map[string]string{"role": string(msg.Role), "content": msg.Content}
	path := "/users/me/sessions/" + url.PathEscape(sessionID.String()) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, in, &payload); err != nil {
		return chat.Message{}, err
	}

	stored := payload.toModel()
	if stored.Role == "" {
		stored.Role = msg.Role
	}
	if stored.Content == "" {
		stored.Content = msg.Content
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = msg.Timestamp
	}
	return stored, nil
}
