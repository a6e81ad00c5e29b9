package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

const (
	// UntitledTitle is shown for sessions that have no user message yet.
	UntitledTitle = "Untitled Chat"
	// MaxTitleRunes bounds titles derived from message content.
	MaxTitleRunes = 40
)

// Session is one chat conversation with its ordered transcript.
type Session struct {
	ID        ident.ID  `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a copy whose message slice does not alias the original.
func (s Session) Clone() Session {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// DisplayTitle falls back to the first user message, then to UntitledTitle.
func (s Session) DisplayTitle() string {
	if strings.TrimSpace(s.Title) != "" {
		return s.Title
	}
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			if title := DeriveTitle(m.Content); title != UntitledTitle {
				return title
			}
		}
	}
	return UntitledTitle
}

// DeriveTitle turns message content into a session title: first line, trimmed,
// cut to MaxTitleRunes with an ellipsis.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return UntitledTitle
	}
	if utf8.RuneCountInString(line) <= MaxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:MaxTitleRunes])) + "..."
}
