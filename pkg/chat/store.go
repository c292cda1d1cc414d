package chat

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrCannotCloseProtected = errors.New("public conversation cannot be closed")

// Render templates, lifted from the desktop client. Fields in order:
// sender handle, body, [attachment link], timestamp.
const (
	tmplWithoutLink = `<p><a>%s:</a><br />&nbsp;&nbsp;&nbsp;&nbsp;<a>%s</a>&nbsp;&nbsp;&nbsp;&nbsp;<a>(%s)</a></p>`
	tmplWithLink    = `<p><a>%s:</a><br />&nbsp;&nbsp;&nbsp;&nbsp;<a>%s</a>&nbsp;&nbsp;&nbsp;&nbsp;<a href="%s">%s</a>&nbsp;&nbsp;&nbsp;&nbsp;<a>(%s)</a></p>`
)

// Store owns the per-conversation append-only logs and their HTML rendering.
// The public conversation exists from construction and can never be removed;
// direct conversations are created lazily on first append and removed on
// Close. A later append for a closed peer starts a fresh log.
type Store struct {
	mu    sync.Mutex
	convs map[ConversationID]*Conversation
	order []ConversationID
}

func NewStore() *Store {
	s := &Store{convs: map[ConversationID]*Conversation{}}
	s.convs[Public()] = &Conversation{ID: Public()}
	s.order = append(s.order, Public())
	return s
}

// Append adds msg to the conversation log, creating the conversation if it
// does not exist. It never fails.
func (s *Store) Append(id ConversationID, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getOrCreateLocked(id)
	conv.log = append(conv.log, msg)
}

func (s *Store) getOrCreateLocked(id ConversationID) *Conversation {
	if conv, ok := s.convs[id]; ok {
		return conv
	}
	conv := &Conversation{ID: id, Closable: !id.IsPublic()}
	s.convs[id] = conv
	s.order = append(s.order, id)
	return conv
}

// Get returns a copy of the conversation log, and whether the conversation
// currently exists.
func (s *Store) Get(id ConversationID) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, false
	}
	return conv.Messages(), true
}

// Len returns the current log length, 0 for an absent conversation.
func (s *Store) Len(id ConversationID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id].Len()
}

// List returns all active conversation ids in discovery order.
func (s *Store) List() []ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationID(nil), s.order...)
}

// Render returns the full accumulated markup for the conversation. The whole
// log is re-rendered on every call; callers that need incremental appends can
// diff against the previous result, the output for a given log is stable.
func (s *Store) Render(id ConversationID) string {
	msgs, ok := s.Get(id)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(renderMessage(m))
	}
	return b.String()
}

// renderMessage formats one entry. Handle and body are escaped; the original
// client interpolated them raw into rich text, which is an injection hole we
// deliberately do not reproduce.
func renderMessage(m Message) string {
	handle := html.EscapeString(m.SenderHandle)
	body := html.EscapeString(m.Body)
	if m.AttachmentLink == "" {
		return fmt.Sprintf(tmplWithoutLink, handle, body, m.Time)
	}
	link := html.EscapeString(m.AttachmentLink)
	return fmt.Sprintf(tmplWithLink, handle, body, link, link, m.Time)
}

// Close removes a direct conversation from the active set. Closing the public
// conversation fails with ErrCannotCloseProtected. Closing an absent
// conversation is a no-op.
func (s *Store) Close(id ConversationID) error {
	if id.IsPublic() {
		return ErrCannotCloseProtected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return nil
	}
	delete(s.convs, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
