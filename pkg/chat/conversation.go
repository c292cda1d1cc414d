package chat

// ConversationID identifies one ordered message stream: the single shared
// public stream, or a direct 1:1 stream keyed by the peer's user id.
type ConversationID struct {
	peer string
}

// Public returns the id of the shared stream. It is the zero value, so an
// uninitialized ConversationID addresses the public conversation.
func Public() ConversationID {
	return ConversationID{}
}

// Direct returns the id of the 1:1 stream with the given peer.
func Direct(peerUserID string) ConversationID {
	return ConversationID{peer: peerUserID}
}

func (id ConversationID) IsPublic() bool {
	return id.peer == ""
}

// Peer returns the peer user id for a direct conversation, "" for public.
func (id ConversationID) Peer() string {
	return id.peer
}

func (id ConversationID) String() string {
	if id.IsPublic() {
		return "public"
	}
	return "direct:" + id.peer
}

// Message is one chat entry as the engine rendered it. Immutable once
// constructed; Time is already formatted with TimeLayout.
type Message struct {
	SenderID       string
	SenderHandle   string
	Body           string
	AttachmentLink string
	Time           string
}

// Conversation holds the append-only log for one stream. Owned exclusively
// by the Store; callers only see copies.
type Conversation struct {
	ID       ConversationID
	Closable bool
	log      []Message
}

func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.log)
}

// Messages returns a copy of the log in append order.
func (c *Conversation) Messages() []Message {
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.log...)
}
