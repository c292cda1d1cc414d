package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Envelope keys with fixed meaning. Any other top-level key is a recipient
// user id: the transport broadcasts every frame to every client, and each
// client keeps only frames keyed "message", "online", or its own user id.
const (
	keyPublic = "message"
	keyOnline = "online"
)

// payload mirrors the chat object carried under every envelope key.
type payload struct {
	UserID    string `json:"userid"`
	UserPhone string `json:"userphone"`
	Message   string `json:"message"`
	FileLink  string `json:"filelink"`
	Time      string `json:"time"`
}

type presencePayload struct {
	UserID    string `json:"userid"`
	UserPhone string `json:"userphone"`
}

// InboundKind classifies a decoded frame.
type InboundKind int

const (
	// InboundIgnored marks frames addressed to other recipients and public
	// echoes of our own sends. Not an error.
	InboundIgnored InboundKind = iota
	InboundChat
	InboundPresence
)

// Inbound is one decoded frame.
type Inbound struct {
	Kind InboundKind

	// Conversation and Message are set for InboundChat.
	Conversation ConversationID
	Message      Message

	// Entry is set for InboundPresence.
	Entry PresenceEntry
}

// Codec builds outbound envelopes and demultiplexes inbound ones for a single
// local identity. Routing is coupled to identity on the wire: a direct frame
// is keyed by the recipient's user id, not by a message type.
type Codec struct {
	self Identity
}

func NewCodec(self Identity) *Codec {
	return &Codec{self: self}
}

// EncodeChat wraps body (and an optional attachment link) for the given
// conversation, stamped with the local clock.
func (c *Codec) EncodeChat(conv ConversationID, body, fileLink string, now time.Time) ([]byte, error) {
	key := keyPublic
	if !conv.IsPublic() {
		key = conv.Peer()
	}
	env := map[string]payload{
		key: {
			UserID:    c.self.UserID,
			UserPhone: c.self.Handle,
			Message:   body,
			FileLink:  fileLink,
			Time:      FormatTime(now),
		},
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat frame")
	}
	return b, nil
}

// EncodePresence builds the announcement sent right after every (re)connect.
func (c *Codec) EncodePresence() ([]byte, error) {
	env := map[string]presencePayload{
		keyOnline: {UserID: c.self.UserID, UserPhone: c.self.Handle},
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode presence frame")
	}
	return b, nil
}

// Decode classifies one inbound frame. Match order: public chat, presence,
// direct chat addressed to me, otherwise ignored. Frames that are not a JSON
// object fail with ErrMalformedFrame.
func (c *Codec) Decode(frame []byte) (Inbound, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		return Inbound{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	if raw, ok := env[keyPublic]; ok {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Inbound{}, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		if p.UserID == c.self.UserID {
			// Server echo of our own public send; it was already rendered
			// optimistically. Suppression is by sender id, not message id,
			// so a genuinely new echo from ourselves would be dropped too.
			return Inbound{Kind: InboundIgnored}, nil
		}
		return Inbound{
			Kind:         InboundChat,
			Conversation: Public(),
			Message:      p.toMessage(),
		}, nil
	}

	if raw, ok := env[keyOnline]; ok {
		var p presencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Inbound{}, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return Inbound{
			Kind:  InboundPresence,
			Entry: PresenceEntry{UserID: p.UserID, Handle: p.UserPhone},
		}, nil
	}

	if raw, ok := env[c.self.UserID]; ok && c.self.UserID != "" {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Inbound{}, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		if p.UserID == "" {
			// No sender means no conversation to file it under; Direct("")
			// would collapse into the public stream.
			return Inbound{Kind: InboundIgnored}, nil
		}
		return Inbound{
			Kind:         InboundChat,
			Conversation: Direct(p.UserID),
			Message:      p.toMessage(),
		}, nil
	}

	return Inbound{Kind: InboundIgnored}, nil
}

func (p payload) toMessage() Message {
	return Message{
		SenderID:       p.UserID,
		SenderHandle:   p.UserPhone,
		Body:           p.Message,
		AttachmentLink: p.FileLink,
		Time:           p.Time,
	}
}
