package chat

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/luchat/pkg/config"
	"github.com/go-go-golems/luchat/pkg/transport"
	"github.com/go-go-golems/luchat/pkg/upload"
)

// connection is the transport surface the engine drives; *transport.Manager
// implements it, tests substitute a stub.
type connection interface {
	Run(ctx context.Context) error
	Send(frame []byte) error
	Frames() <-chan []byte
	States() <-chan transport.State
}

type uploader interface {
	Start(ctx context.Context, path string) (*upload.Task, error)
}

// Engine is the composition root: one connection, one store, one presence
// registry, at most one in-flight upload. All store and registry mutations
// happen on the Run goroutine or under the structures' own locks, so UI-side
// reads are safe at any time.
type Engine struct {
	id    Identity
	codec *Codec
	store *Store
	reg   *Registry
	conn  connection
	up    uploader
	bus   *eventBus
}

// New wires an engine from configuration and an already-authenticated
// identity.
func New(cfg *config.Config, id Identity) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if !id.Valid() {
		return nil, errors.New("identity is missing a user id")
	}
	conn := transport.NewManager(transport.Config{
		URL:              cfg.Server.ResolvedWebsocketURL(),
		HandshakeTimeout: cfg.Transport.HandshakeTimeout(),
		WriteTimeout:     cfg.Transport.WriteTimeout(),
		PingInterval:     cfg.Transport.PingInterval(),
		PongTimeout:      cfg.Transport.PongTimeout(),
		BackoffMin:       cfg.Transport.BackoffMin(),
		BackoffMax:       cfg.Transport.BackoffMax(),
	})
	up := upload.NewCoordinator(cfg.Server.ResolvedUploadURL(), id.Handle,
		upload.WithMaxFileSize(cfg.Upload.MaxFileSize()),
		upload.WithHTTPClient(&http.Client{Timeout: cfg.Upload.Timeout()}),
	)
	return newEngine(id, conn, up), nil
}

func newEngine(id Identity, conn connection, up uploader) *Engine {
	return &Engine{
		id:    id,
		codec: NewCodec(id),
		store: NewStore(),
		reg:   NewRegistry(),
		conn:  conn,
		up:    up,
		bus:   newEventBus(),
	}
}

func (e *Engine) Identity() Identity { return e.id }

// Events returns a channel of UI-facing events, closed when ctx ends or the
// engine shuts down.
func (e *Engine) Events(ctx context.Context) (<-chan Event, error) {
	return e.bus.subscribe(ctx)
}

// Run drives the transport and the inbound pump until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.bus.close(); err != nil {
			log.Warn().Err(err).Str("component", "engine").Msg("event bus close failed")
		}
	}()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return e.conn.Run(ctx) })
	eg.Go(func() error { return e.pump(ctx) })
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump is the single consumer of transport channels; it is the only task
// that mutates the store and registry from inbound traffic.
func (e *Engine) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-e.conn.States():
			e.handleState(st)
		case frame := <-e.conn.Frames():
			e.handleFrame(frame)
		}
	}
}

func (e *Engine) handleState(st transport.State) {
	log.Debug().Str("component", "engine").Str("state", st.String()).Msg("connection state changed")
	if st == transport.Connected {
		// The server learns who we are only through the announce frame, so
		// every reconnect repeats it.
		e.announce()
	}
	e.bus.publish(Event{Type: EventConnection, State: st.String()})
}

func (e *Engine) announce() {
	frame, err := e.codec.EncodePresence()
	if err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("failed to encode presence announce")
		return
	}
	if err := e.conn.Send(frame); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("presence announce failed")
	}
}

func (e *Engine) handleFrame(frame []byte) {
	in, err := e.codec.Decode(frame)
	if err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("dropping malformed frame")
		return
	}
	switch in.Kind {
	case InboundChat:
		e.store.Append(in.Conversation, in.Message)
		msg := in.Message
		e.bus.publish(Event{
			Type:         EventMessage,
			Conversation: in.Conversation.String(),
			Message:      &msg,
		})
	case InboundPresence:
		if e.reg.Apply(in.Entry) {
			e.bus.publish(Event{
				Type:   EventPresence,
				UserID: in.Entry.UserID,
				Handle: in.Entry.Handle,
			})
		}
	}
}

// SendMessage encodes and ships one chat frame, rendering it locally first.
// The optimistic local append stays even when the transport is down; delivery
// failures are logged, not surfaced, and reconnection is already underway.
func (e *Engine) SendMessage(conv ConversationID, body, fileLink string) error {
	if body == "" && fileLink == "" {
		return errors.New("refusing to send an empty message")
	}
	now := time.Now()
	frame, err := e.codec.EncodeChat(conv, body, fileLink, now)
	if err != nil {
		return err
	}
	msg := Message{
		SenderID:       e.id.UserID,
		SenderHandle:   e.id.Handle,
		Body:           body,
		AttachmentLink: fileLink,
		Time:           FormatTime(now),
	}
	e.store.Append(conv, msg)
	e.bus.publish(Event{Type: EventMessage, Conversation: conv.String(), Message: &msg})
	if err := e.conn.Send(frame); err != nil {
		log.Warn().Err(err).Str("component", "engine").Str("conversation", conv.String()).
			Msg("send failed, message kept locally")
	}
	return nil
}

// CloseConversation removes a direct conversation; the public one is
// protected. A later frame from the same peer starts a fresh conversation.
func (e *Engine) CloseConversation(id ConversationID) error {
	return e.store.Close(id)
}

// Render returns the accumulated markup for one conversation.
func (e *Engine) Render(id ConversationID) string {
	return e.store.Render(id)
}

// Conversations lists active streams in discovery order.
func (e *Engine) Conversations() []ConversationID {
	return e.store.List()
}

// Roster returns every user the server has announced, in discovery order.
func (e *Engine) Roster() []PresenceEntry {
	return e.reg.Snapshot()
}

// StartUpload launches an attachment transfer and forwards its progress to
// the event bus. On success the content link is sent to conv as a chat
// message, mirroring what the desktop client did when its upload finished.
func (e *Engine) StartUpload(ctx context.Context, conv ConversationID, path string) (*upload.Task, error) {
	t, err := e.up.Start(ctx, path)
	if err != nil {
		return nil, err
	}
	go e.watchUpload(conv, t)
	return t, nil
}

func (e *Engine) watchUpload(conv ConversationID, t *upload.Task) {
	for {
		select {
		case p := <-t.Progress():
			e.bus.publish(Event{
				Type:       EventUpload,
				TaskID:     t.ID(),
				BytesSent:  p.Sent,
				BytesTotal: p.Total,
			})
		case <-t.Done():
			ev := Event{
				Type:       EventUpload,
				TaskID:     t.ID(),
				State:      t.State().String(),
				BytesTotal: t.Total(),
			}
			switch t.State() {
			case upload.StateSucceeded:
				ev.BytesSent = t.Total()
				ev.Link = t.Link()
				e.bus.publish(ev)
				if err := e.SendMessage(conv, filepath.Base(t.Path()), t.Link()); err != nil {
					log.Warn().Err(err).Str("component", "engine").Msg("failed to send attachment message")
				}
			default:
				if t.Err() != nil {
					ev.Error = t.Err().Error()
				}
				e.bus.publish(ev)
			}
			return
		}
	}
}
