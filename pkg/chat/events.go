package chat

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventsTopic carries every UI-facing event as one JSON object per message.
const EventsTopic = "luchat.events"

type EventType string

const (
	EventMessage    EventType = "message"
	EventPresence   EventType = "presence"
	EventConnection EventType = "connection"
	EventUpload     EventType = "upload"
)

// Event is the envelope published to the UI layer. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType `json:"type"`

	// message
	Conversation string   `json:"conversation,omitempty"`
	Message      *Message `json:"message,omitempty"`

	// presence
	UserID string `json:"userid,omitempty"`
	Handle string `json:"userphone,omitempty"`

	// connection state, or the terminal upload state
	State string `json:"state,omitempty"`

	// upload
	TaskID     string `json:"task_id,omitempty"`
	BytesSent  int64  `json:"bytes_sent,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Link       string `json:"link,omitempty"`
	Error      string `json:"error,omitempty"`
}

// eventBus is a thin wrapper over an in-process watermill pub/sub. One engine
// owns one bus; subscribers each get their own channel.
type eventBus struct {
	pubsub *gochannel.GoChannel
}

func newEventBus() *eventBus {
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermillLogger{logger: log.With().Str("component", "events").Logger()},
	)
	return &eventBus{pubsub: ps}
}

func (b *eventBus) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "events").Msg("failed to encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(EventsTopic, msg); err != nil {
		log.Warn().Err(err).Str("component", "events").Msg("failed to publish event")
	}
}

// subscribe returns a channel of decoded events, closed when ctx is done or
// the bus shuts down.
func (b *eventBus) subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, EventsTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "events").Msg("failed to decode event json")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *eventBus) close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill's LoggerAdapter.
type watermillLogger struct {
	logger zerolog.Logger
}

func (w watermillLogger) event(e *zerolog.Event, msg string, err error, fields watermill.LogFields) {
	if err != nil {
		e = e.Err(err)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.logger.Error(), msg, err, fields)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.logger.Debug(), msg, nil, fields)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.logger.Trace(), msg, nil, fields)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.logger.Trace(), msg, nil, fields)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := w.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return watermillLogger{logger: ctx.Logger()}
}
