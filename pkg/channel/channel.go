package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lotbot/pkg/bus"
	"lotbot/pkg/event"
	"lotbot/pkg/logger"
)

// ErrBusClosed is returned when an outbound message cannot be queued.
var ErrBusClosed = errors.New("outbound queue closed")

// Handler processes one normalized inbound event.
type Handler func(context.Context, event.Event) error

// Adapter bridges one external transport (for example Telegram) into lotbot.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// Sender delivers outbound messages through one transport.
type Sender interface {
	Send(context.Context, bus.OutboundMessage) error
}

// Mux queues outbound messages on the bus and delivers them to the sender
// registered for their channel.
type Mux struct {
	bus *bus.MessageBus
	log *slog.Logger

	mu      sync.RWMutex
	senders map[string]Sender
}

func NewMux(mb *bus.MessageBus, log *slog.Logger) *Mux {
	return &Mux{
		bus:     mb,
		log:     logger.Component(log, "channel.mux"),
		senders: make(map[string]Sender),
	}
}

// Register makes sender responsible for messages addressed to name.
func (m *Mux) Register(name string, sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[name] = sender
}

// Reply queues messages answering the event identified by replyToken.
func (m *Mux) Reply(ctx context.Context, channel string, replyToken string, messages []bus.Message) error {
	return m.publish(ctx, bus.OutboundMessage{Channel: channel, ReplyToken: replyToken, Messages: messages})
}

// Push queues messages for chatID.
func (m *Mux) Push(ctx context.Context, channel string, chatID string, messages []bus.Message) error {
	return m.publish(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Messages: messages})
}

func (m *Mux) publish(ctx context.Context, msg bus.OutboundMessage) error {
	if len(msg.Messages) == 0 {
		return nil
	}
	if !m.bus.PublishOutbound(ctx, msg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrBusClosed
	}
	return nil
}

// Run delivers queued outbound messages until ctx is done or the bus closes.
func (m *Mux) Run(ctx context.Context) error {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return nil
		}

		if err := m.Deliver(ctx, msg); err != nil {
			m.log.Warn("Outbound message not delivered", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

// Deliver sends msg through its channel's sender immediately.
func (m *Mux) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	sender, ok := m.senders[msg.Channel]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no sender registered for channel %q", msg.Channel)
	}
	return sender.Send(ctx, msg)
}
