// Package dispatch routes normalized chat events through the conversation
// state machine, the upload aggregator and the lot queries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"lotbot/pkg/bus"
	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/fault"
	"lotbot/pkg/logger"
	"lotbot/pkg/lots"
	"lotbot/pkg/reply"
	"lotbot/pkg/state"
	"lotbot/pkg/upload"
)

// Messenger sends rendered messages back through the originating channel.
type Messenger interface {
	Reply(ctx context.Context, channel string, replyToken string, messages []reply.Message) error
	Push(ctx context.Context, channel string, chatID string, messages []reply.Message) error
}

// LotService is the lot query surface the dispatcher needs.
type LotService interface {
	Dates(ctx context.Context, number string) (lots.Lot, []time.Time, error)
	Images(ctx context.Context, number string, date time.Time) (lots.Lot, []lots.Image, error)
	DeleteDate(ctx context.Context, number string, date time.Time) (int, error)
	DeleteImage(ctx context.Context, id int64) (lots.Image, error)
	CorrectLot(ctx context.Context, from string, to string, date *time.Time) (lots.CorrectResult, error)
}

// Options wires a Dispatcher. Resolver, Renderer and Log are optional.
type Options struct {
	Resolver  *command.Resolver
	States    state.Repository
	Uploads   *upload.Aggregator
	Lots      LotService
	Messenger Messenger
	Renderer  *reply.Renderer
	Events    bus.EventPublisher
	Log       *slog.Logger
}

// Dispatcher handles one event at a time.
type Dispatcher struct {
	resolver  *command.Resolver
	states    state.Repository
	uploads   *upload.Aggregator
	lots      LotService
	messenger Messenger
	render    *reply.Renderer
	events    bus.EventPublisher
	chats     *chatRegistry
	log       *slog.Logger
}

// New validates opts and registers the dispatcher as the aggregator's flush
// listener so batch results reach the chat they came from.
func New(opts Options) (*Dispatcher, error) {
	if opts.States == nil {
		return nil, errors.New("state repository is required")
	}
	if opts.Uploads == nil {
		return nil, errors.New("upload aggregator is required")
	}
	if opts.Lots == nil {
		return nil, errors.New("lot service is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("messenger is required")
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = command.NewResolver(nil)
	}
	render := opts.Renderer
	if render == nil {
		render = reply.NewRenderer(resolver.Table())
	}

	d := &Dispatcher{
		resolver:  resolver,
		states:    opts.States,
		uploads:   opts.Uploads,
		lots:      opts.Lots,
		messenger: opts.Messenger,
		render:    render,
		events:    opts.Events,
		chats:     newChatRegistry(),
		log:       logger.Component(opts.Log, "dispatch"),
	}
	d.uploads.SetListener(d.onFlush)

	for _, collision := range resolver.Table().Collisions() {
		d.log.Warn("Command alias registered twice", "token", collision.Token, "previous", collision.Previous, "winner", collision.Winner, "set", collision.Set)
	}

	return d, nil
}

// Handle processes one event. Every event is acknowledged: failures are
// logged and answered, and panics are recovered here.
func (d *Dispatcher) Handle(ctx context.Context, ev event.Event) (err error) {
	chat := ev.Context()
	log := d.log.With("user_id", ev.Source.UserID, "chat_id", chat.ChatID, "kind", ev.Kind)

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("Event handling panicked", "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
			if d.events != nil {
				d.events.PublishEvent(ctx, bus.Event{Type: bus.EventDispatchPanic, Channel: ev.Channel, ChatID: chat.ChatID, UserID: ev.Source.UserID, Error: fmt.Sprint(recovered)})
			}
			err = nil
		}
	}()

	if ev.Kind == event.KindMessage || ev.Kind == event.KindPostback {
		d.chats.record(ev.Source.UserID, chat.ChatID)
	}

	var handleErr error
	switch ev.Kind {
	case event.KindMessage:
		switch {
		case ev.IsText():
			handleErr = d.handleText(ctx, ev, chat)
		case ev.IsImage():
			handleErr = d.handleImage(ctx, ev, chat)
		}
	case event.KindPostback:
		if !chat.IsGroup {
			handleErr = d.handlePostback(ctx, ev, chat)
		}
	case event.KindFollow:
		if !chat.IsGroup {
			handleErr = d.handleFollow(ctx, ev)
		}
	case event.KindUnfollow:
		if !chat.IsGroup {
			d.handleUnfollow(ev)
		}
	default:
		log.Debug("Ignoring unsupported event")
	}

	if handleErr != nil {
		log.Error("Event handling failed", "error", handleErr)
	}
	return nil
}

// Route is the branch a text message takes.
type Route int

const (
	RouteFallback Route = iota
	RouteCancel
	RouteStateInput
	RouteCommand
)

func (r Route) String() string {
	switch r {
	case RouteCancel:
		return "cancel"
	case RouteStateInput:
		return "state_input"
	case RouteCommand:
		return "command"
	default:
		return "fallback"
	}
}

// route is the text priority table: cancel always wins, a waiting state
// consumes the whole text, and commands only dispatch from Idle.
func route(tag state.Tag, isCancel bool, isCommand bool) Route {
	switch {
	case isCancel:
		return RouteCancel
	case tag != state.Idle:
		return RouteStateInput
	case isCommand:
		return RouteCommand
	default:
		return RouteFallback
	}
}

func chatKey(ev event.Event, chat event.ChatContext) state.ChatKey {
	return state.ChatKey{UserID: ev.Source.UserID, ChatID: chat.ChatID}
}

func (d *Dispatcher) reply(ctx context.Context, ev event.Event, messages []reply.Message) {
	if len(messages) == 0 {
		return
	}

	var err error
	if ev.ReplyToken != "" {
		err = d.messenger.Reply(ctx, ev.Channel, ev.ReplyToken, messages)
	} else {
		err = d.messenger.Push(ctx, ev.Channel, ev.Context().ChatID, messages)
	}
	if err != nil {
		d.log.Warn("Reply not delivered", "user_id", ev.Source.UserID, "channel", ev.Channel, "error", fault.Wrap(fault.Transport, "reply", err))
	}
}

// replyError answers err according to its category and returns it when it
// is worth logging as a failure.
func (d *Dispatcher) replyError(ctx context.Context, ev event.Event, err error) error {
	switch fault.CategoryOf(err) {
	case fault.Validation:
		d.reply(ctx, ev, d.render.InvalidInput(fault.DetailOf(err, "invalid input")))
		return nil
	case fault.NotFound:
		d.reply(ctx, ev, d.render.NotFound(fault.DetailOf(err, "nothing found")))
		return nil
	default:
		d.reply(ctx, ev, d.render.Failure())
		return err
	}
}

func (d *Dispatcher) onFlush(ctx context.Context, result upload.FlushResult) {
	origin := result.Batch.Origin
	if origin.ChatID == "" {
		return
	}

	if err := d.messenger.Push(ctx, origin.Channel, origin.ChatID, d.render.FlushResult(result)); err != nil {
		d.log.Warn("Flush result not delivered", "user_id", result.Batch.UserID, "chat_id", origin.ChatID, "error", fault.Wrap(fault.Transport, "push", err))
	}
}
