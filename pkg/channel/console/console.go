// Package console is a local terminal channel used for development. Lines
// typed by the operator become events from a single simulated user.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lotbot/pkg/bus"
	"lotbot/pkg/channel"
	"lotbot/pkg/event"
	"lotbot/pkg/logger"
)

const channelName = "console"

const (
	cmdImage    = "!img"
	cmdTap      = "!tap"
	cmdFollow   = "!follow"
	cmdUnfollow = "!unfollow"
)

// ErrEmptyInput is returned for blank lines.
var ErrEmptyInput = errors.New("empty input")

// Options configures the simulated chat.
type Options struct {
	// UserID defaults to a random id.
	UserID string
	// GroupID simulates a group chat when set.
	GroupID string
	Log     *slog.Logger
}

// Adapter turns typed lines into events and collects outbound messages for
// the terminal UI.
type Adapter struct {
	userID  string
	groupID string
	log     *slog.Logger

	inbound chan event.Event
	outbox  chan bus.OutboundMessage
	seq     atomic.Int64

	mu      sync.Mutex
	buttons []bus.Button
}

func New(opts Options) *Adapter {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		userID = "console-" + uuid.NewString()[:8]
	}

	return &Adapter{
		userID:  userID,
		groupID: strings.TrimSpace(opts.GroupID),
		log:     logger.Component(opts.Log, "channel.console"),
		inbound: make(chan event.Event, 16),
		outbox:  make(chan bus.OutboundMessage, 64),
	}
}

func (a *Adapter) Name() string {
	return channelName
}

// UserID returns the simulated user.
func (a *Adapter) UserID() string {
	return a.userID
}

// ChatID returns the simulated chat the bot pushes to.
func (a *Adapter) ChatID() string {
	if a.groupID != "" {
		return a.groupID
	}
	return a.userID
}

// Run hands submitted events to handler until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.log.Info("Console channel started", "user_id", a.userID, "chat_id", a.ChatID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.inbound:
			if err := handler(ctx, ev); err != nil {
				a.log.Error("Failed to hand off console event", "error", err)
			}
		}
	}
}

// Submit parses line and queues the resulting event.
func (a *Adapter) Submit(ctx context.Context, line string) error {
	ev, err := a.Parse(line)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.inbound <- ev:
		return nil
	}
}

// Parse maps one typed line to an event:
//
//	!img PATH      send the file at PATH as a photo
//	!tap N|QUERY   tap button N of the last message, or send QUERY as postback data
//	!follow        add the bot
//	!unfollow      block the bot
//	anything else  a text message
func (a *Adapter) Parse(line string) (event.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return event.Event{}, ErrEmptyInput
	}

	ev := event.Event{
		Channel:    channelName,
		Source:     a.source(),
		ReplyToken: "console-" + strconv.FormatInt(a.seq.Add(1), 10),
		ReceivedAt: time.Now(),
	}

	head, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(head) {
	case cmdImage:
		if rest == "" {
			return event.Event{}, errors.New("usage: !img PATH")
		}
		data, err := os.ReadFile(rest)
		if err != nil {
			return event.Event{}, fmt.Errorf("read image: %w", err)
		}
		ev.Kind = event.KindMessage
		ev.Message = &event.Message{ID: ev.ReplyToken, Type: event.MessageImage, Payload: data}

	case cmdTap:
		data, err := a.tapData(rest)
		if err != nil {
			return event.Event{}, err
		}
		ev.Kind = event.KindPostback
		ev.Postback = &event.Postback{Data: data}

	case cmdFollow:
		ev.Kind = event.KindFollow
		ev.Source = event.Source{Type: event.SourceUser, UserID: a.userID}

	case cmdUnfollow:
		ev.Kind = event.KindUnfollow
		ev.Source = event.Source{Type: event.SourceUser, UserID: a.userID}
		ev.ReplyToken = ""

	default:
		ev.Kind = event.KindMessage
		ev.Message = &event.Message{ID: ev.ReplyToken, Type: event.MessageText, Text: line}
	}

	return ev, nil
}

func (a *Adapter) tapData(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: !tap N or !tap QUERY")
	}

	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 1 || n > len(a.buttons) {
		return "", fmt.Errorf("no button %d on the last message", n)
	}
	return a.buttons[n-1].Data, nil
}

func (a *Adapter) source() event.Source {
	if a.groupID != "" {
		return event.Source{Type: event.SourceGroup, UserID: a.userID, GroupID: a.groupID}
	}
	return event.Source{Type: event.SourceUser, UserID: a.userID}
}

// Send records the buttons of the newest message and hands msg to the UI.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for i := len(msg.Messages) - 1; i >= 0; i-- {
		if len(msg.Messages[i].Buttons) > 0 {
			a.mu.Lock()
			a.buttons = append([]bus.Button(nil), msg.Messages[i].Buttons...)
			a.mu.Unlock()
			break
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.outbox <- msg:
		return nil
	}
}

// Outbox streams every message the bot sent.
func (a *Adapter) Outbox() <-chan bus.OutboundMessage {
	return a.outbox
}
