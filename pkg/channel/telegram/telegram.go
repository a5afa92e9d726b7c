package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"lotbot/pkg/bus"
	"lotbot/pkg/channel"
	"lotbot/pkg/config"
	"lotbot/pkg/event"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// Telegram rejects callback data longer than this many bytes.
const maxCallbackData = 64
const maxStoredCallbacks = 2048
const callbackRefPrefix = "ref="

// Adapter bridges Telegram updates into normalized events and sends
// outbound messages back through the Bot API.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
	bot       *telego.Bot

	callbacks *callbackStore
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		bot:       bot,
		callbacks: newCallbackStore(maxStoredCallbacks),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and forwards every update through handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "callback_query", "my_chat_member"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			a.handleUpdate(ctx, update, handler)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update, handler channel.Handler) {
	if query := update.CallbackQuery; query != nil {
		if err := a.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(query.ID)); err != nil {
			a.log.Debug("Failed to answer callback query", "error", err)
		}
	}

	ev, photo, ok := a.translate(update)
	if !ok {
		return
	}

	if photo != "" {
		payload, err := a.download(ctx, photo)
		if err != nil {
			a.log.Error("Failed to download photo", "user_id", ev.Source.UserID, "error", err)
			return
		}
		ev.Message.Payload = payload
	}

	a.log.Info("Received update", "update_id", update.UpdateID, "user_id", ev.Source.UserID, "chat_id", ev.Context().ChatID, "kind", ev.Kind, "content", previewText(ev.Text()))

	if err := handler(ctx, ev); err != nil {
		a.log.Error("Failed to hand off update", "update_id", update.UpdateID, "error", err)
	}
}

// translate maps an update to an event. For photos it returns the file id
// of the largest size, which the caller downloads into the payload.
func (a *Adapter) translate(update telego.Update) (event.Event, string, bool) {
	switch {
	case update.Message != nil:
		return a.translateMessage(update.Message)
	case update.CallbackQuery != nil:
		ev, ok := a.translateCallback(update.CallbackQuery)
		return ev, "", ok
	case update.MyChatMember != nil:
		ev, ok := a.translateMembership(update.MyChatMember)
		return ev, "", ok
	default:
		return event.Event{}, "", false
	}
}

func (a *Adapter) translateMessage(message *telego.Message) (event.Event, string, bool) {
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return event.Event{}, "", false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return event.Event{}, "", false
	}

	source, ok := sourceFor(message.Chat, senderID)
	if !ok {
		return event.Event{}, "", false
	}

	ev := event.Event{
		Channel:    channelName,
		Kind:       event.KindMessage,
		Source:     source,
		ReplyToken: replyToken(message.Chat.ID, message.MessageID),
		ReceivedAt: time.Unix(message.Date, 0),
	}
	ref := strconv.Itoa(message.MessageID)

	if photo := largestPhoto(message.Photo); photo != nil {
		ev.Message = &event.Message{ID: ref, Type: event.MessageImage}
		return ev, photo.FileID, true
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return event.Event{}, "", false
	}
	if source.Type == event.SourceUser && isStartCommand(text) {
		ev.Kind = event.KindFollow
		return ev, "", true
	}

	ev.Message = &event.Message{ID: ref, Type: event.MessageText, Text: text}
	return ev, "", true
}

func (a *Adapter) translateCallback(query *telego.CallbackQuery) (event.Event, bool) {
	senderID := strconv.FormatInt(query.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring callback from unauthorized sender", "sender_id", senderID)
		return event.Event{}, false
	}

	data, ok := a.callbacks.resolve(query.Data)
	if !ok {
		a.log.Debug("Callback reference expired", "sender_id", senderID)
	}

	ev := event.Event{
		Channel:    channelName,
		Kind:       event.KindPostback,
		Source:     event.Source{Type: event.SourceUser, UserID: senderID},
		Postback:   &event.Postback{Data: data},
		ReceivedAt: time.Now(),
	}

	if query.Message != nil {
		chat := query.Message.GetChat()
		source, ok := sourceFor(chat, senderID)
		if !ok {
			return event.Event{}, false
		}
		ev.Source = source
		ev.ReplyToken = replyToken(chat.ID, query.Message.GetMessageID())
	}
	return ev, true
}

func (a *Adapter) translateMembership(update *telego.ChatMemberUpdated) (event.Event, bool) {
	if update.Chat.Type != telego.ChatTypePrivate {
		return event.Event{}, false
	}

	senderID := strconv.FormatInt(update.From.ID, 10)
	if !a.senderAllowed(senderID) {
		return event.Event{}, false
	}

	ev := event.Event{
		Channel:    channelName,
		Source:     event.Source{Type: event.SourceUser, UserID: senderID},
		ReceivedAt: time.Unix(update.Date, 0),
	}

	switch update.NewChatMember.MemberStatus() {
	case telego.MemberStatusMember:
		ev.Kind = event.KindFollow
	case telego.MemberStatusBanned, telego.MemberStatusLeft:
		ev.Kind = event.KindUnfollow
	default:
		return event.Event{}, false
	}
	return ev, true
}

func (a *Adapter) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	data, err := tu.DownloadFile(a.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	return data, nil
}

// Send delivers msg. Replies quote the originating message; only the first
// message of a reply carries the quote.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, replyTo, err := target(msg)
	if err != nil {
		return err
	}

	for i, item := range msg.Messages {
		params := tu.Message(tu.ID(chatID), item.Text)
		if keyboard := a.keyboard(item.Buttons); keyboard != nil {
			params = params.WithReplyMarkup(keyboard)
		}
		if i == 0 && replyTo != 0 {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true})
		}

		a.log.Info("Sending message", "chat_id", chatID, "content", previewText(item.Text))
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// keyboard lays buttons out one per row.
func (a *Adapter) keyboard(buttons []bus.Button) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, button := range buttons {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(button.Label).WithCallbackData(a.callbacks.store(button.Data)),
		))
	}
	return tu.InlineKeyboard(rows...)
}

func target(msg bus.OutboundMessage) (int64, int, error) {
	if msg.IsReply() {
		return parseReplyToken(msg.ReplyToken)
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q", msg.ChatID)
	}
	return chatID, 0, nil
}

// sourceFor maps a Telegram chat to an event source. Channels are ignored.
func sourceFor(chat telego.Chat, senderID string) (event.Source, bool) {
	chatID := strconv.FormatInt(chat.ID, 10)

	switch chat.Type {
	case telego.ChatTypePrivate:
		return event.Source{Type: event.SourceUser, UserID: senderID}, true
	case telego.ChatTypeGroup:
		return event.Source{Type: event.SourceGroup, UserID: senderID, GroupID: chatID}, true
	case telego.ChatTypeSupergroup:
		return event.Source{Type: event.SourceRoom, UserID: senderID, RoomID: chatID}, true
	default:
		return event.Source{}, false
	}
}

func largestPhoto(sizes []telego.PhotoSize) *telego.PhotoSize {
	var best *telego.PhotoSize
	for i := range sizes {
		size := &sizes[i]
		if best == nil || size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	return best
}

func isStartCommand(text string) bool {
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(strings.ToLower(first), "@")
	return first == "/start"
}

func replyToken(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func parseReplyToken(token string) (int64, int, error) {
	rawChat, rawMessage, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid reply token %q", token)
	}

	chatID, err := strconv.ParseInt(rawChat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reply token %q", token)
	}
	messageID, err := strconv.Atoi(rawMessage)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reply token %q", token)
	}
	return chatID, messageID, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// callbackStore swaps postback payloads that exceed Telegram's callback
// data limit for short references. The oldest references are evicted first.
type callbackStore struct {
	mu    sync.Mutex
	limit int
	data  map[string]string
	order []string
}

func newCallbackStore(limit int) *callbackStore {
	return &callbackStore{limit: limit, data: make(map[string]string)}
}

func (s *callbackStore) store(data string) string {
	if len(data) <= maxCallbackData && !strings.HasPrefix(data, callbackRefPrefix) {
		return data
	}

	ref := callbackRefPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ref] = data
	s.order = append(s.order, ref)
	for len(s.order) > s.limit {
		delete(s.data, s.order[0])
		s.order = s.order[1:]
	}
	return ref
}

func (s *callbackStore) resolve(data string) (string, bool) {
	if !strings.HasPrefix(data, callbackRefPrefix) {
		return data, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.data[data]
	return full, ok
}
