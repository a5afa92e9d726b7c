package dispatch

import (
	"context"
	"time"

	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/lots"
	"lotbot/pkg/reply"
	"lotbot/pkg/state"
)

func (d *Dispatcher) handleText(ctx context.Context, ev event.Event, chat event.ChatContext) error {
	text := ev.Text()
	result := d.resolver.Resolve(text)

	if chat.IsGroup && !result.IsCommand {
		return nil
	}

	key := chatKey(ev, chat)
	conv := d.states.Get(key)
	isCancel := result.IsCommand && result.Key == command.KeyCancel

	switch route(conv.Tag, isCancel, result.IsCommand) {
	case RouteCancel:
		d.cancel(ctx, ev, key, conv)
		return nil
	case RouteStateInput:
		return d.stateInput(ctx, ev, key, conv, text)
	case RouteCommand:
		return d.command(ctx, ev, chat, key, result.Pending)
	default:
		d.log.Warn("Unrecognized text", "user_id", key.UserID, "chat_id", key.ChatID)
		d.reply(ctx, ev, d.render.Fallback())
		return nil
	}
}

// cancel returns the chat to Idle. From a waiting state it also discards
// the user's pending upload; from Idle it only ends upload mode, leaving an
// already tagged batch to flush.
func (d *Dispatcher) cancel(ctx context.Context, ev event.Event, key state.ChatKey, conv state.Conversation) {
	_, uploadMode := d.states.UploadMode(key)

	if conv.Tag == state.Idle {
		if !uploadMode {
			d.reply(ctx, ev, d.render.NothingToCancel())
			return
		}
		d.states.ClearUploadMode(key)
		d.reply(ctx, ev, d.render.Cancelled(0))
		return
	}

	d.states.Clear(key)
	d.states.ClearUploadMode(key)

	discarded := 0
	if session, ok := d.uploads.Discard(key.UserID); ok {
		discarded = len(session.Items)
	}

	d.log.Info("Conversation cancelled", "user_id", key.UserID, "chat_id", key.ChatID, "state", conv.Tag, "discarded", discarded)
	d.reply(ctx, ev, d.render.Cancelled(discarded))
}

func (d *Dispatcher) stateInput(ctx context.Context, ev event.Event, key state.ChatKey, conv state.Conversation, text string) error {
	flow := command.Key(conv.Value(state.DataFlow))

	switch conv.Tag {
	case state.WaitingForLot:
		lot, err := lots.NormalizeNumber(text)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		return d.lotProvided(ctx, ev, key, flow, lot)

	case state.WaitingForDate:
		date, err := lots.ParseDate(text)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.states.Clear(key)
		return d.dateSelected(ctx, ev, flow, conv.Value(state.DataLot), date)

	case state.WaitingForNewLot:
		target, err := lots.NormalizeNumber(text)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}

		var date *time.Time
		if raw := conv.Value(state.DataDate); raw != "" {
			parsed, err := lots.ParseDate(raw)
			if err == nil {
				date = &parsed
			}
		}

		result, err := d.lots.CorrectLot(ctx, conv.Value(state.DataLot), target, date)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.states.Clear(key)
		d.reply(ctx, ev, d.render.Corrected(result))
		return nil

	default:
		d.states.Clear(key)
		d.reply(ctx, ev, d.render.Fallback())
		return nil
	}
}

// lotProvided continues a flow that was waiting for a lot number.
func (d *Dispatcher) lotProvided(ctx context.Context, ev event.Event, key state.ChatKey, flow command.Key, lot string) error {
	switch flow {
	case command.KeyUpload:
		d.states.Clear(key)
		d.startUploadMode(ctx, ev, key, lot)
		return nil

	case command.KeyView, command.KeyDelete:
		_, dates, err := d.lots.Dates(ctx, lot)
		if err != nil {
			if err := d.replyError(ctx, ev, err); err != nil {
				return err
			}
			d.states.Clear(key)
			return nil
		}
		d.states.Set(key, state.WaitingForDate, map[string]string{state.DataFlow: string(flow), state.DataLot: lot})
		d.reply(ctx, ev, d.render.DatePicker(flow, lot, dates))
		return nil

	case command.KeyCorrect:
		if _, _, err := d.lots.Dates(ctx, lot); err != nil {
			if err := d.replyError(ctx, ev, err); err != nil {
				return err
			}
			d.states.Clear(key)
			return nil
		}
		d.states.Set(key, state.WaitingForNewLot, map[string]string{state.DataFlow: string(flow), state.DataLot: lot})
		d.reply(ctx, ev, d.render.AskNewLot(lot, ""))
		return nil

	default:
		d.states.Clear(key)
		d.reply(ctx, ev, d.render.Fallback())
		return nil
	}
}

// startUploadMode tags the chat with lot. Photos already waiting for a lot
// are assigned to it and scheduled for flushing.
func (d *Dispatcher) startUploadMode(ctx context.Context, ev event.Event, key state.ChatKey, lot string) {
	d.flushIfLotChanges(ctx, key.UserID, &lot)
	d.states.SetUploadMode(key, lot)

	if session, ok := d.uploads.Session(key.UserID); ok && session.Lot == nil {
		assigned, err := d.uploads.AssignLot(key.UserID, lot)
		if err == nil {
			d.reply(ctx, ev, d.render.LotAssigned(lot, len(assigned.Items)))
			return
		}
		d.log.Warn("Assigning lot to pending photos failed", "user_id", key.UserID, "lot", lot, "error", err)
	}

	d.reply(ctx, ev, d.render.UploadModeOn(lot))
}

// flushIfLotChanges flushes the user's tagged batch before photos for a
// different lot start a new session, so switching lots never drops photos.
func (d *Dispatcher) flushIfLotChanges(ctx context.Context, userID string, lot *string) {
	session, ok := d.uploads.Session(userID)
	if !ok || session.Lot == nil {
		return
	}
	if lot != nil && *session.Lot == *lot {
		return
	}
	d.uploads.FlushNow(ctx, userID)
}

func (d *Dispatcher) dateSelected(ctx context.Context, ev event.Event, flow command.Key, lot string, date time.Time) error {
	switch flow {
	case command.KeyDelete:
		_, images, err := d.lots.Images(ctx, lot, date)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.reply(ctx, ev, d.render.ConfirmDelete(lot, date, len(images)))
		return nil
	default:
		return d.showImages(ctx, ev, lot, date)
	}
}

func (d *Dispatcher) showImages(ctx context.Context, ev event.Event, lot string, date time.Time) error {
	found, images, err := d.lots.Images(ctx, lot, date)
	if err != nil {
		return d.replyError(ctx, ev, err)
	}
	d.reply(ctx, ev, d.render.ImageList(found, date, images))
	return nil
}

func (d *Dispatcher) command(ctx context.Context, ev event.Event, chat event.ChatContext, key state.ChatKey, pending command.Pending) error {
	switch pending.Key {
	case command.KeyHelp:
		d.reply(ctx, ev, d.render.Help())
		return nil

	case command.KeyStatus:
		d.reply(ctx, ev, d.render.StatusReport(d.status(key)))
		return nil

	case command.KeyUpload:
		if len(pending.Args) == 0 {
			return d.askLot(ctx, ev, chat, key, command.KeyUpload)
		}
		lot, err := lots.NormalizeNumber(pending.Arg(0))
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.startUploadMode(ctx, ev, key, lot)
		return nil

	case command.KeyView, command.KeyDelete:
		if chat.IsGroup {
			return d.groupLookup(ctx, ev, chat, key, pending)
		}
		if len(pending.Args) == 0 {
			return d.askLot(ctx, ev, chat, key, pending.Key)
		}
		lot, err := lots.NormalizeNumber(pending.Arg(0))
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		if raw := pending.Arg(1); raw != "" {
			date, err := lots.ParseDate(raw)
			if err != nil {
				return d.replyError(ctx, ev, err)
			}
			return d.dateSelected(ctx, ev, pending.Key, lot, date)
		}

		_, dates, err := d.lots.Dates(ctx, lot)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.states.Set(key, state.WaitingForDate, map[string]string{state.DataFlow: string(pending.Key), state.DataLot: lot})
		d.reply(ctx, ev, d.render.DatePicker(pending.Key, lot, dates))
		return nil

	case command.KeyCorrect:
		if chat.IsGroup {
			d.reply(ctx, ev, d.render.DirectOnly(pending.Key))
			return nil
		}
		if len(pending.Args) == 0 {
			return d.askLot(ctx, ev, chat, key, command.KeyCorrect)
		}
		lot, err := lots.NormalizeNumber(pending.Arg(0))
		if err != nil {
			return d.replyError(ctx, ev, err)
		}

		data := map[string]string{state.DataFlow: string(command.KeyCorrect), state.DataLot: lot}
		if raw := pending.Arg(1); raw != "" {
			date, err := lots.ParseDate(raw)
			if err != nil {
				return d.replyError(ctx, ev, err)
			}
			data[state.DataDate] = lots.FormatDate(date)
			if _, _, err := d.lots.Images(ctx, lot, date); err != nil {
				return d.replyError(ctx, ev, err)
			}
		} else if _, _, err := d.lots.Dates(ctx, lot); err != nil {
			return d.replyError(ctx, ev, err)
		}

		d.states.Set(key, state.WaitingForNewLot, data)
		d.reply(ctx, ev, d.render.AskNewLot(lot, data[state.DataDate]))
		return nil

	default:
		d.reply(ctx, ev, d.render.Fallback())
		return nil
	}
}

// groupLookup answers view and delete in group chats. Buttons are not
// processed there, so views are plain text and deletes are refused.
func (d *Dispatcher) groupLookup(ctx context.Context, ev event.Event, chat event.ChatContext, key state.ChatKey, pending command.Pending) error {
	if pending.Key == command.KeyDelete {
		d.reply(ctx, ev, d.render.DirectOnly(pending.Key))
		return nil
	}
	if len(pending.Args) == 0 {
		return d.askLot(ctx, ev, chat, key, pending.Key)
	}

	lot, err := lots.NormalizeNumber(pending.Arg(0))
	if err != nil {
		return d.replyError(ctx, ev, err)
	}
	if raw := pending.Arg(1); raw != "" {
		date, err := lots.ParseDate(raw)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		found, images, err := d.lots.Images(ctx, lot, date)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.reply(ctx, ev, d.render.PlainImageList(found, date, images))
		return nil
	}

	_, dates, err := d.lots.Dates(ctx, lot)
	if err != nil {
		return d.replyError(ctx, ev, err)
	}
	d.reply(ctx, ev, d.render.DateList(lot, dates))
	return nil
}

// askLot enters WaitingForLot in direct chats. Group chats get a usage hint
// because the follow-up text would be filtered out.
func (d *Dispatcher) askLot(ctx context.Context, ev event.Event, chat event.ChatContext, key state.ChatKey, flow command.Key) error {
	if chat.IsGroup {
		d.reply(ctx, ev, d.render.GroupUsage(flow))
		return nil
	}

	d.states.Set(key, state.WaitingForLot, map[string]string{state.DataFlow: string(flow)})
	d.reply(ctx, ev, d.render.AskLot(flow, 0))
	return nil
}

func (d *Dispatcher) status(key state.ChatKey) reply.Status {
	conv := d.states.Get(key)
	status := reply.Status{State: string(conv.Tag), Flow: conv.Value(state.DataFlow)}

	if mode, ok := d.states.UploadMode(key); ok {
		status.UploadLot = mode.Lot
	}
	if session, ok := d.uploads.Session(key.UserID); ok {
		status.PendingItems = len(session.Items)
		status.PendingLot = session.LotNumber()
	}
	return status
}
