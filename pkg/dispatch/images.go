package dispatch

import (
	"context"

	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/state"
	"lotbot/pkg/upload"
)

func (d *Dispatcher) handleImage(ctx context.Context, ev event.Event, chat event.ChatContext) error {
	key := chatKey(ev, chat)
	mode, uploadMode := d.states.UploadMode(key)

	if chat.IsGroup && !uploadMode {
		return nil
	}

	origin := upload.Origin{Channel: ev.Channel, ChatID: chat.ChatID}

	if uploadMode {
		lot := mode.Lot
		d.flushIfLotChanges(ctx, key.UserID, &lot)

		seq, err := d.uploads.Accept(key.UserID, &lot, origin, ev.Message.ID, ev.Message.Payload)
		if err != nil {
			return d.imageRejected(ctx, ev, chat, err)
		}
		d.states.TouchUploadMode(key)
		d.log.Debug("Image accepted", "user_id", key.UserID, "chat_id", key.ChatID, "lot", lot, "seq", seq)
		return nil
	}

	conv := d.states.Get(key)
	switch {
	case conv.Tag == state.Idle:
		d.flushIfLotChanges(ctx, key.UserID, nil)

		seq, err := d.uploads.Accept(key.UserID, nil, origin, ev.Message.ID, ev.Message.Payload)
		if err != nil {
			return d.imageRejected(ctx, ev, chat, err)
		}
		d.states.Set(key, state.WaitingForLot, map[string]string{state.DataFlow: string(command.KeyUpload)})
		d.reply(ctx, ev, d.render.AskLot(command.KeyUpload, seq))
		return nil

	case conv.Tag == state.WaitingForLot && conv.Value(state.DataFlow) == string(command.KeyUpload):
		seq, err := d.uploads.Accept(key.UserID, nil, origin, ev.Message.ID, ev.Message.Payload)
		if err != nil {
			return d.imageRejected(ctx, ev, chat, err)
		}
		d.states.Set(key, conv.Tag, conv.Data)
		d.log.Debug("Image waiting for lot", "user_id", key.UserID, "seq", seq)
		return nil

	default:
		d.reply(ctx, ev, d.render.Busy())
		return nil
	}
}

func (d *Dispatcher) imageRejected(ctx context.Context, ev event.Event, chat event.ChatContext, err error) error {
	if chat.IsGroup {
		d.log.Warn("Image rejected in group chat", "user_id", ev.Source.UserID, "chat_id", chat.ChatID, "error", err)
		return nil
	}
	return d.replyError(ctx, ev, err)
}
