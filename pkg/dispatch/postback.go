package dispatch

import (
	"context"
	"strconv"
	"time"

	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/fault"
	"lotbot/pkg/lots"
)

func (d *Dispatcher) handlePostback(ctx context.Context, ev event.Event, chat event.ChatContext) error {
	if ev.Postback == nil {
		return nil
	}

	params, err := event.ParsePostback(ev.Postback.Data)
	if err != nil {
		d.log.Warn("Malformed postback", "user_id", ev.Source.UserID, "error", err)
		d.reply(ctx, ev, d.render.UnknownAction())
		return nil
	}

	key := chatKey(ev, chat)

	switch params.Action {
	case event.ActionCancel:
		d.cancel(ctx, ev, key, d.states.Get(key))
		return nil

	case event.ActionSelectDate:
		lot, date, err := lotAndDate(params)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.states.Clear(key)
		return d.dateSelected(ctx, ev, command.Key(params.Get(event.ParamFlow)), lot, date)

	case event.ActionView:
		lot, err := lots.NormalizeNumber(params.Get(event.ParamLot))
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		if params.Get(event.ParamDate) == "" {
			_, dates, err := d.lots.Dates(ctx, lot)
			if err != nil {
				return d.replyError(ctx, ev, err)
			}
			d.reply(ctx, ev, d.render.DatePicker(command.KeyView, lot, dates))
			return nil
		}
		date, err := lots.ParseDate(params.Get(event.ParamDate))
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		return d.showImages(ctx, ev, lot, date)

	case event.ActionDelete:
		lot, date, err := lotAndDate(params)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		return d.dateSelected(ctx, ev, command.KeyDelete, lot, date)

	case event.ActionConfirmDelete:
		lot, date, err := lotAndDate(params)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		count, err := d.lots.DeleteDate(ctx, lot, date)
		if err != nil && count == 0 {
			return d.replyError(ctx, ev, err)
		}
		if err != nil {
			d.log.Warn("Delete partially failed", "lot", lot, "deleted", count, "error", err)
		}
		d.log.Info("Lot date deleted", "user_id", key.UserID, "lot", lot, "date", lots.FormatDate(date), "count", count)
		d.reply(ctx, ev, d.render.Deleted(lot, date, count))
		return nil

	case event.ActionDeleteImage:
		id, err := strconv.ParseInt(params.Get(event.ParamImageID), 10, 64)
		if err != nil || id <= 0 {
			return d.replyError(ctx, ev, fault.Validationf("invalid image id"))
		}
		img, err := d.lots.DeleteImage(ctx, id)
		if err != nil {
			return d.replyError(ctx, ev, err)
		}
		d.reply(ctx, ev, d.render.ImageDeleted(img))
		return nil

	case event.ActionShare:
		return d.share(ctx, ev, params)

	default:
		d.log.Warn("Unknown postback action", "user_id", ev.Source.UserID, "action", params.Action)
		d.reply(ctx, ev, d.render.UnknownAction())
		return nil
	}
}

// share pushes a lot summary to the target chat, or answers with a
// forwardable summary when no target is given. The target must be a chat
// the user has written in.
func (d *Dispatcher) share(ctx context.Context, ev event.Event, params event.Params) error {
	lot, date, err := lotAndDate(params)
	if err != nil {
		return d.replyError(ctx, ev, err)
	}

	target := params.Get(event.ParamTarget)
	if target != "" && !d.chats.seen(ev.Source.UserID, target) {
		d.log.Warn("Share target rejected", "user_id", ev.Source.UserID, "target", target)
		return d.replyError(ctx, ev, fault.NotFoundf("no chat %s you have written in", target))
	}

	found, images, err := d.lots.Images(ctx, lot, date)
	if err != nil {
		return d.replyError(ctx, ev, err)
	}

	summary := d.render.ShareSummary(found, date, images)
	if target == "" {
		d.reply(ctx, ev, append(summary, d.render.Shared(found.Number, "")...))
		return nil
	}

	if err := d.messenger.Push(ctx, ev.Channel, target, summary); err != nil {
		d.log.Warn("Share not delivered", "user_id", ev.Source.UserID, "target", target, "error", fault.Wrap(fault.Transport, "push", err))
		d.reply(ctx, ev, d.render.Failure())
		return nil
	}
	d.reply(ctx, ev, d.render.Shared(found.Number, target))
	return nil
}

func lotAndDate(params event.Params) (string, time.Time, error) {
	lot, err := lots.NormalizeNumber(params.Get(event.ParamLot))
	if err != nil {
		return "", time.Time{}, err
	}
	date, err := lots.ParseDate(params.Get(event.ParamDate))
	if err != nil {
		return "", time.Time{}, err
	}
	return lot, date, nil
}
