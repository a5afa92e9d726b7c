package dispatch

import (
	"context"

	"lotbot/pkg/event"
)

func (d *Dispatcher) handleFollow(ctx context.Context, ev event.Event) error {
	d.log.Info("User followed", "user_id", ev.Source.UserID, "channel", ev.Channel)
	d.reply(ctx, ev, d.render.Welcome())
	return nil
}

// handleUnfollow forgets everything about the user in every chat.
func (d *Dispatcher) handleUnfollow(ev event.Event) {
	userID := ev.Source.UserID

	states := d.states.ClearAllForUser(userID)
	modes := d.states.ClearUploadModesForUser(userID)
	_, discarded := d.uploads.Discard(userID)
	chats := d.chats.forget(userID)

	d.log.Info("User unfollowed", "user_id", userID, "states_cleared", states, "upload_modes_cleared", modes, "session_discarded", discarded, "chats_forgotten", chats)
}
