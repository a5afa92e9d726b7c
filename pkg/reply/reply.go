// Package reply renders dispatcher outcomes into plain chat messages with
// optional postback buttons.
package reply

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"lotbot/pkg/bus"
	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/lots"
	"lotbot/pkg/upload"
)

// Message is one outbound chat message.
type Message = bus.Message

// Button is one tappable postback choice.
type Button = bus.Button

const (
	maxDateButtons  = 10
	maxImageButtons = 10
)

// Renderer builds user-facing messages. It holds the alias table so help
// text always matches the registered tokens.
type Renderer struct {
	table *command.Table
}

func NewRenderer(table *command.Table) *Renderer {
	if table == nil {
		table = command.DefaultTable()
	}
	return &Renderer{table: table}
}

func text(format string, args ...any) []Message {
	return []Message{{Text: fmt.Sprintf(format, args...)}}
}

func (r *Renderer) cmd(key command.Key) string {
	return r.table.Primary(key)
}

// Welcome greets a user who started or re-added the bot.
func (r *Renderer) Welcome() []Message {
	return []Message{{Text: "Welcome! I keep lot photos organized by lot number and date.\n\n" + r.helpBody()}}
}

// Help lists every command with its aliases.
func (r *Renderer) Help() []Message {
	return []Message{{Text: r.helpBody()}}
}

func (r *Renderer) helpBody() string {
	rows := []struct {
		key  command.Key
		args string
		desc string
	}{
		{command.KeyUpload, "LOT", "start sending photos for a lot"},
		{command.KeyView, "LOT", "browse photos of a lot by date"},
		{command.KeyDelete, "LOT", "delete the photos of a lot on one date"},
		{command.KeyCorrect, "LOT [DATE]", "move photos to another lot"},
		{command.KeyStatus, "", "show pending uploads"},
		{command.KeyCancel, "", "stop the current step"},
		{command.KeyHelp, "", "show this help"},
	}

	var b strings.Builder
	b.WriteString("Commands:")
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(r.cmd(row.key))
		if row.args != "" {
			b.WriteString(" " + row.args)
		}
		b.WriteString(" - " + row.desc)
		if aliases := r.aliases(row.key); aliases != "" {
			b.WriteString(" (" + aliases + ")")
		}
	}
	b.WriteString("\n\nYou can also just send photos and tell me the lot afterwards.")
	return b.String()
}

func (r *Renderer) aliases(key command.Key) string {
	primary := r.cmd(key)
	var out []string
	for _, token := range r.table.Tokens(key) {
		if token != primary {
			out = append(out, token)
		}
	}
	return strings.Join(out, ", ")
}

// Fallback answers text the bot did not understand in a direct chat.
func (r *Renderer) Fallback() []Message {
	return text("Sorry, I didn't understand that. Send %s to see what I can do.", r.cmd(command.KeyHelp))
}

// UnknownAction answers a button the bot cannot process.
func (r *Renderer) UnknownAction() []Message {
	return text("Sorry, I can't process that action.")
}

// Cancelled acknowledges a cancel that cleared state.
func (r *Renderer) Cancelled(discarded int) []Message {
	if discarded > 0 {
		return text("Cancelled. %d pending photo(s) were discarded.", discarded)
	}
	return text("Cancelled.")
}

// NothingToCancel answers a cancel from Idle.
func (r *Renderer) NothingToCancel() []Message {
	return text("There is nothing to cancel.")
}

// AskLot asks for a lot number for the given flow.
func (r *Renderer) AskLot(flow command.Key, pending int) []Message {
	switch flow {
	case command.KeyUpload:
		if pending > 0 {
			return text("Got %d photo(s). Which lot number are they for?", pending)
		}
		return text("Which lot number are you uploading for?")
	case command.KeyView:
		return text("Which lot number do you want to view?")
	case command.KeyDelete:
		return text("Which lot number do you want to delete from?")
	case command.KeyCorrect:
		return text("Which lot number needs correcting?")
	default:
		return text("Which lot number?")
	}
}

// InvalidInput asks the user to retry after a validation failure.
func (r *Renderer) InvalidInput(detail string) []Message {
	return text("%s. Please try again or send %s.", capitalize(detail), r.cmd(command.KeyCancel))
}

// NotFound is an informational reply for missing data.
func (r *Renderer) NotFound(detail string) []Message {
	return text("%s.", capitalize(detail))
}

// Failure reports an unexpected error without internal detail.
func (r *Renderer) Failure() []Message {
	return text("Something went wrong. Please try again in a moment.")
}

// GroupUsage explains that a command needs its argument in group chats.
func (r *Renderer) GroupUsage(key command.Key) []Message {
	return text("In group chats please include the lot number, e.g. %s LOT-100.", r.cmd(key))
}

// DirectOnly explains that a command only works in a direct chat.
func (r *Renderer) DirectOnly(key command.Key) []Message {
	return text("Please use %s in a direct chat with me.", r.cmd(key))
}

// Busy answers photos sent while another step waits for text.
func (r *Renderer) Busy() []Message {
	return text("Please finish the current step first, or send %s.", r.cmd(command.KeyCancel))
}

// UploadModeOn confirms that photos sent to this chat go to lot.
func (r *Renderer) UploadModeOn(lot string) []Message {
	return text("Upload mode on for lot %s. Send your photos now; send %s when you're done.", lot, r.cmd(command.KeyCancel))
}

// LotAssigned confirms the lot of photos that arrived before it was named.
func (r *Renderer) LotAssigned(lot string, count int) []Message {
	return text("Got it. Saving %d photo(s) to lot %s.", count, lot)
}

// FlushResult reports how a batch was stored.
func (r *Renderer) FlushResult(result upload.FlushResult) []Message {
	batch := result.Batch
	total := result.Total()
	date := lots.FormatDate(batch.Date)

	if result.Err != nil && result.Outcome.Succeeded == 0 {
		return text("Could not save the %d photo(s) for lot %s. Please send them again.", total, batch.Lot)
	}
	if result.Outcome.Failed > 0 {
		return text("Saved %d of %d photo(s) to lot %s (%s). %d could not be saved.", result.Outcome.Succeeded, total, batch.Lot, date, result.Outcome.Failed)
	}
	return text("Saved %d photo(s) to lot %s (%s).", result.Outcome.Succeeded, batch.Lot, date)
}

// DatePicker offers one button per date for the view or delete flow.
func (r *Renderer) DatePicker(flow command.Key, lot string, dates []time.Time) []Message {
	verb := "view"
	if flow == command.KeyDelete {
		verb = "delete"
	}

	msg := Message{Text: fmt.Sprintf("Lot %s has photos on %d date(s). Pick a date to %s, or type it as YYYY-MM-DD.", lot, len(dates), verb)}
	for i, date := range dates {
		if i == maxDateButtons {
			break
		}
		key := lots.FormatDate(date)
		msg.Buttons = append(msg.Buttons, Button{
			Label: key,
			Data:  event.EncodePostback(event.ActionSelectDate, event.ParamFlow, string(flow), event.ParamLot, lot, event.ParamDate, key),
		})
	}
	msg.Buttons = append(msg.Buttons, cancelButton())
	return []Message{msg}
}

// DateList lists the dates of a lot as text for chats where buttons cannot
// be used.
func (r *Renderer) DateList(lot string, dates []time.Time) []Message {
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, lots.FormatDate(date))
	}
	return text("Lot %s has photos on: %s. Send %s %s YYYY-MM-DD to list them.", lot, strings.Join(keys, ", "), r.cmd(command.KeyView), lot)
}

// PlainImageList is ImageList without buttons.
func (r *Renderer) PlainImageList(lot lots.Lot, date time.Time, images []lots.Image) []Message {
	msgs := r.ImageList(lot, date, images)
	for i := range msgs {
		msgs[i].Buttons = nil
	}
	return msgs
}

// ImageList shows the photos of a lot on one date.
func (r *Renderer) ImageList(lot lots.Lot, date time.Time, images []lots.Image) []Message {
	key := lots.FormatDate(date)

	var b strings.Builder
	fmt.Fprintf(&b, "Lot %s, %s: %d photo(s)", lot.Number, key, len(images))
	for _, img := range images {
		fmt.Fprintf(&b, "\n%d. %s", img.Seq, img.Filename)
	}

	msg := Message{Text: b.String()}
	for i, img := range images {
		if i == maxImageButtons {
			break
		}
		msg.Buttons = append(msg.Buttons, Button{
			Label: "Delete " + strconv.Itoa(img.Seq),
			Data:  event.EncodePostback(event.ActionDeleteImage, event.ParamImageID, strconv.FormatInt(img.ID, 10)),
		})
	}
	msg.Buttons = append(msg.Buttons,
		Button{Label: "Share", Data: event.EncodePostback(event.ActionShare, event.ParamLot, lot.Number, event.ParamDate, key)},
		Button{Label: "Delete all", Data: event.EncodePostback(event.ActionDelete, event.ParamLot, lot.Number, event.ParamDate, key)},
	)
	return []Message{msg}
}

// ConfirmDelete asks before removing a whole date.
func (r *Renderer) ConfirmDelete(lot string, date time.Time, count int) []Message {
	key := lots.FormatDate(date)
	return []Message{{
		Text: fmt.Sprintf("Delete all %d photo(s) of lot %s on %s? This cannot be undone.", count, lot, key),
		Buttons: []Button{
			{Label: "Yes, delete", Data: event.EncodePostback(event.ActionConfirmDelete, event.ParamLot, lot, event.ParamDate, key)},
			cancelButton(),
		},
	}}
}

// Deleted confirms a date deletion.
func (r *Renderer) Deleted(lot string, date time.Time, count int) []Message {
	return text("Deleted %d photo(s) of lot %s on %s.", count, lot, lots.FormatDate(date))
}

// ImageDeleted confirms a single-image deletion.
func (r *Renderer) ImageDeleted(img lots.Image) []Message {
	return text("Deleted %s.", img.Filename)
}

// AskNewLot asks for the corrected lot number.
func (r *Renderer) AskNewLot(lot string, date string) []Message {
	if date != "" {
		return text("What is the correct lot number for the %s photos of lot %s?", date, lot)
	}
	return text("What is the correct lot number for the photos of lot %s?", lot)
}

// Corrected confirms a lot correction.
func (r *Renderer) Corrected(result lots.CorrectResult) []Message {
	if result.Failed > 0 {
		return text("Moved %d photo(s) from lot %s to lot %s. %d could not be moved.", result.Moved, result.From.Number, result.To.Number, result.Failed)
	}
	return text("Moved %d photo(s) from lot %s to lot %s.", result.Moved, result.From.Number, result.To.Number)
}

// ShareSummary is pushed to the share target.
func (r *Renderer) ShareSummary(lot lots.Lot, date time.Time, images []lots.Image) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Lot %s, %s: %d photo(s)", lot.Number, lots.FormatDate(date), len(images))
	for _, img := range images {
		fmt.Fprintf(&b, "\n- %s", img.Filename)
	}
	return []Message{{Text: b.String()}}
}

// Shared confirms a share.
func (r *Renderer) Shared(lot string, target string) []Message {
	if target == "" {
		return text("Here is the summary for lot %s. Forward it wherever you need it.", lot)
	}
	return text("Shared lot %s.", lot)
}

// Status describes the caller's pending work.
type Status struct {
	State        string
	Flow         string
	UploadLot    string
	PendingItems int
	PendingLot   string
}

// StatusReport renders Status.
func (r *Renderer) StatusReport(s Status) []Message {
	var b strings.Builder
	if s.State == "" || s.State == "idle" {
		b.WriteString("Nothing in progress.")
	} else {
		fmt.Fprintf(&b, "Waiting for input (%s", s.State)
		if s.Flow != "" {
			fmt.Fprintf(&b, ", %s", s.Flow)
		}
		b.WriteString(").")
	}
	if s.UploadLot != "" {
		fmt.Fprintf(&b, "\nUpload mode: lot %s.", s.UploadLot)
	}
	if s.PendingItems > 0 {
		lot := s.PendingLot
		if lot == "" {
			lot = "no lot yet"
		}
		fmt.Fprintf(&b, "\nPending photos: %d (%s).", s.PendingItems, lot)
	}
	return []Message{{Text: b.String()}}
}

func cancelButton() Button {
	return Button{Label: "Cancel", Data: event.EncodePostback(event.ActionCancel)}
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Invalid input"
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + s[size:]
}
