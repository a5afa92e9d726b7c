package event

import (
	"fmt"
	"net/url"
	"strings"
)

// Postback actions understood by the dispatcher.
const (
	ActionSelectDate    = "select_date"
	ActionView          = "view"
	ActionDelete        = "delete"
	ActionConfirmDelete = "confirm_delete"
	ActionDeleteImage   = "delete_image"
	ActionShare         = "share"
	ActionCancel        = "cancel"
)

// Postback parameter names.
const (
	ParamAction  = "action"
	ParamLot     = "lot"
	ParamDate    = "date"
	ParamImageID = "image_id"
	ParamFlow    = "flow"
	ParamTarget  = "target"
)

// Params is a parsed postback payload.
type Params struct {
	Action string
	Values url.Values
}

// Get returns the first value for key.
func (p Params) Get(key string) string {
	if p.Values == nil {
		return ""
	}
	return strings.TrimSpace(p.Values.Get(key))
}

// ParsePostback decodes a URL-encoded postback payload.
func ParsePostback(data string) (Params, error) {
	values, err := url.ParseQuery(strings.TrimSpace(data))
	if err != nil {
		return Params{}, fmt.Errorf("parse postback data: %w", err)
	}

	return Params{Action: strings.TrimSpace(values.Get(ParamAction)), Values: values}, nil
}

// EncodePostback builds a postback payload for action with key/value pairs.
// Keys are emitted in argument order so payloads stay short and stable.
func EncodePostback(action string, pairs ...string) string {
	var b strings.Builder
	b.WriteString(ParamAction)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(action))

	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(pairs[i]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pairs[i+1]))
	}

	return b.String()
}
