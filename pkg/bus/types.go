package bus

// Button is a tappable choice attached to an outbound message. Data is the
// postback payload delivered back when the button is tapped.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Message is one rendered outbound chat message.
type Message struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// OutboundMessage addresses messages to a chat. A non-empty ReplyToken
// answers a specific inbound event; otherwise the messages are pushed to
// ChatID.
type OutboundMessage struct {
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id,omitempty"`
	ReplyToken string    `json:"reply_token,omitempty"`
	Messages   []Message `json:"messages"`
}

// IsReply reports whether the message answers an inbound event.
func (m OutboundMessage) IsReply() bool {
	return m.ReplyToken != ""
}
