package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	Text          string
	IsPrivate     bool
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline keyboard button. Exactly one of URL or CallbackData
// is expected to be set; an empty pair renders as a callback with the text.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons are laid out as rows of an inline keyboard on the first chunk.
	Buttons [][]Button
}

// TextSender is the minimal outbound surface used by logging and notifications.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	TextSender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
