package broadcast

import (
	"context"

	"tgsender/internal/transport"
)

// Recipient is one addressable user plus the display fields used for personalisation.
type Recipient struct {
	ID        string            `json:"id"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
	Username  string            `json:"username,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Message is the unrendered (template) or rendered content of one send.
type Message struct {
	Text    string               `json:"text"`
	Buttons [][]transport.Button `json:"buttons,omitempty"`
}

// Sender performs one network send. A nil error is success; any error is a
// per-recipient failure. The engine never retries within a run.
type Sender interface {
	SendOne(ctx context.Context, r Recipient, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, r Recipient, m Message) error

func (f SenderFunc) SendOne(ctx context.Context, r Recipient, m Message) error { return f(ctx, r, m) }

// Renderer personalises a message for one recipient. It must be pure.
type Renderer interface {
	Render(r Recipient, m Message) Message
}

type identityRenderer struct{}

func (identityRenderer) Render(_ Recipient, m Message) Message { return m }

// RecipientResolver turns persisted recipient IDs back into full records.
// Unknown IDs must be returned as bare recipients, in input order.
type RecipientResolver interface {
	Resolve(ctx context.Context, ids []string) []Recipient
}

func bareRecipients(ids []string) []Recipient {
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, Recipient{ID: id})
	}
	return out
}
