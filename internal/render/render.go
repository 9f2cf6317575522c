// Package render personalises message templates for one recipient.
package render

import (
	"strings"
	"unicode/utf8"

	"tgsender/internal/broadcast"
	"tgsender/internal/transport"
)

// MaxCallbackData is Telegram's limit for inline button callback data, in bytes.
const MaxCallbackData = 64

// Apply replaces {first_name}, {last_name}, {user_id}, {username} and any
// {key} present in r.Fields. Unknown placeholders are left as-is.
func Apply(text string, r broadcast.Recipient) string {
	if !strings.Contains(text, "{") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			break
		}
		end := strings.IndexByte(text[open+1:], '}')
		if end < 0 {
			b.WriteString(text)
			break
		}
		end += open + 1
		key := text[open+1 : end]
		b.WriteString(text[:open])
		if v, ok := lookup(r, key); ok {
			b.WriteString(v)
			text = text[end+1:]
			continue
		}
		// Not a placeholder: emit the brace and rescan after it.
		b.WriteByte('{')
		text = text[open+1:]
	}
	return b.String()
}

func lookup(r broadcast.Recipient, key string) (string, bool) {
	switch key {
	case "first_name":
		return r.FirstName, true
	case "last_name":
		return r.LastName, true
	case "user_id":
		return r.ID, true
	case "username":
		return r.Username, true
	}
	if key == "" || strings.ContainsAny(key, "{} \n") {
		return "", false
	}
	v, ok := r.Fields[key]
	return v, ok
}

// Buttons renders every button of the keyboard. The input is not modified.
func Buttons(rows [][]transport.Button, r broadcast.Recipient) [][]transport.Button {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]transport.Button, 0, len(rows))
	for _, row := range rows {
		nr := make([]transport.Button, 0, len(row))
		for _, btn := range row {
			nr = append(nr, transport.Button{
				Text:         Apply(btn.Text, r),
				URL:          Apply(btn.URL, r),
				CallbackData: truncateBytes(Apply(btn.CallbackData, r), MaxCallbackData),
			})
		}
		out = append(out, nr)
	}
	return out
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Renderer implements broadcast.Renderer.
type Renderer struct{}

func (Renderer) Render(r broadcast.Recipient, m broadcast.Message) broadcast.Message {
	return broadcast.Message{Text: Apply(m.Text, r), Buttons: Buttons(m.Buttons, r)}
}
