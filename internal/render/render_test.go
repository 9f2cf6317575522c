package render

import (
	"strings"
	"testing"

	"tgsender/internal/broadcast"
	"tgsender/internal/transport"
)

func TestApply(t *testing.T) {
	t.Parallel()

	r := broadcast.Recipient{
		ID:        "42",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Username:  "ada",
		Fields:    map[string]string{"city": "London"},
	}
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"Hi {first_name} {last_name}!", "Hi Ada Lovelace!"},
		{"@{username} #{user_id}", "@ada #42"},
		{"from {city}", "from London"},
		{"{unknown} stays", "{unknown} stays"},
		{"{{first_name}}", "{Ada}"},
		{"<b>{first_name}</b> {", "<b>Ada</b> {"},
		{"{first_name}{first_name}", "AdaAda"},
	}
	for _, tc := range cases {
		if got := Apply(tc.in, r); got != tc.want {
			t.Fatalf("Apply(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestApply_MissingFieldsBecomeEmpty(t *testing.T) {
	t.Parallel()

	if got := Apply("Hi {first_name}, {username}", broadcast.Recipient{ID: "7"}); got != "Hi , " {
		t.Fatalf("got %q", got)
	}
}

func TestButtons(t *testing.T) {
	t.Parallel()

	r := broadcast.Recipient{ID: "42", FirstName: "Ada"}
	rows := [][]transport.Button{{
		{Text: "Hi {first_name}", URL: "https://example.com/u/{user_id}"},
		{Text: "Claim", CallbackData: "claim:{user_id}:" + strings.Repeat("é", 40)},
	}}
	got := Buttons(rows, r)
	if got[0][0].Text != "Hi Ada" || got[0][0].URL != "https://example.com/u/42" {
		t.Fatalf("button %+v", got[0][0])
	}
	cb := got[0][1].CallbackData
	if len(cb) > MaxCallbackData || !strings.HasPrefix(cb, "claim:42:") {
		t.Fatalf("callback %q (%d bytes)", cb, len(cb))
	}
	if rows[0][0].Text != "Hi {first_name}" {
		t.Fatalf("input keyboard was modified")
	}
	if Buttons(nil, r) != nil {
		t.Fatalf("nil keyboard should stay nil")
	}
}

func TestRenderer(t *testing.T) {
	t.Parallel()

	var rnd broadcast.Renderer = Renderer{}
	m := rnd.Render(broadcast.Recipient{ID: "1", FirstName: "Bo"}, broadcast.Message{Text: "Yo {first_name}"})
	if m.Text != "Yo Bo" {
		t.Fatalf("text %q", m.Text)
	}
}
