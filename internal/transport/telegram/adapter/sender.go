package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tgsender/internal/broadcast"
	kit "tgsender/internal/transport"
)

// BroadcastSender delivers engine messages through a TextSender. Recipient
// IDs are Telegram chat IDs.
type BroadcastSender struct {
	Out       kit.TextSender
	ParseMode string
}

func (s BroadcastSender) SendOne(ctx context.Context, r broadcast.Recipient, m broadcast.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(r.ID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", r.ID)
	}
	_, err = s.Out.SendText(ctx, kit.ChatTarget{ChatID: chatID}, m.Text, &kit.SendOptions{
		ParseMode: s.ParseMode,
		Buttons:   m.Buttons,
	})
	return err
}
