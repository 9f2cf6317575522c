package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgsender/internal/broadcast"
	"tgsender/internal/config"
	"tgsender/internal/notifier"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const (
	defaultAPIAddr     = "127.0.0.1:8080"
	defaultEventsQueue = "tgsender.runs"
	defaultParseMode   = "HTML"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeliverySettings(cfg *config.Config) (broadcast.Settings, error) {
	if cfg == nil {
		return broadcast.Settings{}, nil
	}
	d := cfg.Delivery
	delay, err := config.ParseDurationOrDefault("delivery.default_delay", d.DefaultDelay, time.Second)
	if err != nil {
		return broadcast.Settings{}, err
	}
	grace, err := config.ParseDurationOrDefault("delivery.reconcile_grace", d.ReconcileGrace, 2*time.Second)
	if err != nil {
		return broadcast.Settings{}, err
	}
	loc, err := loadLocation(d.Timezone)
	if err != nil {
		return broadcast.Settings{}, err
	}
	return broadcast.Settings{
		DefaultDelay:        delay,
		CountFailedAttempts: d.CountFailedAttempts,
		LedgerCap:           d.LedgerCap,
		RunHistoryCap:       d.RunHistoryCap,
		ReconcileGrace:      grace,
		Location:            loc,
	}, nil
}

// mapNotifierConfig treats a missing notifier section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Minute}
	if cfg == nil {
		return out, nil
	}
	loc, err := loadLocation(cfg.Delivery.Timezone)
	if err != nil {
		return notifier.Config{}, err
	}
	out.Location = loc
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	out.Enabled = n.Enabled
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// operatorChat returns the operator chat id, or 0 when unset or invalid.
func operatorChat(cfg *config.Config) int64 {
	s := strings.TrimSpace(cfg.Telegram.OperatorChat)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseMode(cfg *config.Config) string {
	if pm := strings.TrimSpace(cfg.Telegram.ParseMode); pm != "" {
		return pm
	}
	return defaultParseMode
}

func apiAddr(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.API.Addr); a != "" {
		return a
	}
	return defaultAPIAddr
}

func eventsTarget(cfg *config.Config) (url, queue string) {
	if cfg.Events == nil {
		return "", ""
	}
	url = strings.TrimSpace(cfg.Events.AMQPURL)
	queue = strings.TrimSpace(cfg.Events.Queue)
	if queue == "" {
		queue = defaultEventsQueue
	}
	return url, queue
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("delivery.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// validate is the hot-reload gate: the static checks plus every mapping the
// reload path runs.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliverySettings(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}
