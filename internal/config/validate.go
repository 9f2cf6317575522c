package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate rejects configs that would fail at startup or on hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	if s := strings.TrimSpace(cfg.Telegram.OperatorChat); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("telegram.operator_chat: invalid chat id %q", s)
		}
	}

	d := cfg.Delivery
	if _, err := ParseDurationField("delivery.default_delay", d.DefaultDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("delivery.reconcile_grace", d.ReconcileGrace); err != nil {
		return err
	}
	if d.LedgerCap < 0 {
		return fmt.Errorf("delivery.ledger_cap must be >= 0")
	}
	if d.RunHistoryCap < 0 {
		return fmt.Errorf("delivery.run_history_cap must be >= 0")
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("delivery.timezone: invalid %q: %w", tz, err)
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return fmt.Errorf("notifier: queue_size, rate_per_sec and retry_max must be >= 0")
		}
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return err
		}
	}

	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver)
			}
		case "postgres", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn is required when storage.driver=%s", s.Driver)
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
	}

	if e := cfg.Events; e != nil && strings.TrimSpace(e.AMQPURL) != "" && !strings.HasPrefix(e.AMQPURL, "amqp") {
		return fmt.Errorf("events.amqp_url must use amqp:// or amqps://")
	}
	return nil
}
