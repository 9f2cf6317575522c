package config

import (
	"reflect"
	"strings"

	logx "tgsender/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes tokens or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.OperatorChat) != strings.TrimSpace(nt.OperatorChat) ||
		!reflect.DeepEqual(ot.OperatorIDs, nt.OperatorIDs) ||
		ot.RatePerSec != nt.RatePerSec ||
		ot.ParseMode != nt.ParseMode ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.operator_chat_set", strings.TrimSpace(nt.OperatorChat) != ""),
			logx.Int("telegram.operator_count", len(nt.OperatorIDs)),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.default_delay", newCfg.Delivery.DefaultDelay),
			logx.Bool("delivery.count_failed_attempts", newCfg.Delivery.CountFailedAttempts),
			logx.Int("delivery.ledger_cap", newCfg.Delivery.LedgerCap),
			logx.Int("delivery.run_history_cap", newCfg.Delivery.RunHistoryCap),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs, logx.Bool("api.enabled", newCfg.API.Enabled), logx.String("api.addr", newCfg.API.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "api", "events", "telegram":
			out = append(out, s)
		}
	}
	return out
}
