package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the parts of the config that cannot be defaulted away.
// It is also the Watch() validator, so a broken edit never reaches the
// running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Secret) == "" {
		return errors.New("server.secret is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"dispatch.backoff_base", cfg.Dispatch.BackoffBase},
		{"dispatch.poll_interval", cfg.Dispatch.PollInterval},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.failed_retention", cfg.Dispatch.FailedRetention},
		{"bridge.send_timeout", cfg.Bridge.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	pmin, err := ParseDurationField("dispatch.pacing_min", cfg.Dispatch.PacingMin)
	if err != nil {
		return err
	}
	pmax, err := ParseDurationField("dispatch.pacing_max", cfg.Dispatch.PacingMax)
	if err != nil {
		return err
	}
	if pmin > 0 && pmax > 0 && pmax <= pmin {
		return errors.New("dispatch.pacing_max must be greater than dispatch.pacing_min")
	}

	if s := strings.TrimSpace(cfg.Dispatch.JanitorSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("dispatch.janitor_schedule: %w", err)
		}
	}

	if cfg.Webhook != nil {
		u := strings.TrimSpace(cfg.Webhook.URL)
		if u == "" {
			return errors.New("webhook.url is required when the webhook section is present")
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("webhook.url: invalid url %q", u)
		}
		if _, err := ParseDurationField("webhook.timeout", cfg.Webhook.Timeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("webhook.retry_base", cfg.Webhook.RetryBase); err != nil {
			return err
		}
	}

	if cfg.Storage != nil {
		switch strings.TrimSpace(cfg.Storage.Driver) {
		case "", "memory":
		case "sqlite":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				return errors.New("storage.path is required for the sqlite driver")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if strings.TrimSpace(cfg.Bridge.Command) == "" {
		return errors.New("bridge.command is required")
	}
	if strings.TrimSpace(cfg.Bridge.DataDir) == "" {
		return errors.New("bridge.data_dir is required")
	}
	return nil
}
