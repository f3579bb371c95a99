package app

import (
	"time"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/notifier"
	"courier/internal/protocol"
	"courier/internal/server"
	"courier/internal/storage"
	"courier/pkg/logx"
)

// The mapping helpers translate the string-typed on-disk config into the
// typed component configs. They are also run by the reload validator, so a
// bad edit is rejected before anything restarts.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	read, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:            cfg.Server.Addr,
		Secret:          cfg.Server.Secret,
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	backoff, err := config.ParseDurationOrDefault("dispatch.backoff_base", cfg.Dispatch.BackoffBase, 2*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	pmin, err := config.ParseDurationOrDefault("dispatch.pacing_min", cfg.Dispatch.PacingMin, 3*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	pmax, err := config.ParseDurationOrDefault("dispatch.pacing_max", cfg.Dispatch.PacingMax, 7*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("dispatch.poll_interval", cfg.Dispatch.PollInterval, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 60*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("dispatch.failed_retention", cfg.Dispatch.FailedRetention, 7*24*time.Hour)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		BackoffBase:     backoff,
		PacingMin:       pmin,
		PacingMax:       pmax,
		PollInterval:    poll,
		SendTimeout:     sendTimeout,
		FailedRetention: retention,
		JanitorSchedule: cfg.Dispatch.JanitorSchedule,
	}, nil
}

func mapWebhookConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Webhook == nil {
		return notifier.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("webhook.retry_base", cfg.Webhook.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		URL:        cfg.Webhook.URL,
		Secret:     cfg.Webhook.Secret,
		Workers:    cfg.Webhook.Workers,
		QueueSize:  cfg.Webhook.QueueSize,
		RatePerSec: cfg.Webhook.RatePerSec,
		Timeout:    timeout,
		RetryMax:   cfg.Webhook.RetryMax,
		RetryBase:  retryBase,
	}, nil
}

func mapBridgeConfig(cfg *config.Config) (protocol.BridgeConfig, error) {
	sendTimeout, err := config.ParseDurationOrDefault("bridge.send_timeout", cfg.Bridge.SendTimeout, 45*time.Second)
	if err != nil {
		return protocol.BridgeConfig{}, err
	}
	return protocol.BridgeConfig{
		Command:     cfg.Bridge.Command,
		DataDir:     cfg.Bridge.DataDir,
		SendTimeout: sendTimeout,
	}, nil
}
