package main

import (
	"fmt"
	"os"
	"time"

	"github.com/framefeed/opsync"
	"github.com/framefeed/opsync/poller"
	"github.com/framefeed/opsync/store"
	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk TOML shape. Durations are seconds.
type fileConfig struct {
	Backend struct {
		URL            string `toml:"url"`
		ChannelPath    string `toml:"channel_path"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"backend"`

	Channel struct {
		InitialBackoffMS int `toml:"initial_backoff_ms"`
		MaxBackoffMS     int `toml:"max_backoff_ms"`
		PingSeconds      int `toml:"ping_seconds"`
	} `toml:"channel"`

	Poll []struct {
		Class           string `toml:"class"`
		IntervalSeconds int    `toml:"interval_seconds"`
		Disabled        bool   `toml:"disabled"`
		Full            bool   `toml:"full"`
	} `toml:"poll"`

	Store struct {
		DedupWindowSeconds int  `toml:"dedup_window_seconds"`
		Metrics            bool `toml:"metrics"`
	} `toml:"store"`

	CredentialPath string `toml:"credential_path"`
	Bind           string `toml:"bind"`
	SentryDSN      string `toml:"sentry_dsn"`
}

func loadConfig(path string) (opsync.Config, string, string, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return opsync.Config{}, "", "", fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(raw, &fc); err != nil {
			return opsync.Config{}, "", "", fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := opsync.Config{
		BackendURL:            fc.Backend.URL,
		ChannelPath:           fc.Backend.ChannelPath,
		HTTPTimeout:           time.Duration(fc.Backend.TimeoutSeconds) * time.Second,
		ChannelInitialBackoff: time.Duration(fc.Channel.InitialBackoffMS) * time.Millisecond,
		ChannelMaxBackoff:     time.Duration(fc.Channel.MaxBackoffMS) * time.Millisecond,
		ChannelPingInterval:   time.Duration(fc.Channel.PingSeconds) * time.Second,
		DedupWindow:           time.Duration(fc.Store.DedupWindowSeconds) * time.Second,
		CredentialPath:        fc.CredentialPath,
		EnableMetrics:         fc.Store.Metrics,
	}
	for _, p := range fc.Poll {
		cfg.Poll = append(cfg.Poll, poller.ClassConfig{
			Class:    store.Class(p.Class),
			Interval: time.Duration(p.IntervalSeconds) * time.Second,
			Enabled:  !p.Disabled,
			Full:     p.Full,
		})
	}
	return cfg, fc.Bind, fc.SentryDSN, nil
}
