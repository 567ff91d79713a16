package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wayfarer/config.toml.
type Config struct {
	ServerURL      string `toml:"server_url"`
	DefaultProfile string `toml:"default_profile"`

	Engine Engine `toml:"engine"`
}

// Engine holds tuning knobs for the chat engine. Zero values are replaced
// with defaults on load.
type Engine struct {
	TypingTTL         duration `toml:"typing_ttl"`
	SendAckTimeout    duration `toml:"send_ack_timeout"`
	ReconnectBase     duration `toml:"reconnect_base"`
	ReconnectMax      duration `toml:"reconnect_max"`
	HistoryPageSize   int      `toml:"history_page_size"`
	MaxAttachmentSize int64    `toml:"max_attachment_size"`
}

// duration wraps time.Duration with TOML text (un)marshalling ("3s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a config with all engine knobs at their defaults.
func Defaults() *Config {
	return &Config{
		Engine: Engine{
			TypingTTL:         duration{3 * time.Second},
			SendAckTimeout:    duration{8 * time.Second},
			ReconnectBase:     duration{time.Second},
			ReconnectMax:      duration{30 * time.Second},
			HistoryPageSize:   50,
			MaxAttachmentSize: 10 << 20,
		},
	}
}

// Load reads config from the given path and fills in defaults for any
// engine knob left unset. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	def := Defaults()
	if c.Engine.TypingTTL.Duration == 0 {
		c.Engine.TypingTTL = def.Engine.TypingTTL
	}
	if c.Engine.SendAckTimeout.Duration == 0 {
		c.Engine.SendAckTimeout = def.Engine.SendAckTimeout
	}
	if c.Engine.ReconnectBase.Duration == 0 {
		c.Engine.ReconnectBase = def.Engine.ReconnectBase
	}
	if c.Engine.ReconnectMax.Duration == 0 {
		c.Engine.ReconnectMax = def.Engine.ReconnectMax
	}
	if c.Engine.HistoryPageSize == 0 {
		c.Engine.HistoryPageSize = def.Engine.HistoryPageSize
	}
	if c.Engine.MaxAttachmentSize == 0 {
		c.Engine.MaxAttachmentSize = def.Engine.MaxAttachmentSize
	}
}
