// Package config manages persistent agent settings for uplink.
// Settings are stored as JSON at os.UserConfigDir()/uplink/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all persistent agent settings.
type Config struct {
	Endpoint   string `json:"endpoint"`    // platform API base URL
	ChannelURL string `json:"channel_url"` // realtime channel websocket URL
	Token      string `json:"token"`       // bearer token (TokenFile wins when set)
	TokenFile  string `json:"token_file"`  // path to a file holding the token
	DataDir    string `json:"data_dir"`    // sqlite + payload root
	View       string `json:"view"`        // current view identity, e.g. "lesson", "call"
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	dataDir := "."
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "uplink", "data")
	}
	return Config{
		Endpoint:   "http://localhost:8080",
		ChannelURL: "ws://localhost:8080/rtc",
		DataDir:    dataDir,
		View:       "lesson",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "uplink", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Credential resolves the live bearer token. A token file is re-read on
// every call so rotated credentials take effect without a restart; jobs'
// enqueue-time snapshots are only a fallback.
func (c Config) Credential() string {
	if c.TokenFile != "" {
		if data, err := os.ReadFile(c.TokenFile); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				return tok
			}
		}
	}
	return c.Token
}

// OnCallView reports whether the given view identity already embeds calling
// UI. The realtime channel and the notification overlay are skipped there.
func OnCallView(view string) bool {
	switch view {
	case "call", "group-call":
		return true
	}
	return false
}
