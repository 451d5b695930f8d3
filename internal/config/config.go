// Package config loads engine-wide settings from a .env file in the
// project root, overridable by environment variables, the same
// find-project-root/.env shape and override order the teacher's
// device config loader uses (internal/config/config.go in the
// original project this engine was adapted from), generalized from a
// single device IP/user/password to the cloud endpoints, credentials,
// and default timeouts the flashing engine needs regardless of which
// vendor backend is in use.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EngineConfig holds settings shared across all vendor orchestrators:
// where to reach the loader-match and DA/FDL-signing cloud services,
// the credentials to present to them, and default per-operation
// timeouts. The timeouts are loaded and overridable here only: the
// orchestrators and their watchdogs use their own per-phase constants
// and do not read these fields.
type EngineConfig struct {
	CloudBaseURL   string
	CloudAPIKey    string
	RPCListenAddr  string
	AgentListenAddr string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	FlashTimeout     time.Duration
	DefaultTimeout   time.Duration
}

var (
	engineConfig *EngineConfig
	configLoaded bool
)

func defaults() *EngineConfig {
	return &EngineConfig{
		RPCListenAddr:    "127.0.0.1:9090",
		AgentListenAddr:  "127.0.0.1:8088",
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		FlashTimeout:     10 * time.Minute,
		DefaultTimeout:   30 * time.Second,
	}
}

// Load reads engine-wide settings from a .env file in the project
// root, then lets environment variables override anything the file
// set. Subsequent calls return the first result; tests that need a
// fresh load should construct an EngineConfig directly instead.
func Load() (*EngineConfig, error) {
	if engineConfig != nil && configLoaded {
		return engineConfig, nil
	}

	cfg := defaults()

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	if cfg.CloudAPIKey == "" {
		if credPath := os.Getenv("FLASHENGINE_CRED_FILE"); credPath != "" {
			if passphrase := os.Getenv("FLASHENGINE_CRED_PASSPHRASE"); passphrase != "" {
				if key, err := LoadCachedAPIKey(credPath, passphrase); err == nil {
					cfg.CloudAPIKey = key
				}
			}
		}
	}

	engineConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *EngineConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		setField(cfg, key, value)
	}
}

func applyEnvOverrides(cfg *EngineConfig) {
	for _, key := range []string{
		"FLASHENGINE_CLOUD_BASE_URL",
		"FLASHENGINE_CLOUD_API_KEY",
		"FLASHENGINE_RPC_LISTEN_ADDR",
		"FLASHENGINE_AGENT_LISTEN_ADDR",
		"FLASHENGINE_CONNECT_TIMEOUT",
		"FLASHENGINE_HANDSHAKE_TIMEOUT",
		"FLASHENGINE_FLASH_TIMEOUT",
		"FLASHENGINE_DEFAULT_TIMEOUT",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *EngineConfig, key, value string) {
	switch key {
	case "FLASHENGINE_CLOUD_BASE_URL":
		cfg.CloudBaseURL = value
	case "FLASHENGINE_CLOUD_API_KEY":
		cfg.CloudAPIKey = value
	case "FLASHENGINE_RPC_LISTEN_ADDR":
		cfg.RPCListenAddr = value
	case "FLASHENGINE_AGENT_LISTEN_ADDR":
		cfg.AgentListenAddr = value
	case "FLASHENGINE_CONNECT_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.ConnectTimeout = d
		}
	case "FLASHENGINE_HANDSHAKE_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.HandshakeTimeout = d
		}
	case "FLASHENGINE_FLASH_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.FlashTimeout = d
		}
	case "FLASHENGINE_DEFAULT_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.DefaultTimeout = d
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// MustLoad loads the engine configuration, panicking if a cloud base
// URL is required by the caller's context but was never set. Callers
// that don't need cloud connectivity should use Load instead.
func MustLoad() EngineConfig {
	cfg, _ := Load()
	if cfg.CloudBaseURL == "" {
		panic("FLASHENGINE_CLOUD_BASE_URL must be set in the environment or .env file")
	}
	return *cfg
}
