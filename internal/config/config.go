package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for ghl-bridge.
type Config struct {
	// GHL marketplace app credentials.
	ClientID     string `env:"GHL_CLIENT_ID"`
	ClientSecret string `env:"GHL_CLIENT_SECRET"`
	RedirectURI  string `env:"GHL_REDIRECT_URI"`

	// Space-delimited scopes requested during authorization.
	Scopes string `env:"GHL_SCOPES" envDefault:"products.readonly products.write products/prices.write medias.readonly medias.write locations.readonly"`

	// UserType is sent with token requests. Location tokens are required
	// by the product and media endpoints.
	UserType string `env:"GHL_USER_TYPE" envDefault:"Location"`

	APIBaseURL string `env:"GHL_API_BASE_URL" envDefault:"https://services.leadconnectorhq.com"`
	AuthURL    string `env:"GHL_AUTH_URL" envDefault:"https://marketplace.gohighlevel.com/oauth/chooselocation"`
	APIVersion string `env:"GHL_API_VERSION" envDefault:"2021-07-28"`

	// HTTP server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3000"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// State database. Defaults to ~/.ghl-bridge/state.db.
	StatePath string `env:"STATE_PATH"`

	// StatePassphrase seals tokens at rest. Required in production.
	StatePassphrase string `env:"STATE_PASSPHRASE"`

	// Bridge API keys, "user1:gb_key1,user2:gb_key2".
	APIKeys string `env:"BRIDGE_API_KEYS"`

	// Refresh policy
	RefreshLeadFraction float64       `env:"REFRESH_LEAD_FRACTION" envDefault:"0.8"`
	RefreshMinDelay     time.Duration `env:"REFRESH_MIN_DELAY" envDefault:"5m"`
	RefreshMaxAttempts  int           `env:"REFRESH_MAX_ATTEMPTS" envDefault:"3"`
	RefreshConcurrency  int           `env:"REFRESH_CONCURRENCY" envDefault:"4"`

	// MediaMaxBytes caps multipart uploads accepted by the media proxy.
	MediaMaxBytes int64 `env:"MEDIA_MAX_BYTES" envDefault:"26214400"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the client secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("GHL_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("GHL_CLIENT_SECRET is required")
	}

	if c.RedirectURI == "" {
		return fmt.Errorf("GHL_REDIRECT_URI is required")
	}

	if !models.AuthClass(c.UserType).Valid() {
		return fmt.Errorf("GHL_USER_TYPE must be Location or Company, got %q", c.UserType)
	}

	if c.APIKeys == "" {
		return fmt.Errorf("BRIDGE_API_KEYS is required")
	}

	if c.IsProduction() && c.StatePassphrase == "" {
		return fmt.Errorf("STATE_PASSPHRASE is required in production")
	}

	if c.RefreshLeadFraction <= 0 || c.RefreshLeadFraction >= 1 {
		return fmt.Errorf("REFRESH_LEAD_FRACTION must be between 0 and 1 exclusive, got %v", c.RefreshLeadFraction)
	}

	if c.RefreshMinDelay <= 0 {
		return fmt.Errorf("REFRESH_MIN_DELAY must be positive")
	}

	if c.RefreshMaxAttempts < 1 {
		return fmt.Errorf("REFRESH_MAX_ATTEMPTS must be at least 1")
	}

	if c.RefreshConcurrency < 1 {
		return fmt.Errorf("REFRESH_CONCURRENCY must be at least 1")
	}

	if c.MediaMaxBytes <= 0 {
		return fmt.Errorf("MEDIA_MAX_BYTES must be positive")
	}

	return nil
}

// DefaultStatePath returns ~/.ghl-bridge/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ghl-bridge", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ScopeList splits the configured scopes on whitespace.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from BRIDGE_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the BRIDGE_API_KEYS string.
// Format: "user1:gb_key1,user2:gb_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in BRIDGE_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
