package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        3008,
			WebhookPath: "/hook",
			MaxBodySize: 1 << 20,
			IngressRPM:  600,
			ExitDelay:   Duration(time.Second),
			EventsPath:  "/events",
		},
		Buffer: BufferConfig{
			TextWindow:           Duration(3 * time.Second),
			OperationsTextWindow: Duration(time.Second),
			MediaWindow:          Duration(3 * time.Second),
			PresenceWindow:       Duration(5 * time.Second),
			VoiceWindow:          Duration(5 * time.Second),
			MaxFragments:         50,
			MaxHolds:             3,
			IdleMaxAge:           Duration(15 * time.Minute),
		},
		Lock: LockConfig{
			StaleAfter:    Duration(15 * time.Minute),
			QueueAlert:    5,
			SweepInterval: Duration(time.Minute),
		},
		Sessions: SessionsConfig{
			Dir:           "~/.goconcierge/data",
			SaveInterval:  Duration(5 * time.Minute),
			BackupKeep:    10,
			Retention:     Duration(720 * time.Hour),
			ActiveWindow:  Duration(168 * time.Hour),
			SweepSchedule: "@hourly",
		},
		Context: ContextConfig{
			HistoryTTL:        Duration(time.Hour),
			RelevantTTL:       Duration(time.Minute),
			MarkerTTL:         Duration(5 * time.Minute),
			RecentWindow:      Duration(time.Hour),
			CompressThreshold: 50,
			MaxLines:          100,
			HistoryFetch:      50,
			Timezone:          "America/Bogota",
			Tokenizer:         "cl100k_base",
		},
		Assistant: AssistantConfig{
			PollInterval:       Duration(time.Second),
			MaxPollBackoff:     Duration(5 * time.Second),
			MaxPollAttempts:    120,
			AddMessageAttempts: 5,
			OrphanAge:          Duration(10 * time.Minute),
			OrphanSchedule:     "*/15 * * * *",
			TranscribeLanguage: "es",
			LatencyWarn:        Duration(10 * time.Second),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        "https://gate.whapi.cloud",
			RatePerSec:    5,
			EchoTTL:       Duration(10 * time.Minute),
			EchoCap:       1000,
			ResponseDelay: Duration(time.Second),
			TrackPresence: true,
		},
		Operations: OperationsConfig{
			ResponseDelay: Duration(500 * time.Millisecond),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Log: LogConfig{
			Format:               "text",
			InvalidWebhookWindow: Duration(60 * time.Second),
			TypingWindow:         Duration(5 * time.Second),
			Retention:            Duration(time.Hour),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays GOCONCIERGE_* env vars. Secrets only come
// from here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envDur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = Duration(d)
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("GOCONCIERGE_OPENAI_API_KEY", &c.Assistant.APIKey)
	envStr("GOCONCIERGE_OPENAI_BASE_URL", &c.Assistant.BaseURL)
	envStr("GOCONCIERGE_ASSISTANT_ID", &c.Assistant.AssistantID)
	envStr("GOCONCIERGE_OPERATIONS_ASSISTANT_ID", &c.Operations.AssistantID)

	envStr("GOCONCIERGE_WHAPI_TOKEN", &c.WhatsApp.Token)
	envStr("GOCONCIERGE_WHAPI_URL", &c.WhatsApp.APIURL)
	envStr("GOCONCIERGE_BRIDGE_URL", &c.WhatsApp.BridgeURL)
	envBool("GOCONCIERGE_MANUAL_AGENT_SYNC", &c.WhatsApp.ManualAgentSync)

	envStr("GOCONCIERGE_OPERATIONS_CHAT_ID", &c.Operations.ChatID)
	envStr("GOCONCIERGE_BOT_NUMBER", &c.Operations.BotNumber)

	envStr("GOCONCIERGE_HOST", &c.Gateway.Host)
	envStr("GOCONCIERGE_ADMIN_TOKEN", &c.Gateway.AdminToken)
	if v := os.Getenv("GOCONCIERGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("GOCONCIERGE_DATA_DIR", &c.Sessions.Dir)
	envDur("GOCONCIERGE_BUFFER_WINDOW", &c.Buffer.TextWindow)
	envStr("GOCONCIERGE_TIMEZONE", &c.Context.Timezone)

	envStr("GOCONCIERGE_DB_DRIVER", &c.Database.Driver)
	envStr("GOCONCIERGE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("GOCONCIERGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("GOCONCIERGE_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}

	envStr("GOCONCIERGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOCONCIERGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOCONCIERGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("GOCONCIERGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("GOCONCIERGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envStr("GOCONCIERGE_LOG_FORMAT", &c.Log.Format)
}

// Save writes the config to path as indented JSON. Secrets are tagged
// `json:"-"` and never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short fingerprint of the persisted fields, used to skip
// no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionsDir returns the expanded snapshot directory.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Dir)
}

// SQLitePath returns the client database path, defaulting to a file next
// to the session snapshot.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	p := c.Database.SQLitePath
	c.mu.RUnlock()
	if p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(c.SessionsDir(), "clients.db")
}

// Validate reports settings the gateway cannot start without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("assistant api key is not set (GOCONCIERGE_OPENAI_API_KEY)")
	}
	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.assistant_id is not set")
	}
	if c.WhatsApp.BridgeURL == "" && c.WhatsApp.Token == "" {
		return fmt.Errorf("whatsapp needs bridge_url or GOCONCIERGE_WHAPI_TOKEN")
	}
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway.port must be positive")
	}
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.driver is postgres but GOCONCIERGE_POSTGRES_DSN is empty")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
