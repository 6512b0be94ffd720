package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("5s", "15m"). Bare numbers are taken as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	// JSON5 allows single-quoted strings.
	if n := len(data); n >= 2 && data[0] == '\'' && data[n-1] == '\'' {
		return d.parse(string(data[1 : n-1]))
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs float64
		if err2 := json.Unmarshal(data, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string like \"5s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the root configuration for the goconcierge gateway.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Buffer     BufferConfig     `json:"buffer"`
	Lock       LockConfig       `json:"lock"`
	Sessions   SessionsConfig   `json:"sessions"`
	Context    ContextConfig    `json:"context"`
	Assistant  AssistantConfig  `json:"assistant"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp"`
	Operations OperationsConfig `json:"operations"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Log        LogConfig        `json:"log"`
	mu         sync.RWMutex
}

// GatewayConfig controls the webhook HTTP server.
type GatewayConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	WebhookPath string   `json:"webhook_path"`
	MaxBodySize int64    `json:"max_body_bytes,omitempty"` // webhook body cap (default 1 MiB)
	IngressRPM  int      `json:"ingress_rpm,omitempty"`    // per-source webhook requests per minute
	ExitDelay   Duration `json:"exit_delay,omitempty"`     // pause before exiting on a fatal error

	// Operator surfaces (event stream and /v1 REST) are mounted only when
	// AdminToken is set.
	EventsPath     string   `json:"events_path,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	AdminToken     string   `json:"-"` // from GOCONCIERGE_ADMIN_TOKEN
}

// BufferConfig holds the debounce windows. OperationsTextWindow replaces
// TextWindow for text in the staff group chat.
type BufferConfig struct {
	TextWindow           Duration `json:"text_window"`
	OperationsTextWindow Duration `json:"operations_text_window"`
	MediaWindow          Duration `json:"media_window"`
	PresenceWindow       Duration `json:"presence_window"`
	VoiceWindow          Duration `json:"voice_window"`
	MaxFragments         int      `json:"max_fragments"`
	MaxHolds             int      `json:"max_holds"`
	IdleMaxAge           Duration `json:"idle_max_age"`
}

// LockConfig tunes the per-conversation lock manager.
type LockConfig struct {
	StaleAfter    Duration `json:"stale_after"`
	QueueAlert    int      `json:"queue_alert"`
	SweepInterval Duration `json:"sweep_interval"`
}

// SessionsConfig controls the thread snapshot store.
type SessionsConfig struct {
	Dir             string   `json:"dir"`
	SaveInterval    Duration `json:"save_interval"`
	BackupKeep      int      `json:"backup_keep"`
	Retention       Duration `json:"retention"`
	ActiveWindow    Duration `json:"active_window"`
	SweepSchedule   string   `json:"sweep_schedule"` // cron expression (gronx)
	CompressBackups bool     `json:"compress_backups,omitempty"`
}

// ContextConfig tunes history and label injection.
type ContextConfig struct {
	HistoryTTL        Duration `json:"history_ttl"`
	RelevantTTL       Duration `json:"relevant_ttl"`
	MarkerTTL         Duration `json:"marker_ttl"`
	RecentWindow      Duration `json:"recent_window"`
	CompressThreshold int      `json:"compress_threshold"`
	MaxLines          int      `json:"max_lines"`
	HistoryFetch      int      `json:"history_fetch"`
	Timezone          string   `json:"timezone"`
	Tokenizer         string   `json:"tokenizer"` // tiktoken encoding; empty uses the char estimate
}

// Location resolves Timezone, falling back to UTC-5.
func (c ContextConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil && c.Timezone != "" {
		return loc
	}
	return time.FixedZone("COT", -5*60*60)
}

// AssistantConfig configures the OpenAI Assistants collaborator.
// APIKey is NEVER read from config.json; only from env GOCONCIERGE_OPENAI_API_KEY.
type AssistantConfig struct {
	APIKey             string   `json:"-"`
	BaseURL            string   `json:"base_url,omitempty"`
	AssistantID        string   `json:"assistant_id"`
	PollInterval       Duration `json:"poll_interval"`
	MaxPollBackoff     Duration `json:"max_poll_backoff"`
	MaxPollAttempts    int      `json:"max_poll_attempts"`
	AddMessageAttempts int      `json:"add_message_attempts"`
	OrphanAge          Duration `json:"orphan_age"`
	OrphanSchedule     string   `json:"orphan_schedule"` // cron expression (gronx)
	TranscribeLanguage string   `json:"transcribe_language,omitempty"`
	LatencyWarn        Duration `json:"latency_warn,omitempty"`
}

// DatabaseConfig selects the client store.
// PostgresDSN is NEVER read from config.json (secret); only from env GOCONCIERGE_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"`      // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default <sessions.dir>/clients.db
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// LogConfig holds log format and the noisy-log gates.
type LogConfig struct {
	Format               string   `json:"format,omitempty"` // "text" (default) or "json"
	InvalidWebhookWindow Duration `json:"invalid_webhook_window"`
	TypingWindow         Duration `json:"typing_window"`
	Retention            Duration `json:"retention"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Buffer = src.Buffer
	c.Lock = src.Lock
	c.Sessions = src.Sessions
	c.Context = src.Context
	c.Assistant = src.Assistant
	c.WhatsApp = src.WhatsApp
	c.Operations = src.Operations
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Log = src.Log
}

// Snapshot returns a copy of the tunable sections under the read lock.
func (c *Config) Snapshot() (BufferConfig, LogConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Buffer, c.Log
}
