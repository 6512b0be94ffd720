package config

// WhatsAppConfig selects and configures the WhatsApp transport.
// When BridgeURL is set the WebSocket bridge is used; otherwise the
// Whapi-compatible HTTP gateway at APIURL.
// Token is NEVER read from config.json; only from env GOCONCIERGE_WHAPI_TOKEN.
type WhatsAppConfig struct {
	APIURL          string   `json:"api_url"`
	Token           string   `json:"-"`
	BridgeURL       string   `json:"bridge_url,omitempty"`
	RatePerSec      float64  `json:"rate_per_sec"`
	EchoTTL         Duration `json:"echo_ttl"`
	EchoCap         int      `json:"echo_cap,omitempty"`
	ManualAgentSync bool     `json:"manual_agent_sync,omitempty"`
	ResponseDelay   Duration `json:"response_delay"`
	TrackPresence   bool     `json:"track_presence"`
}

// OperationsConfig configures the staff group chat. An empty ChatID
// disables the operations processor.
type OperationsConfig struct {
	ChatID        string   `json:"chat_id,omitempty"`
	BotNumber     string   `json:"bot_number,omitempty"`
	AssistantID   string   `json:"assistant_id,omitempty"` // separate assistant for staff; empty shares the main one
	ResponseDelay Duration `json:"response_delay"`
}

// Enabled reports whether operations routing is configured.
func (o OperationsConfig) Enabled() bool {
	return o.ChatID != "" || o.BotNumber != ""
}
