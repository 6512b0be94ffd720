package whatsapp

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/tools"
)

// ChannelName is the bus channel name for WhatsApp delivery.
const ChannelName = "whatsapp"

// Transport is what the rest of the gateway needs from WhatsApp: delivery
// with typing indicators and operator notifications.
type Transport interface {
	channels.PresenceChannel
	tools.Notifier
}

// Built is the result of New. History and Profiles are nil for the bridge
// transport, which cannot serve them.
type Built struct {
	Transport Transport
	History   contextcache.HistorySource
	Profiles  contextcache.ProfileSource
}

// New selects the transport from config. A bridge URL wins over the HTTP
// gateway when both are set. onSent may be nil; the bridge never reports
// message ids.
func New(cfg config.WhatsAppConfig, loc *time.Location, onSent SentHook) (Built, error) {
	if cfg.BridgeURL != "" {
		ch, err := NewBridgeChannel(cfg.BridgeURL)
		if err != nil {
			return Built{}, err
		}
		return Built{Transport: ch}, nil
	}

	ch, err := NewAPIChannel(APIConfig{
		BaseURL:    cfg.APIURL,
		Token:      cfg.Token,
		RatePerSec: cfg.RatePerSec,
		Location:   loc,
		OnSent:     onSent,
	})
	if err != nil {
		return Built{}, fmt.Errorf("whatsapp: %w", err)
	}
	return Built{Transport: ch, History: ch, Profiles: ch}, nil
}

var (
	_ Transport                  = (*APIChannel)(nil)
	_ Transport                  = (*BridgeChannel)(nil)
	_ contextcache.HistorySource = (*APIChannel)(nil)
	_ contextcache.ProfileSource = (*APIChannel)(nil)
)
