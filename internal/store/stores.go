// Package store persists what the bot knows about its clients (display
// names, WhatsApp labels, last contact) independently of the assistant
// thread snapshot. Backends live in store/sqlite and store/pg.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a client has no stored row.
var ErrNotFound = errors.New("store: not found")

// Client is one WhatsApp contact.
type Client struct {
	Key       string    `json:"key"` // conversation key
	ChatID    string    `json:"chat_id"`
	Name      string    `json:"name"`
	Labels    []string  `json:"labels"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClientStore is the client data backend.
type ClientStore interface {
	GetClient(ctx context.Context, key string) (*Client, error)

	// UpsertClient inserts or updates a client; see Merge for how the
	// fields combine with a stored row.
	UpsertClient(ctx context.Context, c *Client) error

	SetLabels(ctx context.Context, key string, labels []string) error

	// ListClients returns clients ordered by most recent contact.
	ListClients(ctx context.Context, limit int) ([]Client, error)

	Close() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// Merge combines an incoming client with the stored row. Empty Name, nil
// Labels and zero LastSeen keep the stored values.
func Merge(stored, in *Client) Client {
	out := *in
	if stored == nil {
		if out.Labels == nil {
			out.Labels = []string{}
		}
		return out
	}
	if out.ChatID == "" {
		out.ChatID = stored.ChatID
	}
	if out.Name == "" {
		out.Name = stored.Name
	}
	if out.Labels == nil {
		out.Labels = stored.Labels
	}
	if out.LastSeen.IsZero() || out.LastSeen.Before(stored.LastSeen) {
		out.LastSeen = stored.LastSeen
	}
	return out
}
