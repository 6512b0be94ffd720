package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// Profiles is a read-through contextcache.ProfileSource. Live lookups go
// to Upstream and are written back; when Upstream is nil or fails, the
// stored row is served instead.
type Profiles struct {
	Store    ClientStore
	Upstream contextcache.ProfileSource
	Now      func() time.Time
}

// NewProfiles wires a Profiles. upstream may be nil.
func NewProfiles(s ClientStore, upstream contextcache.ProfileSource) *Profiles {
	return &Profiles{Store: s, Upstream: upstream, Now: time.Now}
}

func (p *Profiles) Profile(ctx context.Context, chatID string) (contextcache.Profile, error) {
	key := sessions.ConversationKey(chatID)

	if p.Upstream != nil {
		prof, err := p.Upstream.Profile(ctx, chatID)
		if err == nil {
			c := &Client{
				Key:       key,
				ChatID:    sessions.ChatID(chatID),
				Name:      prof.Name,
				Labels:    append([]string{}, prof.Labels...),
				LastSeen:  prof.LastActivity,
				UpdatedAt: p.Now(),
			}
			if werr := p.Store.UpsertClient(ctx, c); werr != nil {
				slog.Warn("store: client write-back failed", "key", key, "error", werr)
			}
			return prof, nil
		}
		slog.Warn("store: live profile lookup failed, using stored", "key", key, "error", err)
	}

	c, err := p.Store.GetClient(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contextcache.Profile{}, nil
		}
		return contextcache.Profile{}, fmt.Errorf("load client %s: %w", key, err)
	}
	return contextcache.Profile{Name: c.Name, Labels: c.Labels, LastActivity: c.LastSeen}, nil
}

// Seen records contact from a client, creating the row if needed.
func (p *Profiles) Seen(ctx context.Context, chatID, name string) error {
	now := p.Now()
	return p.Store.UpsertClient(ctx, &Client{
		Key:       sessions.ConversationKey(chatID),
		ChatID:    sessions.ChatID(chatID),
		Name:      name,
		LastSeen:  now,
		UpdatedAt: now,
	})
}
