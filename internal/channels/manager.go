package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
)

var (
	ErrUnknownChannel = errors.New("channel not registered")
	ErrNotRunning     = errors.New("channel not running")
	// ErrPermanent marks a delivery error that retrying cannot fix, such
	// as a rejected recipient. Channels wrap it with %w.
	ErrPermanent = errors.New("permanent delivery failure")
)

// ChannelStatus is the health of one channel as seen by the dispatcher.
type ChannelStatus struct {
	Running     bool      `json:"running"`
	Sent        uint64    `json:"sent"`
	Failed      uint64    `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Manager owns the channels and drains the bus into them. Each chat gets
// its own delivery lane: replies to a chat keep their order, and a chat
// stuck in retries does not hold up the others.
type Manager struct {
	bus      bus.OutboundRouter
	attempts int
	backoff  time.Duration

	mu       sync.RWMutex
	channels map[string]Channel
	status   map[string]*ChannelStatus

	laneMu sync.Mutex
	lanes  map[string]*lane
	laneWG sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// lane is the FIFO of one chat's undelivered messages. Its goroutine
// exits, and the lane is dropped, once the queue drains.
type lane struct {
	queue []bus.OutboundMessage
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetry retries a failed delivery up to attempts times in total,
// waiting backoff, 2*backoff, ... between tries.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.backoff = backoff
	}
}

func NewManager(router bus.OutboundRouter, opts ...Option) *Manager {
	m := &Manager{
		bus:      router,
		attempts: 1,
		channels: make(map[string]Channel),
		status:   make(map[string]*ChannelStatus),
		lanes:    make(map[string]*lane),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterChannel adds or replaces a channel.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	if m.status[name] == nil {
		m.status[name] = &ChannelStatus{}
	}
}

// StartAll starts every channel, then the dispatcher.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return errors.New("channels: none registered")
	}
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		slog.Info("channels: started", "channel", name)
	}

	dctx, cancel := context.WithCancel(ctx)
	m.cancel, m.done = cancel, make(chan struct{})
	go m.dispatch(dctx, m.done)
	return nil
}

// StopAll stops the dispatcher, waiting for in-flight deliveries until
// ctx ends, then stops every channel. Messages still queued are dropped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	slog.Info("channels: stopped", "count", len(m.channels))
	return errors.Join(errs...)
}

// dispatch moves bus messages onto their chat lanes. It never waits on a
// delivery, so the bus keeps draining while a chat retries.
func (m *Manager) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.laneWG.Wait()
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.enqueue(ctx, msg)
	}
}

func (m *Manager) enqueue(ctx context.Context, msg bus.OutboundMessage) {
	key := msg.Channel + ":" + msg.ChatID
	m.laneMu.Lock()
	if l, ok := m.lanes[key]; ok {
		l.queue = append(l.queue, msg)
		m.laneMu.Unlock()
		return
	}
	l := &lane{queue: []bus.OutboundMessage{msg}}
	m.lanes[key] = l
	m.laneMu.Unlock()

	m.laneWG.Add(1)
	go m.runLane(ctx, key, l)
}

func (m *Manager) runLane(ctx context.Context, key string, l *lane) {
	defer m.laneWG.Done()
	for {
		m.laneMu.Lock()
		if len(l.queue) == 0 || ctx.Err() != nil {
			dropped := len(l.queue)
			delete(m.lanes, key)
			m.laneMu.Unlock()
			if dropped > 0 {
				slog.Warn("channels: undelivered on shutdown", "lane", key, "messages", dropped)
			}
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		m.laneMu.Unlock()

		m.send(ctx, msg)
	}
}

func (m *Manager) send(ctx context.Context, msg bus.OutboundMessage) {
	err := m.deliverWithRetry(ctx, msg)
	m.record(msg.Channel, err)
	if err != nil {
		slog.Error("channels: delivery failed",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"turn_id", msg.Metadata[bus.MetaTurnID],
			"preview", Truncate(msg.Content, 60),
			"error", err,
		)
	}
}

// Pending returns the number of messages waiting on chat lanes, not
// counting the one each lane is delivering.
func (m *Manager) Pending() int {
	m.laneMu.Lock()
	defer m.laneMu.Unlock()
	n := 0
	for _, l := range m.lanes {
		n += len(l.queue)
	}
	return n
}

func (m *Manager) deliverWithRetry(ctx context.Context, msg bus.OutboundMessage) error {
	var err error
	for n := 1; n <= m.attempts; n++ {
		if err = m.deliver(ctx, msg); err == nil {
			return nil
		}
		if n == m.attempts || errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownChannel) || ctx.Err() != nil {
			return err
		}
		wait := m.backoff * time.Duration(n)
		slog.Warn("channels: delivery retry", "channel", msg.Channel, "chat_id", msg.ChatID, "attempt", n, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
	return err
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	ch, ok := m.channels[msg.Channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", msg.Channel, ErrUnknownChannel)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("%s: %w", msg.Channel, ErrNotRunning)
	}
	return ch.Send(ctx, msg)
}

func (m *Manager) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[name]
	if st == nil {
		return
	}
	if err == nil {
		st.Sent++
		return
	}
	st.Failed++
	st.LastError = err.Error()
	st.LastErrorAt = time.Now()
}

// Status returns a snapshot per registered channel.
func (m *Manager) Status() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		st := *m.status[name]
		st.Running = ch.IsRunning()
		out[name] = st
	}
	return out
}

// SendPresence forwards a typing indicator. Channels without presence
// support are skipped.
func (m *Manager) SendPresence(ctx context.Context, channelName, chatID, state string) error {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", channelName, ErrUnknownChannel)
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.SendPresence(ctx, chatID, state)
	}
	return nil
}
