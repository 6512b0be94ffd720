package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// ErrCorrupt marks a snapshot or backup that could not be parsed.
var ErrCorrupt = errors.New("sessions: corrupt snapshot")

// Record maps one conversation to its external AI thread.
type Record struct {
	ThreadID        string    `json:"threadId"`
	ChatID          string    `json:"chatId"`
	UserName        string    `json:"userName"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	PreviousThreads []string  `json:"previousThreads,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	EnrichedName    string    `json:"enrichedName,omitempty"`
}

func (r *Record) clone() Record {
	cp := *r
	cp.PreviousThreads = append([]string(nil), r.PreviousThreads...)
	cp.Labels = append([]string(nil), r.Labels...)
	return cp
}

// Meta carries chat metadata supplied with a turn.
type Meta struct {
	ChatID   string
	UserName string
}

// Stats summarizes the store.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Info is a debug view of one record.
type Info struct {
	Key               string    `json:"key"`
	ThreadID          string    `json:"threadId"`
	ChatID            string    `json:"chatId"`
	UserName          string    `json:"userName"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivity      time.Time `json:"lastActivity"`
	PreviousThreads   []string  `json:"previousThreads"`
	DaysSinceActivity int       `json:"daysSinceActivity"`
	IsActive          bool      `json:"isActive"`
}

// Options configures a Store.
type Options struct {
	Dir             string        // holds threads.json and backups/
	SaveInterval    time.Duration // periodic snapshot cadence (only when dirty)
	BackupKeep      int           // newest backups retained
	Retention       time.Duration // Sweep purges records idle longer than this (0 disables)
	ActiveWindow    time.Duration // Stats counts records touched within this window
	CompressBackups bool          // write backups as zstd
	Clock           clock.Clock
}

func (o *Options) defaults() {
	if o.SaveInterval <= 0 {
		o.SaveInterval = 5 * time.Minute
	}
	if o.BackupKeep <= 0 {
		o.BackupKeep = 10
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 7 * 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Store is the durable conversation → thread map. Reads and writes hit
// memory; Save mirrors the map to disk with a backup of the previous
// snapshot. Safe for concurrent use.
type Store struct {
	opts Options

	mu      sync.RWMutex
	records map[string]*Record
	dirty   bool

	saveMu sync.Mutex
}

// Open creates the data directories, loads the latest snapshot (falling
// back to backups), validates and migrates records, and runs an initial
// retention sweep. An unreadable snapshot with no usable backup yields
// an empty store, not an error.
func Open(opts Options) (*Store, error) {
	opts.defaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("sessions: data dir is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, backupDir), 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	s := &Store{opts: opts, records: make(map[string]*Record)}
	s.load()

	if migrated := s.validate(); migrated > 0 {
		if err := s.Save(); err != nil {
			slog.Warn("sessions: save after migration failed", "error", err)
		}
	}
	if n := s.Sweep(); n > 0 {
		slog.Info("sessions: startup sweep", "purged", n)
	}
	return s, nil
}

func (s *Store) snapshotPath() string { return filepath.Join(s.opts.Dir, snapshotFile) }
func (s *Store) backupsPath() string  { return filepath.Join(s.opts.Dir, backupDir) }

func (s *Store) load() {
	recs, err := readSnapshotFile(s.snapshotPath())
	if err == nil {
		s.records = recs
		slog.Info("sessions: loaded snapshot", "threads", len(recs))
		return
	}
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("sessions: no snapshot found, starting empty")
		return
	}

	slog.Error("sessions: snapshot unreadable, trying backups", "path", s.snapshotPath(), "error", err)
	names, lerr := listBackups(s.backupsPath())
	if lerr != nil {
		slog.Error("sessions: list backups failed, starting empty", "error", lerr)
		return
	}
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(s.backupsPath(), names[i])
		recs, err := readSnapshotFile(path)
		if err != nil {
			slog.Warn("sessions: backup unreadable", "path", path, "error", err)
			continue
		}
		s.records = recs
		s.dirty = true
		slog.Warn("sessions: restored from backup", "path", path, "threads", len(recs))
		return
	}
	slog.Error("sessions: no usable backup, starting empty")
}

// validate drops records missing required fields and migrates legacy
// records without a chat id. Returns the number of records changed.
func (s *Store) validate() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for key, r := range s.records {
		if r == nil || r.ThreadID == "" || r.CreatedAt.IsZero() {
			delete(s.records, key)
			changed++
			slog.Warn("sessions: invalid record removed", "key", key)
			continue
		}
		if r.ChatID == "" {
			r.ChatID = ChatID(key)
			if r.UserName == "" {
				r.UserName = DefaultUserName
			}
			if r.LastActivity.IsZero() {
				r.LastActivity = r.CreatedAt
			}
			changed++
			slog.Info("sessions: legacy record migrated", "key", key)
		}
	}
	if changed > 0 {
		s.dirty = true
	}
	return changed
}

// Get returns a copy of the record for key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Set creates or updates the record for key, stamping LastActivity. A
// changed thread id is recorded in PreviousThreads.
func (s *Store) Set(key, threadID string, meta Meta) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	r, ok := s.records[key]
	if !ok {
		r = &Record{CreatedAt: now}
		s.records[key] = r
	}
	if r.ThreadID != "" && r.ThreadID != threadID {
		r.PreviousThreads = append(r.PreviousThreads, r.ThreadID)
	}
	r.ThreadID = threadID
	r.ChatID = firstNonEmpty(meta.ChatID, r.ChatID, ChatID(key))
	r.UserName = firstNonEmpty(userName(meta.UserName), r.UserName, DefaultUserName)
	r.LastActivity = now
	s.dirty = true

	slog.Debug("sessions: thread set", "key", key, "thread_id", threadID, "new", !ok)
	return r.clone()
}

// Rotate moves key onto newThreadID after the old thread overflowed. It
// reports false when the key has no record.
func (s *Store) Rotate(key, newThreadID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	old := r.ThreadID
	if old != "" && old != newThreadID {
		r.PreviousThreads = append(r.PreviousThreads, old)
	}
	r.ThreadID = newThreadID
	r.LastActivity = s.opts.Clock.Now()
	s.dirty = true

	slog.Info("sessions: thread rotated", "key", key, "old_thread", old, "new_thread", newThreadID)
	return r.clone(), true
}

// Touch stamps LastActivity without changing the thread.
func (s *Store) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok {
		r.LastActivity = s.opts.Clock.Now()
		s.dirty = true
	}
}

// SetLabels records client labels and an enriched name on an existing record.
func (s *Store) SetLabels(key string, labels []string, enrichedName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return
	}
	r.Labels = append([]string(nil), labels...)
	if enrichedName != "" {
		r.EnrichedName = enrichedName
	}
	s.dirty = true
}

// Delete invalidates the record for key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	s.dirty = true
	return true
}

// Sweep purges records idle longer than the retention horizon.
func (s *Store) Sweep() int {
	if s.opts.Retention <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.Clock.Now().Add(-s.opts.Retention)
	purged := 0
	for key, r := range s.records {
		if r.LastActivity.Before(cutoff) {
			delete(s.records, key)
			purged++
		}
	}
	if purged > 0 {
		s.dirty = true
	}
	return purged
}

// Stats returns total and recently active record counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.opts.Clock.Now().Add(-s.opts.ActiveWindow)
	st := Stats{Total: len(s.records)}
	for _, r := range s.records {
		if !r.LastActivity.Before(cutoff) {
			st.Active++
		}
	}
	return st
}

// Info returns a debug view of the record for key.
func (s *Store) Info(key string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return Info{}, false
	}
	idle := s.opts.Clock.Now().Sub(r.LastActivity)
	return Info{
		Key:               key,
		ThreadID:          r.ThreadID,
		ChatID:            r.ChatID,
		UserName:          r.UserName,
		CreatedAt:         r.CreatedAt,
		LastActivity:      r.LastActivity,
		PreviousThreads:   append([]string{}, r.PreviousThreads...),
		DaysSinceActivity: int(idle / (24 * time.Hour)),
		IsActive:          idle <= s.opts.ActiveWindow,
	}, true
}

// Keys returns all conversation keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ThreadIDs returns every current thread id (for orphan-run sweeps).
func (s *Store) ThreadIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.ThreadID)
	}
	sort.Strings(ids)
	return ids
}

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Save archives the current snapshot into backups/, prunes old backups
// and atomically writes the in-memory map.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	data, err := encodeSnapshot(s.records)
	count := len(s.records)
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		s.markDirty()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, statErr := os.Stat(s.snapshotPath()); statErr == nil {
		stamp := s.opts.Clock.Now().UTC().Format(backupTimeFmt)
		if name, err := archive(s.snapshotPath(), s.backupsPath(), stamp, s.opts.CompressBackups); err != nil {
			slog.Warn("sessions: backup failed", "error", err)
		} else {
			slog.Debug("sessions: backup written", "file", name)
		}
		if n, err := pruneBackups(s.backupsPath(), s.opts.BackupKeep); err != nil {
			slog.Warn("sessions: prune backups failed", "error", err)
		} else if n > 0 {
			slog.Debug("sessions: pruned backups", "removed", n)
		}
	}

	if err := writeFileAtomic(s.opts.Dir, snapshotFile, data); err != nil {
		s.markDirty()
		return fmt.Errorf("write snapshot: %w", err)
	}
	slog.Info("sessions: snapshot saved", "threads", count)
	return nil
}

func (s *Store) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Run saves dirty state every SaveInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Dirty() {
				continue
			}
			if err := s.Save(); err != nil {
				slog.Error("sessions: autosave failed", "error", err)
			}
		}
	}
}

// Close writes a final snapshot if anything changed.
func (s *Store) Close() error {
	if !s.Dirty() {
		return nil
	}
	slog.Info("sessions: saving before shutdown")
	return s.Save()
}

func userName(name string) string {
	if name == DefaultUserName {
		return ""
	}
	return name
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
