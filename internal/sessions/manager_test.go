package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

var epoch = time.Date(2025, 7, 30, 17, 0, 0, 0, time.UTC)

func openStore(t *testing.T, dir string, c *clock.FakeClock, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := Options{Dir: dir, Clock: c, BackupKeep: 3, Retention: 30 * 24 * time.Hour}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// TestStore_RoundTripAcrossRestart verifies every thread id present before a
// simulated restart is identical after reload.
func TestStore_RoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c := clock.Fake(epoch)
	s := openStore(t, dir, c)

	want := map[string]string{
		"573001111111": "thread_a",
		"573002222222": "thread_b",
		"573003333333": "thread_c",
	}
	for key, thread := range want {
		s.Set(key, thread, Meta{UserName: "Ana"})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded := openStore(t, dir, c)
	for key, thread := range want {
		r, ok := reloaded.Get(key)
		if !ok {
			t.Fatalf("record %s missing after reload", key)
		}
		if r.ThreadID != thread {
			t.Errorf("%s thread = %q, want %q", key, r.ThreadID, thread)
		}
		if r.ChatID != key+UserSuffix {
			t.Errorf("%s chat id = %q", key, r.ChatID)
		}
	}
	if got := reloaded.Stats().Total; got != len(want) {
		t.Errorf("Total = %d, want %d", got, len(want))
	}
}

// TestStore_SetKeepsCreatedAtAndTracksRotation verifies updates keep the
// creation time and remember replaced thread ids.
func TestStore_SetKeepsCreatedAtAndTracksRotation(t *testing.T) {
	c := clock.Fake(epoch)
	s := openStore(t, t.TempDir(), c)

	first := s.Set("573001", "thread_old", Meta{ChatID: "573001@s.whatsapp.net", UserName: "Luis"})
	c.Advance(time.Hour)
	second := s.Set("573001", "thread_new", Meta{UserName: DefaultUserName})

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastActivity.Equal(epoch.Add(time.Hour)) {
		t.Errorf("LastActivity = %v", second.LastActivity)
	}
	if second.UserName != "Luis" {
		t.Errorf("UserName = %q, default name must not overwrite a real one", second.UserName)
	}
	if len(second.PreviousThreads) != 1 || second.PreviousThreads[0] != "thread_old" {
		t.Errorf("PreviousThreads = %v", second.PreviousThreads)
	}
}

// TestStore_CorruptSnapshotFallsBackToBackup verifies a garbage snapshot is
// replaced by the newest backup.
func TestStore_CorruptSnapshotFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	c := clock.Fake(epoch)
	s := openStore(t, dir, c)

	s.Set("573001", "thread_v1", Meta{})
	if err := s.Save(); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	c.Advance(time.Second)
	s.Set("573001", "thread_v2", Meta{})
	if err := s.Save(); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, snapshotFile), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := openStore(t, dir, c)
	r, ok := reloaded.Get("573001")
	if !ok {
		t.Fatal("record missing after backup restore")
	}
	// The backup taken during the second save holds the first snapshot.
	if r.ThreadID != "thread_v1" {
		t.Errorf("thread = %q, want thread_v1 from backup", r.ThreadID)
	}
}

// TestStore_CorruptWithoutBackupStartsEmpty verifies the store degrades to
// empty instead of failing.
func TestStore_CorruptWithoutBackupStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), []byte("[[1,2"), 0644); err != nil {
		t.Fatal(err)
	}
	s := openStore(t, dir, clock.Fake(epoch))
	if n := s.Stats().Total; n != 0 {
		t.Fatalf("Total = %d, want 0", n)
	}
}

// TestStore_ValidatesAndMigratesLegacyRecords verifies invalid records are
// dropped, legacy ones gain a chat id and the migration is saved at once.
func TestStore_ValidatesAndMigratesLegacyRecords(t *testing.T) {
	dir := t.TempDir()
	legacy := `[
  ["573001", {"threadId": "thread_ok", "createdAt": "2025-07-30T10:00:00.000Z", "lastActivity": "2025-07-30T16:00:00.000Z"}],
  ["573002", {"chatId": "573002@s.whatsapp.net", "createdAt": "2025-07-30T10:00:00.000Z"}],
  ["573003", {"threadId": "thread_nodate"}]
]`
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	s := openStore(t, dir, clock.Fake(epoch))

	r, ok := s.Get("573001")
	if !ok {
		t.Fatal("legacy record dropped")
	}
	if r.ChatID != "573001@s.whatsapp.net" || r.UserName != DefaultUserName {
		t.Errorf("migrated record = %+v", r)
	}
	if _, ok := s.Get("573002"); ok {
		t.Error("record without threadId kept")
	}
	if _, ok := s.Get("573003"); ok {
		t.Error("record without createdAt kept")
	}
	if s.Dirty() {
		t.Error("migration should have been saved immediately")
	}

	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"chatId": "573001@s.whatsapp.net"`) {
		t.Errorf("snapshot not rewritten with migrated chat id:\n%s", data)
	}
}

// TestStore_BackupsPrunedToKeep verifies only the newest BackupKeep backups
// survive repeated saves.
func TestStore_BackupsPrunedToKeep(t *testing.T) {
	dir := t.TempDir()
	c := clock.Fake(epoch)
	s := openStore(t, dir, c)

	for i := 0; i < 6; i++ {
		s.Set("573001", "thread", Meta{})
		if err := s.Save(); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		c.Advance(time.Second)
	}

	names, err := listBackups(filepath.Join(dir, backupDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Fatalf("backups = %d (%v), want 3", len(names), names)
	}
}

// TestStore_CompressedBackupRestores verifies zstd backups are readable by
// the corruption fallback.
func TestStore_CompressedBackupRestores(t *testing.T) {
	dir := t.TempDir()
	c := clock.Fake(epoch)
	compress := func(o *Options) { o.CompressBackups = true }
	s := openStore(t, dir, c, compress)

	s.Set("573009", "thread_z", Meta{})
	s.Save()
	c.Advance(time.Second)
	s.Touch("573009")
	s.Save()

	names, _ := listBackups(filepath.Join(dir, backupDir))
	if len(names) != 1 || !strings.HasSuffix(names[0], ".json.zst") {
		t.Fatalf("backups = %v, want one .json.zst", names)
	}

	os.WriteFile(filepath.Join(dir, snapshotFile), []byte("garbage"), 0644)
	reloaded := openStore(t, dir, c, compress)
	if r, ok := reloaded.Get("573009"); !ok || r.ThreadID != "thread_z" {
		t.Fatalf("restore from zstd backup = %+v, %v", r, ok)
	}
}

// TestStore_SweepAndStats verifies retention purging and the active window.
func TestStore_SweepAndStats(t *testing.T) {
	c := clock.Fake(epoch)
	s := openStore(t, t.TempDir(), c)

	s.Set("old", "t1", Meta{})
	c.Advance(10 * 24 * time.Hour)
	s.Set("mid", "t2", Meta{})
	c.Advance(3 * 24 * time.Hour)
	s.Set("new", "t3", Meta{})

	st := s.Stats()
	if st.Total != 3 || st.Active != 2 {
		t.Fatalf("Stats = %+v, want total 3 active 2", st)
	}

	c.Advance(18 * 24 * time.Hour) // old idle 31d, mid 21d
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep purged %d, want 1", n)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("old record survived sweep")
	}
}

// TestStore_DeleteMarksDirty verifies invalidation is persisted.
func TestStore_DeleteMarksDirty(t *testing.T) {
	s := openStore(t, t.TempDir(), clock.Fake(epoch))
	s.Set("573001", "t", Meta{})
	s.Save()

	if !s.Delete("573001") {
		t.Fatal("Delete returned false")
	}
	if !s.Dirty() {
		t.Error("Delete should mark the store dirty")
	}
	if s.Delete("573001") {
		t.Error("second Delete returned true")
	}
}

// TestStore_RotateKeepsPreviousThread verifies a rotation records the old
// thread and leaves unknown keys alone.
func TestStore_RotateKeepsPreviousThread(t *testing.T) {
	c := clock.Fake(epoch)
	s := openStore(t, t.TempDir(), c)
	s.Set("573001", "thread_old", Meta{})

	c.Advance(time.Minute)
	r, ok := s.Rotate("573001", "thread_new")
	if !ok {
		t.Fatal("Rotate reported missing record")
	}
	if r.ThreadID != "thread_new" || len(r.PreviousThreads) != 1 || r.PreviousThreads[0] != "thread_old" {
		t.Errorf("record = %+v", r)
	}
	if !r.LastActivity.Equal(epoch.Add(time.Minute)) {
		t.Errorf("last activity = %v", r.LastActivity)
	}
	if _, ok := s.Rotate("nobody", "thread_x"); ok {
		t.Error("Rotate on unknown key reported ok")
	}
}
