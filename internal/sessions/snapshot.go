package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	snapshotFile  = "threads.json"
	backupDir     = "backups"
	backupPrefix  = "threads-"
	zstdExt       = ".zst"
	backupTimeFmt = "2006-01-02T15-04-05.000Z"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sessions: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sessions: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeSnapshot renders records as an ordered list of [key, record]
// pairs, sorted by key so snapshots diff cleanly.
func encodeSnapshot(records map[string]*Record) ([]byte, error) {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, records[k]})
	}
	return json.MarshalIndent(pairs, "", "  ")
}

// decodeSnapshot parses a pair list. A later pair for the same key
// replaces an earlier one, so the result never holds duplicates.
func decodeSnapshot(data []byte) (map[string]*Record, error) {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	out := make(map[string]*Record, len(pairs))
	for i, p := range pairs {
		var key string
		if err := json.Unmarshal(p[0], &key); err != nil {
			return nil, fmt.Errorf("%w: pair %d key: %v", ErrCorrupt, i, err)
		}
		var rec Record
		if err := json.Unmarshal(p[1], &rec); err != nil {
			return nil, fmt.Errorf("%w: pair %d record: %v", ErrCorrupt, i, err)
		}
		out[key] = &rec
	}
	return out, nil
}

// readSnapshotFile reads a snapshot or backup, transparently
// decompressing .zst files.
func readSnapshotFile(path string) (map[string]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, zstdExt) {
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
	}
	return decodeSnapshot(data)
}

// writeFileAtomic writes data via temp file, fsync and rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, "threads-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// listBackups returns backup file names, oldest first. Timestamps in
// the names sort lexically.
func listBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) {
			continue
		}
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json"+zstdExt) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return backupStamp(names[i]) < backupStamp(names[j])
	})
	return names, nil
}

func backupStamp(name string) string {
	name = strings.TrimPrefix(name, backupPrefix)
	name = strings.TrimSuffix(name, zstdExt)
	return strings.TrimSuffix(name, ".json")
}

// archive copies the current snapshot into the backup dir.
func archive(src, dstDir, stamp string, compress bool) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	name := backupPrefix + stamp + ".json"
	if compress {
		data = zstdEncoder.EncodeAll(data, nil)
		name += zstdExt
	}
	if err := writeFileAtomic(dstDir, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// pruneBackups deletes the oldest backups beyond keep.
func pruneBackups(dir string, keep int) (int, error) {
	names, err := listBackups(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(names) > keep {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		names = names[1:]
		removed++
	}
	return removed, nil
}
