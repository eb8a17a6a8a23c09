package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/strato-sh/strato/resource"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible engine version.
const snapshotVersion = 1

type snapshot struct {
	Version   int                  `json:"version"`
	Resources []*resource.Resource `json:"resources"`
}

// SaveSnapshot writes a zstd-compressed JSON snapshot of the store to file,
// atomically via a temporary file and rename.
func SaveSnapshot(s Store, file string) error {
	snap := snapshot{
		Version:   snapshotVersion,
		Resources: s.List(Filter{}),
	}

	if err := os.MkdirAll(path.Dir(file), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(path.Dir(file), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(writer).Encode(snap); err != nil {
		writer.Close()
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}

	if err := os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

// LoadSnapshot restores resources from a snapshot file into the store.
// A missing file is not an error: the store simply starts empty.
func LoadSnapshot(s Store, file string) error {
	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	reader, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer reader.Close()

	var snap snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	mem, ok := s.(*memoryStore)
	if !ok {
		return fmt.Errorf("snapshot restore requires a memory store")
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()
	for _, r := range snap.Resources {
		mem.resources[r.ID] = r.Clone()
		mem.keys[r.Metadata.Key()] = r.ID
	}
	return nil
}
