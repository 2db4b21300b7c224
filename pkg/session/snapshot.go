package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version int      `json:"version"`
	Seq     uint64   `json:"seq"`
	Session *Session `json:"session"`
}

type indexFile struct {
	Version int               `json:"version"`
	Senders map[string]string `json:"senders"`
}

// writeFileAtomic replaces path with data via a synced temp file and rename,
// so readers see either the previous or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func writeSnapshot(dir string, s *Session) error {
	data, err := json.Marshal(snapshotFile{Version: snapshotVersion, Seq: s.seq, Session: s})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "snapshot.json"), data)
}

// readSnapshot returns the stored session, or an error when the snapshot is
// missing or unreadable.
func readSnapshot(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", err)
	}
	if snap.Session == nil || snap.Session.ID == "" {
		return nil, fmt.Errorf("corrupt snapshot: missing session")
	}
	snap.Session.seq = snap.Seq
	return snap.Session, nil
}

func readIndex(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode session index: %w", err)
	}
	if idx.Senders == nil {
		idx.Senders = map[string]string{}
	}
	return idx.Senders, nil
}

func writeIndex(path string, senders map[string]string) error {
	data, err := json.MarshalIndent(indexFile{Version: 1, Senders: senders}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session index: %w", err)
	}
	return writeFileAtomic(path, data)
}
