// Package attachments is the content-addressed blob store for payloads too
// large for the wire. Senders store a blob and reference it from payload
// data; recipients open it by id from the shared attachments directory.
// Blobs are immutable: the id is the SHA-256 of the content, so a re-store
// of identical bytes is a no-op.
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DataKey is the payload data marker carrying an attachment reference.
const DataKey = "_attachment"

// ErrTooLarge is returned when a blob exceeds the configured limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Ref identifies a stored blob.
type Ref struct {
	ID   string `json:"id"` // 64 hex chars, sha256 of the content
	Size int64  `json:"size"`
	Name string `json:"name,omitempty"` // original base name, advisory
}

// Store reads and writes blobs under a single directory. Safe for concurrent
// use across processes; the rename into place is the commit point.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the directory if needed. maxBytes <= 0 means unlimited.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachments dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Put stores the reader's content and returns its reference. The content is
// spooled to a temp file first so a crash never leaves a partial blob under
// its final name.
func (s *Store) Put(r io.Reader, name string) (Ref, error) {
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	limit := r
	if s.maxBytes > 0 {
		limit = io.LimitReader(r, s.maxBytes+1)
	}
	size, err := io.Copy(io.MultiWriter(tmp, h), limit)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Ref{}, fmt.Errorf("failed to spool blob: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return Ref{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, s.maxBytes)
	}

	id := hex.EncodeToString(h.Sum(nil))
	dest := filepath.Join(s.dir, id)
	if _, err := os.Stat(dest); err == nil {
		return Ref{ID: id, Size: size, Name: filepath.Base(name)}, nil
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Ref{}, fmt.Errorf("failed to commit blob: %w", err)
	}
	return Ref{ID: id, Size: size, Name: filepath.Base(name)}, nil
}

// PutFile stores a file from disk.
func (s *Store) PutFile(path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()
	return s.Put(f, filepath.Base(path))
}

// Open returns a reader over a stored blob.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// ReadAll returns a stored blob's content.
func (s *Store) ReadAll(id string) ([]byte, error) {
	rc, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Stat reports whether a blob exists and its size.
func (s *Store) Stat(id string) (int64, error) {
	path, err := s.path(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes blobs not modified since the cutoff, plus abandoned temp
// spools. Returns the number of blobs removed.
func (s *Store) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if !validID(e.Name()) && !strings.HasPrefix(e.Name(), ".put-") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RefFromData extracts an attachment reference from payload data, if any.
func RefFromData(data map[string]interface{}) (Ref, bool) {
	raw, ok := data[DataKey].(map[string]interface{})
	if !ok {
		return Ref{}, false
	}
	ref := Ref{}
	if id, ok := raw["id"].(string); ok {
		ref.ID = id
	}
	switch size := raw["size"].(type) {
	case float64: // decoded from JSON
		ref.Size = int64(size)
	case int64:
		ref.Size = size
	}
	if name, ok := raw["name"].(string); ok {
		ref.Name = name
	}
	if !validID(ref.ID) {
		return Ref{}, false
	}
	return ref, true
}

// DataMarker builds the payload data entry for a reference.
func DataMarker(ref Ref) map[string]interface{} {
	m := map[string]interface{}{"id": ref.ID, "size": ref.Size}
	if ref.Name != "" {
		m["name"] = ref.Name
	}
	return map[string]interface{}{DataKey: m}
}

func (s *Store) path(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("invalid attachment id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func validID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
