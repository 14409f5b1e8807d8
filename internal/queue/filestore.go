package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/payload"
)

const (
	fileExt       = ".json"
	tmpPrefix     = ".tmp-"
	corruptSuffix = ".corrupt"
)

// FileStore keeps one JSON file per payload under dir/<kind>/. File names
// start with a zero-padded sequence so a directory listing is FIFO order.
type FileStore struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	last  int64
	names map[string]string // payload id -> file path
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now, names: make(map[string]string)}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) kindDir(kind payload.Kind) string {
	return filepath.Join(s.dir, string(kind))
}

// Load returns the stored payloads of kind, oldest first. Files that fail to
// decode are renamed with a .corrupt suffix and skipped.
func (s *FileStore) Load(ctx context.Context, kind payload.Kind) ([]payload.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.kindDir(kind)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]payload.Payload, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var p payload.Payload
		if err := json.Unmarshal(b, &p); err != nil || p.ID == "" {
			_ = os.Rename(path, path+corruptSuffix)
			continue
		}
		if p.Kind == "" {
			p.Kind = kind
		}
		s.names[p.ID] = path
		if seq := parseSeq(name); seq > s.last {
			s.last = seq
		}
		out = append(out, p)
	}
	return out, nil
}

// Append writes p to a temp file, syncs it and renames it into place so a
// crash never leaves a partial entry behind.
func (s *FileStore) Append(ctx context.Context, p payload.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.names[p.ID]; ok {
		return nil
	}

	dir := s.kindDir(p.Kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create kind dir: %w", err)
	}

	seq := s.now().UnixNano()
	if seq <= s.last {
		seq = s.last + 1
	}
	s.last = seq

	path := filepath.Join(dir, fmt.Sprintf("%020d-%s%s", seq, p.ID, fileExt))
	if err := writeFileAtomic(dir, path, b); err != nil {
		return err
	}
	s.names[p.ID] = path
	return nil
}

// Remove deletes the file backing p. Removing an unknown payload is not an error.
func (s *FileStore) Remove(ctx context.Context, p payload.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.names[p.ID]
	if !ok {
		matches, err := filepath.Glob(filepath.Join(s.kindDir(p.Kind), "*-"+p.ID+fileExt))
		if err != nil || len(matches) == 0 {
			return nil
		}
		path = matches[0]
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	delete(s.names, p.ID)
	return nil
}

func writeFileAtomic(dir, path string, b []byte) error {
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}
	if _, err := f.Write(b); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	// the rename is only durable once the directory entry is
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open queue dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync queue dir: %w", err)
	}
	return nil
}

func parseSeq(name string) int64 {
	i := strings.IndexByte(name, '-')
	if i <= 0 {
		return 0
	}
	var seq int64
	if _, err := fmt.Sscanf(name[:i], "%d", &seq); err != nil {
		return 0
	}
	return seq
}
