package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no sidecar exists for an id.
	ErrNotFound  = errors.New("snapshot not found")
	ErrInvalidID = errors.New("invalid snapshot id")
)

// SnapshotMeta describes one saved screenshot. It is stored as <id>.json next
// to the image file named by Path.
type SnapshotMeta struct {
	ID        string    `json:"id"`
	TabID     string    `json:"tab_id"`
	Format    string    `json:"format"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
}

// Store manages screenshot files on disk.
type Store struct {
	dir      string
	maxCount int
	mu       sync.RWMutex
	now      func() time.Time
}

type StoreOption func(*Store)

// WithMaxCount keeps at most n screenshots; older ones are removed after
// each Create. Zero means unlimited.
func WithMaxCount(n int) StoreOption {
	return func(s *Store) { s.maxCount = n }
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir is the directory screenshots are written to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Create assigns an id and timestamped filename, then saves the image.
func (s *Store) Create(tabID, format string, width, height int, imageData []byte) (SnapshotMeta, error) {
	created := s.clock().UTC()
	meta := SnapshotMeta{
		ID:        uuid.NewString(),
		TabID:     tabID,
		Format:    format,
		Width:     width,
		Height:    height,
		SizeBytes: len(imageData),
		CreatedAt: created,
	}
	meta.Path = s.imagePath(created, meta.ID, format)
	if err := s.Save(meta, imageData); err != nil {
		return SnapshotMeta{}, err
	}
	slog.Info("snapshot saved", "id", meta.ID, "tab_id", tabID, "path", meta.Path, "size_bytes", meta.SizeBytes)
	if s.maxCount > 0 {
		if err := s.prune(s.maxCount); err != nil {
			slog.Warn("snapshot prune failed", "error", err)
		}
	}
	return meta, nil
}

// prune deletes the oldest snapshots beyond keep.
func (s *Store) prune(keep int) error {
	metas, err := s.List()
	if err != nil {
		return err
	}
	if len(metas) <= keep {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, meta := range metas[keep:] {
		s.removeImage(meta.Path, meta.ID)
		if err := os.Remove(filepath.Join(s.dir, meta.ID+".json")); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		slog.Debug("snapshot pruned", "id", meta.ID, "created_at", meta.CreatedAt)
	}
	return errors.Join(errs...)
}

// imagePath picks screenshot-<UTC timestamp>.<fmt>; two captures within the
// same millisecond get the id prefix appended.
func (s *Store) imagePath(created time.Time, id, format string) string {
	stamp := created.Format("20060102T150405.000Z")
	path := filepath.Join(s.dir, "screenshot-"+stamp+"."+format)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.dir, "screenshot-"+stamp+"-"+id[:8]+"."+format)
	}
	return path
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Save writes both the image file and metadata sidecar.
func (s *Store) Save(meta SnapshotMeta, imageData []byte) error {
	if err := s.validateID(meta.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imgPath := meta.Path
	if imgPath == "" {
		imgPath = filepath.Join(s.dir, meta.ID+"."+meta.Format)
		meta.Path = imgPath
	}
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(imgPath, imageData, 0o644); err != nil {
		return fmt.Errorf("snapshot store: write image: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		s.removeImage(imgPath, meta.ID)
		return fmt.Errorf("snapshot store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		s.removeImage(imgPath, meta.ID)
		return fmt.Errorf("snapshot store: write meta: %w", err)
	}

	return nil
}

// Get reads snapshot metadata by ID.
func (s *Store) Get(id string) (SnapshotMeta, error) {
	if err := s.validateID(id); err != nil {
		return SnapshotMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(id)
}

func (s *Store) readMeta(id string) (SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotMeta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return SnapshotMeta{}, fmt.Errorf("snapshot store: read meta: %w", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SnapshotMeta{}, fmt.Errorf("snapshot store: unmarshal meta: %w", err)
	}
	if meta.Path == "" {
		meta.Path = filepath.Join(s.dir, meta.ID+"."+meta.Format)
	}
	return meta, nil
}

// List returns all snapshots sorted by creation time (newest first).
func (s *Store) List() ([]SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot store: glob: %w", err)
	}

	metas := make([]SnapshotMeta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			slog.Debug("snapshot sidecar skipped", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// ReadImage reads the raw image bytes and returns the format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(meta.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: image for %s", ErrNotFound, id)
		}
		return nil, "", fmt.Errorf("snapshot store: read image: %w", err)
	}
	return data, meta.Format, nil
}

// Delete removes both the image and metadata files. A missing image is
// logged and does not fail the delete.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}

	s.removeImage(meta.Path, id)
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot store: remove meta: %w", err)
	}
	return nil
}

func (s *Store) removeImage(path, id string) {
	if err := os.Remove(path); err != nil {
		slog.Debug("snapshot image cleanup failed", "id", id, "path", path, "error", err)
	}
}
