package evidence

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRef = errors.New("invalid evidence reference")

// DiskStore writes violation crops as JPEG files under a single directory.
type DiskStore struct {
	dir     string
	quality int
	now     func() time.Time
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	return &DiskStore{dir: dir, quality: 90, now: time.Now}, nil
}

// Save writes img and returns its reference, which is the file name
// relative to the store directory.
func (s *DiskStore) Save(trackID int64, img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", fmt.Errorf("%w: empty image", ErrInvalidRef)
	}

	ref := fmt.Sprintf("violation_%d_%s_%s.jpg",
		trackID, s.now().UTC().Format("20060102_150405"), uuid.NewString()[:8])

	tmp, err := os.CreateTemp(s.dir, ".evidence-*")
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: s.quality}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, ref)); err != nil {
		return "", fmt.Errorf("failed to store evidence: %w", err)
	}
	return ref, nil
}

func (s *DiskStore) Load(ref string) (image.Image, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence: %w", err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return img, nil
}

// Path resolves ref to a file inside the store directory.
func (s *DiskStore) Path(ref string) (string, error) {
	return s.path(ref)
}

func (s *DiskStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.dir, ref), nil
}
