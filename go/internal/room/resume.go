package room

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcdev12/shoreline/go/internal/models"
	"gopkg.in/yaml.v3"
)

// ResumeStore remembers the last room each device role joined so a relaunched
// controller can reattach without asking again.
type ResumeStore struct {
	path string
	mu   sync.Mutex
}

type resumeFile struct {
	// Rooms is keyed by sector id; 0 is the main display.
	Rooms map[int]string `yaml:"rooms"`
}

// NewResumeStore persists to path.
func NewResumeStore(path string) *ResumeStore {
	return &ResumeStore{path: path}
}

// DefaultResumePath is resume.yaml under the user's config directory.
func DefaultResumePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(dir, "shoreline", "resume.yaml"), nil
}

// Last returns the room last used for sector.
func (r *ResumeStore) Last(sector models.SectorID) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.read()
	if err != nil {
		return "", false, err
	}
	id, ok := f.Rooms[int(sector)]
	return id, ok && id != "", nil
}

// Remember records roomID as the last room for sector.
func (r *ResumeStore) Remember(sector models.SectorID, roomID string) error {
	if err := models.ValidateRoomID(roomID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.read()
	if err != nil {
		return err
	}
	f.Rooms[int(sector)] = roomID

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode resume file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create resume dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write resume file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func (r *ResumeStore) read() (resumeFile, error) {
	f := resumeFile{Rooms: map[int]string{}}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to read resume file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse resume file: %w", err)
	}
	if f.Rooms == nil {
		f.Rooms = map[int]string{}
	}
	return f, nil
}
