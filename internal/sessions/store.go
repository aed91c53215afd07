// Package sessions persists conversation sessions as project-local JSON
// files. One orchestrator process owns a session; every save is atomic
// (temp file + rename) so a resumed session reconstructs history and
// todos exactly.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/anvil/pkg/models"
)

// ErrSessionNotFound indicates no session file exists for the id.
var ErrSessionNotFound = errors.New("session not found")

// Store is a directory of session files keyed by session id.
type Store struct {
	dir string
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Create builds a new session for the working directory and persists it.
func (s *Store) Create(workdir string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:               uuid.NewString(),
		WorkingDirectory: workdir,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session by id.
func (s *Store) Get(id string) (*models.Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

// Save persists a session atomically with owner-only permissions.
func (s *Store) Save(session *models.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	path := s.path(session.ID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Delete removes a session file.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

// Info is a listing entry, without the full history.
type Info struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"working_directory"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Messages         int       `json:"messages"`
}

// List enumerates sessions, newest first by update time.
func (s *Store) List() ([]Info, error) {
	ids, err := s.idsByMtime()
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, id := range ids {
		session, err := s.Get(id)
		if err != nil {
			continue // skip corrupt files rather than failing the listing
		}
		out = append(out, Info{
			ID:               session.ID,
			WorkingDirectory: session.WorkingDirectory,
			CreatedAt:        session.CreatedAt,
			UpdatedAt:        session.UpdatedAt,
			Messages:         len(session.History),
		})
	}
	return out, nil
}

// Latest returns the most recently updated session id, or "".
func (s *Store) Latest() (string, error) {
	ids, err := s.idsByMtime()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (s *Store) path(id string) string {
	// Ids may arrive from the CLI; keep them inside the store dir.
	return filepath.Join(s.dir, filepath.Base(filepath.Clean(id))+".json")
}

// idsByMtime returns session ids, newest file first.
func (s *Store) idsByMtime() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	type stamped struct {
		id string
		mt time.Time
	}
	var files []stamped
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, stamped{id: strings.TrimSuffix(name, ".json"), mt: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mt.After(files[j].mt) })
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}
