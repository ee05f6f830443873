// Package store persists project files and JSON documents on the local
// filesystem so they outlive any sandbox.
//
// Layout: <root>/<projectID>/<sanitized blob name> plus JSON documents such as
// metadata.json and context.json in the same directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// Store is a file-backed durable store keyed by project id
type Store struct {
	root string
}

// New creates a store rooted at root, creating the directory if needed
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// SanitizeKey maps a relative file path to a flat blob name
func SanitizeKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

func validProjectID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid project id %q", id)
	}
	return nil
}

// ProjectDir returns the directory for a project without creating it
func (s *Store) ProjectDir(projectID string) (string, error) {
	if err := validProjectID(projectID); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(s.root, projectID)
}

func (s *Store) path(projectID, name string, create bool) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating project dir: %w", err)
		}
	}
	return securejoin.SecureJoin(dir, name)
}

// WriteBlob stores the content of a project file
func (s *Store) WriteBlob(projectID, path string, data []byte) error {
	p, err := s.path(projectID, SanitizeKey(path), true)
	if err != nil {
		return err
	}
	return atomicWrite(p, data)
}

// ReadBlob loads the content of a project file. Returns domain.ErrNotFound if absent.
func (s *Store) ReadBlob(projectID, path string) ([]byte, error) {
	p, err := s.path(projectID, SanitizeKey(path), false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
	}
	return data, err
}

// DeleteBlob removes a stored file. Missing blobs are not an error.
func (s *Store) DeleteBlob(projectID, path string) error {
	p, err := s.path(projectID, SanitizeKey(path), false)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON under name
func (s *Store) WriteJSON(projectID, name string, v any) error {
	p, err := s.path(projectID, name, true)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return atomicWrite(p, data)
}

// ReadJSON decodes the JSON document name into v. Returns domain.ErrNotFound if absent.
func (s *Store) ReadJSON(projectID, name string, v any) error {
	p, err := s.path(projectID, name, false)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s for %s: %w", name, projectID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// Cleanup removes everything stored for a project
func (s *Store) Cleanup(projectID string) error {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Projects lists the ids that have a directory in the store
func (s *Store) Projects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Size returns the total bytes stored for a project
func (s *Store) Size(projectID string) (int64, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// atomicWrite writes data to a uniquely named temp file next to path and
// renames it into place, so concurrent writers never share a temp file
func atomicWrite(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
