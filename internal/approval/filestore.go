package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const (
	storeVersion      = 1
	approvalsFileMode = 0644
	approvalsDirMode  = 0755
)

type fileData struct {
	Version int        `json:"version"`
	Active  []*Request `json:"active"`
	History []*Request `json:"history"`
}

// FileStore persists requests to a single JSON document. Every mutation
// rewrites the file through a temp file and rename.
type FileStore struct {
	path  string
	limit int
	mu    sync.Mutex
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, historyLimit int) *FileStore {
	return &FileStore{path: path, limit: historyLimit}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) GetActive(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	for _, req := range data.Active {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) GetHistory(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	for _, req := range data.History {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) PutActive(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range data.Active {
		if existing.ID == req.ID {
			data.Active[i] = req.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		data.Active = append(data.Active, req.Clone())
	}
	return s.saveLocked(data)
}

func (s *FileStore) Archive(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := data.Active[:0]
	for _, existing := range data.Active {
		if existing.ID != req.ID {
			kept = append(kept, existing)
		}
	}
	data.Active = kept
	for _, existing := range data.History {
		if existing.ID == req.ID {
			return s.saveLocked(data)
		}
	}
	data.History = append(data.History, req.Clone())
	if s.limit > 0 && len(data.History) > s.limit {
		data.History = data.History[len(data.History)-s.limit:]
	}
	return s.saveLocked(data)
}

func (s *FileStore) AttachRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, req := range slices.Concat(data.Active, data.History) {
		if req.ID != id {
			continue
		}
		if slices.Contains(req.ExternalRefs, ref) {
			return nil
		}
		req.addRef(ref)
		return s.saveLocked(data)
	}
	return ErrNotFound
}

func (s *FileStore) ListActive(_ context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	sortByCreated(data.Active)
	return data.Active, nil
}

func (s *FileStore) ListHistory(_ context.Context, limit int) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return newestFirst(data.History, limit), nil
}

func (s *FileStore) loadLocked() (fileData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultFileData(), nil
		}
		return fileData{}, fmt.Errorf("read approval store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fileData{}, fmt.Errorf("parse approval store: %w", err)
	}
	return normalizeFileData(parsed), nil
}

func (s *FileStore) saveLocked(data fileData) error {
	encoded, err := json.MarshalIndent(normalizeFileData(data), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, approvalsDirMode); err != nil {
		return fmt.Errorf("create approval store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp approval store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp approval store: %w", err)
	}
	if err := tmpFile.Chmod(approvalsFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp approval store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp approval store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace approval store: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, s.path); retryErr != nil {
			return fmt.Errorf("replace approval store after remove: %w", retryErr)
		}
	}
	return nil
}

func defaultFileData() fileData {
	return fileData{
		Version: storeVersion,
		Active:  []*Request{},
		History: []*Request{},
	}
}

func normalizeFileData(data fileData) fileData {
	if data.Version <= 0 {
		data.Version = storeVersion
	}
	if data.Active == nil {
		data.Active = []*Request{}
	}
	if data.History == nil {
		data.History = []*Request{}
	}
	return data
}
