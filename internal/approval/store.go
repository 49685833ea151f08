package approval

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Store persists active requests and the history of terminal ones.
//
// Callers serialize mutations per request id; implementations only need to
// keep their own maps consistent.
type Store interface {
	// GetActive returns the pending request with id or ErrNotFound.
	GetActive(ctx context.Context, id string) (*Request, error)
	// GetHistory returns the archived request with id or ErrNotFound.
	GetHistory(ctx context.Context, id string) (*Request, error)
	// PutActive inserts or replaces a pending request.
	PutActive(ctx context.Context, req *Request) error
	// Archive removes req from the active set and appends it to history.
	Archive(ctx context.Context, req *Request) error
	// ListActive returns pending requests ordered by creation time.
	ListActive(ctx context.Context) ([]*Request, error)
	// ListHistory returns up to limit archived requests, newest first.
	// A limit <= 0 returns everything retained.
	ListHistory(ctx context.Context, limit int) ([]*Request, error)
	// AttachRef adds ref to the ExternalRefs of the active or archived
	// request with id, in place. A ref already present is a no-op; an
	// unknown or trimmed-away id returns ErrNotFound.
	AttachRef(ctx context.Context, id, ref string) error
}

// MemoryStore keeps requests in process memory. History is bounded; the
// oldest entries are dropped once the limit is reached.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[string]*Request
	history []*Request
	index   map[string]*Request
	limit   int
}

// NewMemoryStore creates a store retaining at most historyLimit terminal
// requests. A limit <= 0 retains everything.
func NewMemoryStore(historyLimit int) *MemoryStore {
	return &MemoryStore{
		active: make(map[string]*Request),
		index:  make(map[string]*Request),
		limit:  historyLimit,
	}
}

func (s *MemoryStore) GetActive(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.active[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) GetHistory(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) PutActive(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, req.ID)
	if _, exists := s.index[req.ID]; exists {
		return nil
	}
	cp := req.Clone()
	s.history = append(s.history, cp)
	s.index[cp.ID] = cp
	if s.limit > 0 && len(s.history) > s.limit {
		drop := len(s.history) - s.limit
		for _, old := range s.history[:drop] {
			delete(s.index, old.ID)
		}
		s.history = append([]*Request(nil), s.history[drop:]...)
	}
	return nil
}

func (s *MemoryStore) AttachRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.active[id]
	if !ok {
		req, ok = s.index[id]
	}
	if !ok {
		return ErrNotFound
	}
	req.addRef(ref)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, req.Clone())
	}
	s.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.history, limit), nil
}

func sortByCreated(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func newestFirst(history []*Request, limit int) []*Request {
	n := len(history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Request, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i].Clone())
	}
	return out
}

func (r *Request) addRef(ref string) {
	if slices.Contains(r.ExternalRefs, ref) {
		return
	}
	r.ExternalRefs = append(r.ExternalRefs, ref)
}
