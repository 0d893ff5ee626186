package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/doubtsolve/internal/document"
)

// Store is a thread-safe registry of sessions keyed by ID, with idle-TTL
// eviction. Evicted or deleted sessions have their documents closed.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	opts     []Option
	log      *slog.Logger
	onRemove func(id string)
}

// NewStore creates a registry. max <= 0 means unbounded.
func NewStore(ttl time.Duration, max int, log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		max:      max,
		opts:     opts,
		log:      log,
	}
}

// Create opens a new session over doc under a fresh ID. When the store is
// full the least recently used session is evicted first.
func (st *Store) Create(doc document.Document, contextSize int) (*Session, error) {
	s, err := New(doc, contextSize, st.opts...)
	if err != nil {
		return nil, err
	}
	s.ID = uuid.NewString()

	st.mu.Lock()
	var evicted *Session
	if st.max > 0 && len(st.sessions) >= st.max {
		evicted = st.oldestLocked()
		if evicted != nil {
			delete(st.sessions, evicted.ID)
		}
	}
	st.sessions[s.ID] = s
	st.mu.Unlock()

	if evicted != nil {
		st.log.Info("session evicted for capacity", "session_id", evicted.ID)
		st.closeSession(evicted)
	}
	return s, nil
}

// Get returns the session and marks it used, or nil when unknown.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	s := st.sessions[id]
	st.mu.Unlock()
	if s != nil {
		s.Touch()
	}
	return s
}

// Delete ends a session. It reports whether the ID was known.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		st.closeSession(s)
	}
	return ok
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Cleanup removes sessions idle longer than the TTL and returns how many
// were removed. A TTL <= 0 never expires anything.
func (st *Store) Cleanup() int {
	if st.ttl <= 0 {
		return 0
	}
	now := time.Now()
	var expired []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		if now.Sub(s.LastUsed()) > st.ttl {
			delete(st.sessions, id)
			expired = append(expired, s)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		st.log.Info("session expired", "session_id", s.ID)
		st.closeSession(s)
	}
	return len(expired)
}

// Run calls Cleanup every interval until ctx is done.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Cleanup()
		}
	}
}

// Close ends every session.
func (st *Store) Close() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range all {
		st.closeSession(s)
	}
}

func (st *Store) oldestLocked() *Session {
	var oldest *Session
	for _, s := range st.sessions {
		if oldest == nil || s.LastUsed().Before(oldest.LastUsed()) {
			oldest = s
		}
	}
	return oldest
}

// OnRemove registers fn to run whenever a session leaves the store, whether
// deleted, expired or evicted for capacity.
func (st *Store) OnRemove(fn func(id string)) {
	st.mu.Lock()
	st.onRemove = fn
	st.mu.Unlock()
}

func (st *Store) closeSession(s *Session) {
	st.mu.Lock()
	fn := st.onRemove
	st.mu.Unlock()
	if fn != nil {
		fn(s.ID)
	}
	if err := s.Close(); err != nil {
		st.log.Warn("close session document", "session_id", s.ID, "error", err)
	}
}
