package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgallion1/doubtsolve/internal/document"
)

// DefaultContextSize is the number of recently visited pages kept as context.
const DefaultContextSize = 5

// TurnKind distinguishes asked questions from unprompted explanations.
type TurnKind string

const (
	TurnQuestion TurnKind = "question"
	TurnExplain  TurnKind = "explain"
)

// Turn is one question/answer exchange. Turns live only as long as the session.
type Turn struct {
	Kind     TurnKind  `json:"kind"`
	Question string    `json:"question,omitempty"`
	Mode     Mode      `json:"mode,omitempty"`
	Answer   string    `json:"answer"`
	Pages    []int     `json:"pages"` // 0-based pages that were in context
	At       time.Time `json:"at"`
}

// Session is one open document plus its cursor and context window. All
// methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	doc             document.Document
	cursor          int
	contextSize     int
	referenceBudget int
	window          *window
	turns           []Turn
	closed          bool

	lastUsed atomic.Int64 // unix nanos
}

// Option configures a Session.
type Option func(*Session)

// WithReferenceBudget caps, in estimated tokens, the full-deck text appended
// by ModeReference prompts. Zero means no cap.
func WithReferenceBudget(tokens int) Option {
	return func(s *Session) { s.referenceBudget = tokens }
}

// New opens a session over doc. The cursor starts at page 0 and the context
// window is pre-populated with pages 0..min(contextSize, pageCount)-1.
func New(doc document.Document, contextSize int, opts ...Option) (*Session, error) {
	if doc == nil || doc.PageCount() == 0 {
		return nil, ErrNoDocument
	}
	if contextSize <= 0 {
		contextSize = DefaultContextSize
	}
	now := time.Now()
	s := &Session{
		CreatedAt:   now,
		contextSize: contextSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset(doc)
	s.lastUsed.Store(now.UnixNano())
	return s, nil
}

// reset installs doc and rebuilds cursor and window. Caller holds s.mu or
// owns s exclusively.
func (s *Session) reset(doc document.Document) {
	s.doc = doc
	s.cursor = 0
	s.window = newWindow(s.contextSize)
	for i := 0; i < min(s.contextSize, doc.PageCount()); i++ {
		s.visit(i)
	}
}

func (s *Session) visit(index int) {
	s.window.push(Entry{Page: index, Text: s.doc.PageText(index)})
}

func (s *Session) pageCount() int {
	if s.closed {
		return 0
	}
	return s.doc.PageCount()
}

// NextPage advances the cursor. It returns false, changing nothing, at the
// last page.
func (s *Session) NextPage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= s.pageCount()-1 {
		return false
	}
	s.cursor++
	s.visit(s.cursor)
	return true
}

// PreviousPage moves the cursor back. It returns false, changing nothing, at
// the first page.
func (s *Session) PreviousPage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cursor <= 0 {
		return false
	}
	s.cursor--
	s.visit(s.cursor)
	return true
}

// GotoPage jumps to the 0-based page index and records it in the window.
func (s *Session) GotoPage(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if total := s.doc.PageCount(); index < 0 || index >= total {
		return &PageRangeError{Requested: index, Total: total}
	}
	s.cursor = index
	s.visit(index)
	return nil
}

// DisplayToIndex converts a 1-based page number shown to users into the
// 0-based index used by the session.
func DisplayToIndex(pageNumber int) int { return pageNumber - 1 }

// IndexToDisplay converts a 0-based index into a 1-based page number.
func IndexToDisplay(index int) int { return index + 1 }

func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCount()
}

func (s *Session) ContextSize() int { return s.contextSize }

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	return s.doc.Title()
}

func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	return s.doc.Fingerprint()
}

// CurrentPageText returns the text of the page under the cursor.
func (s *Session) CurrentPageText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	return s.doc.PageText(s.cursor)
}

// CurrentPageImage renders the page under the cursor as PNG.
func (s *Session) CurrentPageImage(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	doc, cursor := s.doc, s.cursor
	s.mu.Unlock()
	return doc.PageImage(ctx, cursor)
}

// Window returns a copy of the context window in visit order.
func (s *Session) Window() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.snapshot()
}

// Replace swaps in a newly uploaded document, releasing the previous one.
// Cursor and window start over; turns are kept.
func (s *Session) Replace(doc document.Document) error {
	if doc == nil || doc.PageCount() == 0 {
		return ErrNoDocument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old := s.doc
	s.reset(doc)
	return old.Close()
}

// Close releases the document. Later navigation is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.doc.Close()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddTurn records a completed exchange.
func (s *Session) AddTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.turns = append(s.turns, t)
}

// Turns returns a copy of the recorded exchanges.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }
