package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/doubtsolve/internal/document"
	"github.com/dgallion1/doubtsolve/internal/notes"
	"github.com/dgallion1/doubtsolve/internal/session"
)

type sessionView struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Fingerprint  string    `json:"fingerprint"`
	CurrentPage  int       `json:"current_page"`
	TotalPages   int       `json:"total_pages"`
	ContextSize  int       `json:"context_size"`
	ContextPages []int     `json:"context_pages"`
	Turns        int       `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
}

type pageView struct {
	SessionID    string `json:"session_id"`
	CurrentPage  int    `json:"current_page"`
	TotalPages   int    `json:"total_pages"`
	Text         string `json:"text"`
	Image        string `json:"image,omitempty"`
	ImageError   string `json:"image_error,omitempty"`
	ContextPages []int  `json:"context_pages"`
}

type moveView struct {
	Moved       bool `json:"moved"`
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
}

func displayPages(indexes []int) []int {
	out := make([]int, len(indexes))
	for i, p := range indexes {
		out[i] = session.IndexToDisplay(p)
	}
	return out
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		SessionID:    sess.ID,
		Title:        sess.Title(),
		Fingerprint:  sess.Fingerprint(),
		CurrentPage:  session.IndexToDisplay(sess.Cursor()),
		TotalPages:   sess.PageCount(),
		ContextSize:  sess.ContextSize(),
		ContextPages: displayPages(sess.ContextPages()),
		Turns:        len(sess.Turns()),
		CreatedAt:    sess.CreatedAt,
	}
}

// session resolves the {id} URL parameter, answering 404 itself.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *session.Session {
	id := chi.URLParam(r, "id")
	sess := s.store.Get(id)
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return nil
	}
	return sess
}

type upload struct {
	Data        []byte
	Filename    string
	ContentType string
}

// readUpload reads the multipart file field, enforcing max bytes. On failure
// it has already written the error response.
func readUpload(w http.ResponseWriter, r *http.Request, field string, max int64) (upload, bool) {
	// Extra 1MB for form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, max+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", max), http.StatusRequestEntityTooLarge)
			return upload{}, false
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return upload{}, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(field)
	if err != nil {
		jsonError(w, field+" is required", http.StatusBadRequest)
		return upload{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, max+1))
	if err != nil {
		jsonError(w, "failed to read upload", http.StatusBadRequest)
		return upload{}, false
	}
	if int64(len(data)) > max {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", max), http.StatusRequestEntityTooLarge)
		return upload{}, false
	}
	if len(data) == 0 {
		jsonError(w, field+" is empty", http.StatusBadRequest)
		return upload{}, false
	}
	return upload{
		Data:        data,
		Filename:    sanitizeFilename(header.Filename),
		ContentType: header.Header.Get("Content-Type"),
	}, true
}

// openUpload reads and parses an uploaded deck.
func (s *Server) openUpload(w http.ResponseWriter, r *http.Request) (*document.Deck, bool) {
	up, ok := readUpload(w, r, "file", s.cfg.MaxUploadBytes)
	if !ok {
		return nil, false
	}
	if !document.IsSupportedExtension(up.Filename) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(up.Filename)), http.StatusBadRequest)
		return nil, false
	}
	doc, err := document.Open(up.Data, up.Filename, s.docOpts)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return doc, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.openUpload(w, r)
	if !ok {
		return
	}

	contextSize := s.cfg.ContextSize
	if v := r.FormValue("context_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			doc.Close()
			jsonError(w, "context_size must be a positive integer", http.StatusBadRequest)
			return
		}
		contextSize = n
	}

	sess, err := s.store.Create(doc, contextSize)
	if err != nil {
		doc.Close()
		s.fail(w, r, err)
		return
	}
	s.log.Info("session created",
		"session_id", sess.ID,
		"title", sess.Title(),
		"pages", sess.PageCount(),
		"context_size", contextSize,
	)
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleReplaceDocument(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	doc, ok := s.openUpload(w, r)
	if !ok {
		return
	}
	if err := sess.Replace(doc); err != nil {
		if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNoDocument) {
			doc.Close()
			s.fail(w, r, err)
			return
		}
		// The new document is installed; only releasing the old one failed.
		s.log.Warn("release replaced document", "session_id", sess.ID, "error", err)
	}
	s.log.Info("document replaced", "session_id", sess.ID, "title", sess.Title(), "pages", sess.PageCount())
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.Delete(id) {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	s.log.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handlePage optionally jumps to ?page=N (1-based) and returns the page
// under the cursor.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "page must be an integer", http.StatusBadRequest)
			return
		}
		if err := sess.GotoPage(session.DisplayToIndex(n)); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	view := pageView{
		SessionID:    sess.ID,
		CurrentPage:  session.IndexToDisplay(sess.Cursor()),
		TotalPages:   sess.PageCount(),
		Text:         sess.CurrentPageText(),
		ContextPages: displayPages(sess.ContextPages()),
	}
	img, err := sess.CurrentPageImage(r.Context())
	switch {
	case err == nil:
		view.Image = base64.StdEncoding.EncodeToString(img)
	case errors.Is(err, document.ErrNoRaster):
	default:
		s.log.Warn("render page", "session_id", sess.ID, "page", view.CurrentPage, "error", err)
		view.ImageError = "page image unavailable"
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, (*session.Session).NextPage)
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, (*session.Session).PreviousPage)
}

func (s *Server) move(w http.ResponseWriter, r *http.Request, step func(*session.Session) bool) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	moved := step(sess)
	writeJSON(w, http.StatusOK, moveView{
		Moved:       moved,
		CurrentPage: session.IndexToDisplay(sess.Cursor()),
		TotalPages:  sess.PageCount(),
	})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	title := sess.Title()
	var buf bytes.Buffer
	if err := notes.Write(&buf, title, sess.Turns()); err != nil {
		s.fail(w, r, err)
		return
	}
	name := sanitizeFilename(strings.ReplaceAll(title, " ", "_"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-notes.docx"`, name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.ReplaceAll(name, `"`, "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
