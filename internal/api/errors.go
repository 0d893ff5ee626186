package api

import (
	"errors"
	"net/http"

	"github.com/dgallion1/doubtsolve/internal/document"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		rangeErr *session.PageRangeError
		loadErr  *document.LoadError
		failure  *tutor.ServiceFailure
	)
	switch {
	case errors.As(err, &rangeErr),
		errors.As(err, &loadErr),
		errors.Is(err, session.ErrEmptyQuestion),
		errors.Is(err, session.ErrUnknownMode),
		errors.Is(err, session.ErrNoDocument),
		errors.Is(err, tutor.ErrQuestionTooLong):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusNotFound
	case errors.As(err, &failure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	jsonError(w, err.Error(), code)
}
