package session

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuestion = errors.New("question is required")
	ErrUnknownMode   = errors.New("unknown answer mode")
	ErrClosed        = errors.New("session is closed")
	ErrNoDocument    = errors.New("document has no pages")
)

// PageRangeError reports a page jump outside [0, Total).
type PageRangeError struct {
	Requested int // 0-based
	Total     int
}

func (e *PageRangeError) Error() string {
	return fmt.Sprintf("page %d out of range (document has %d pages)", e.Requested+1, e.Total)
}
