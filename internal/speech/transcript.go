package speech

import (
	"fmt"
	"mime"
	"path/filepath"
)

// Status tags the outcome of a recognition call.
type Status int

const (
	StatusOK Status = iota
	StatusUnintelligible
	StatusUnavailable
	StatusEmptyAudio
)

var statusNames = map[Status]string{
	StatusOK:             "ok",
	StatusUnintelligible: "unintelligible",
	StatusUnavailable:    "unavailable",
	StatusEmptyAudio:     "empty_audio",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transcript is the tagged result of Recognize. Text is set only for
// StatusOK and Err only for StatusUnavailable.
type Transcript struct {
	Status Status
	Text   string
	Err    error
}

func (t Transcript) OK() bool { return t.Status == StatusOK }

// Audio is one recorded question, mono, in a container format named by
// MIMEType or guessed from Filename.
type Audio struct {
	Data     []byte
	Filename string
	MIMEType string
}

func (a Audio) mimeType() string {
	if a.MIMEType != "" {
		return a.MIMEType
	}
	if t := mime.TypeByExtension(filepath.Ext(a.Filename)); t != "" {
		return t
	}
	return "audio/wav"
}

func (a Audio) filename() string {
	if a.Filename != "" {
		return filepath.Base(a.Filename)
	}
	return "question.wav"
}
