package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/speech"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

type answerRequest struct {
	Question string `json:"question"`
	Mode     string `json:"mode"`
	Speak    *bool  `json:"speak"`
}

type explainRequest struct {
	Speak *bool `json:"speak"`
}

type answerView struct {
	Kind         session.TurnKind `json:"kind"`
	Question     string           `json:"question,omitempty"`
	Mode         session.Mode     `json:"mode,omitempty"`
	Answer       string           `json:"answer"`
	AnswerHTML   string           `json:"answer_html"`
	Audio        string           `json:"audio,omitempty"`
	AudioError   string           `json:"audio_error,omitempty"`
	ContextPages []int            `json:"context_pages"`
	CurrentPage  int              `json:"current_page"`
}

func answerOf(sess *session.Session, res *tutor.Result) answerView {
	v := answerView{
		Kind:         res.Turn.Kind,
		Question:     res.Turn.Question,
		Mode:         res.Turn.Mode,
		Answer:       res.Turn.Answer,
		AnswerHTML:   res.HTML,
		ContextPages: displayPages(res.Turn.Pages),
		CurrentPage:  session.IndexToDisplay(sess.Cursor()),
	}
	if len(res.Audio) > 0 {
		v.Audio = base64.StdEncoding.EncodeToString(res.Audio)
	}
	return v
}

// speakDefault is used when a request leaves speak unset: voice the answer
// only when a synthesizer is configured.
func (s *Server) speakDefault(p *bool) bool {
	if p != nil {
		return *p
	}
	return s.cfg.SpeechProvider != "" && s.cfg.SpeechProvider != config.ProviderNone
}

// decodeAnswer parses and validates an answer request. On failure it has
// already written the error response.
func (s *Server) decodeAnswer(w http.ResponseWriter, r *http.Request) (answerRequest, session.Mode, bool) {
	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, "", false
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		s.fail(w, r, err)
		return req, "", false
	}
	q, err := tutor.ValidateQuestion(req.Question)
	if err != nil {
		s.fail(w, r, err)
		return req, "", false
	}
	req.Question = q
	return req, mode, true
}

func (s *Server) allow(w http.ResponseWriter, sess *session.Session) bool {
	if s.limiters.Allow(sess.ID) {
		return true
	}
	w.Header().Set("Retry-After", "5")
	jsonError(w, "too many requests for this session", http.StatusTooManyRequests)
	return false
}

// respondResult writes a tutor result. A synthesis failure still answers
// 200 with the text and an audio_error.
func (s *Server) respondResult(w http.ResponseWriter, r *http.Request, sess *session.Session, res *tutor.Result, err error) {
	var failure *tutor.ServiceFailure
	if err != nil && !(res != nil && errors.As(err, &failure) && failure.Kind == tutor.KindSynthesis) {
		s.fail(w, r, err)
		return
	}
	v := answerOf(sess, res)
	if err != nil {
		v.AudioError = audioError(failure)
	}
	writeJSON(w, http.StatusOK, v)
}

func audioError(f *tutor.ServiceFailure) string {
	if errors.Is(f, speech.ErrDisabled) {
		return "speech is disabled"
	}
	return "speech synthesis failed"
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	req, mode, ok := s.decodeAnswer(w, r)
	if !ok || !s.allow(w, sess) {
		return
	}
	res, err := s.tutor.Answer(r.Context(), sess, req.Question, mode, s.speakDefault(req.Speak))
	s.respondResult(w, r, sess, res, err)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var req explainRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if !s.allow(w, sess) {
		return
	}
	res, err := s.tutor.Explain(r.Context(), sess, s.speakDefault(req.Speak))
	s.respondResult(w, r, sess, res, err)
}

type fragmentEvent struct {
	Text string `json:"text"`
}

type streamErrorEvent struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// handleAnswerStream answers as a server-sent event stream: one "fragment"
// event per model fragment, then a single "done" event carrying the full
// answer or an "error" event. Everything that can be rejected is rejected
// as plain JSON before the stream opens.
func (s *Server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	req, mode, ok := s.decodeAnswer(w, r)
	if !ok || !s.allow(w, sess) {
		return
	}
	st, err := s.tutor.StreamAnswer(r.Context(), sess, req.Question, mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := sse.Upgrade(w, r)
	if err != nil {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sendErr error
	res, err := s.tutor.Collect(r.Context(), sess, st, s.speakDefault(req.Speak), func(fragment, _ string) {
		if sendErr == nil {
			sendErr = sendEvent(conn, "fragment", fragmentEvent{Text: fragment})
		}
	})
	if sendErr != nil {
		s.log.Info("stream client gone", "session_id", sess.ID, "error", sendErr)
		return
	}

	var failure *tutor.ServiceFailure
	switch {
	case err == nil:
		sendErr = sendEvent(conn, "done", answerOf(sess, res))
	case res != nil && errors.As(err, &failure) && failure.Kind == tutor.KindSynthesis:
		v := answerOf(sess, res)
		v.AudioError = audioError(failure)
		sendErr = sendEvent(conn, "done", v)
	default:
		ev := streamErrorEvent{Error: err.Error()}
		if errors.As(err, &failure) {
			ev.Kind = string(failure.Kind)
		}
		sendErr = sendEvent(conn, "error", ev)
	}
	if sendErr != nil {
		s.log.Info("stream client gone", "session_id", sess.ID, "error", sendErr)
	}
}

func sendEvent(conn *sse.Session, typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}
	msg := &sse.Message{Type: sse.Type(typ)}
	msg.AppendData(string(data))
	if err := conn.Send(msg); err != nil {
		return err
	}
	return conn.Flush()
}

type transcriptView struct {
	Status speech.Status `json:"status"`
	Text   string        `json:"text,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// handleTranscribe turns a recorded question into text. Failures come back
// with a status the client can act on: re-record when unintelligible, fall
// back to typing when unavailable.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	up, ok := readUpload(w, r, "file", s.cfg.MaxAudioBytes)
	if !ok {
		return
	}
	audio := speech.Audio{Data: up.Data, Filename: up.Filename, MIMEType: up.ContentType}

	tr := s.recognizer.Recognize(r.Context(), audio)
	v := transcriptView{Status: tr.Status, Text: tr.Text}
	code := http.StatusOK
	switch tr.Status {
	case speech.StatusUnintelligible:
		code = http.StatusUnprocessableEntity
		v.Error = "could not understand the audio, please try again"
	case speech.StatusUnavailable:
		code = http.StatusBadGateway
		v.Error = "speech recognition is unavailable, please type your question"
	case speech.StatusEmptyAudio:
		code = http.StatusBadRequest
		v.Error = "no audio received"
	}
	if tr.Err != nil {
		s.log.Warn("transcription failed", "status", tr.Status.String(), "error", tr.Err)
	}
	writeJSON(w, code, v)
}
