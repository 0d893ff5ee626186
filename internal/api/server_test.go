package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/llm"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/speech"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

const deck = "Intro to queues\fFIFO ordering\fBackpressure"

type fakeGenerator struct {
	mu      sync.Mutex
	answer  string
	frags   []string
	err     error
	prompts []string
}

func (g *fakeGenerator) Model() string { return "fake-model" }

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, req.Prompt)
	return g.answer, g.err
}

func (g *fakeGenerator) Stream(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g.mu.Lock()
		g.prompts = append(g.prompts, req.Prompt)
		frags, err := g.frags, g.err
		g.mu.Unlock()
		for _, f := range frags {
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type fakeRecognizer struct{ tr speech.Transcript }

func (f fakeRecognizer) Recognize(context.Context, speech.Audio) speech.Transcript { return f.tr }

func testConfig() config.Config {
	return config.Config{
		ContextSize:    2,
		SpeechProvider: config.ProviderNone,
		MaxUploadBytes: 1 << 20,
		MaxAudioBytes:  1 << 20,
		RateBurst:      1,
	}
}

type harness struct {
	srv   *Server
	store *session.Store
	gen   *fakeGenerator
	stats *llm.Stats
}

func newHarness(t *testing.T, cfg config.Config, rec speech.Recognizer) *harness {
	t.Helper()
	gen := &fakeGenerator{answer: "**FIFO** means first in, first out."}
	stats := llm.NewStats(0)
	store := session.NewStore(0, 0, nil)
	t.Cleanup(store.Close)
	tu := tutor.New(llm.Measure(gen, stats), nil, tutor.DefaultOptions(), nil)
	return &harness{
		srv:   NewServer(store, tu, rec, stats, nil, cfg),
		store: store,
		gen:   gen,
		stats: stats,
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, method, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (h *harness) createSession(t *testing.T) sessionView {
	t.Helper()
	rec := h.do(uploadRequest(t, http.MethodPost, "/api/sessions", "queues.txt", deck, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[sessionView](t, rec)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	h := newHarness(t, cfg, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, h.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, h.do(req).Code)

	// Health stays public.
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	v := h.createSession(t)

	assert.NotEmpty(t, v.SessionID)
	assert.Equal(t, "queues", v.Title)
	assert.Equal(t, 1, v.CurrentPage)
	assert.Equal(t, 3, v.TotalPages)
	assert.Equal(t, 2, v.ContextSize)
	assert.Equal(t, []int{1, 2}, v.ContextPages)
	assert.Len(t, v.Fingerprint, 64)
	assert.Equal(t, 1, h.store.Len())
}

func TestCreateSessionContextSize(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	rec := h.do(uploadRequest(t, http.MethodPost, "/api/sessions", "queues.txt", deck,
		map[string]string{"context_size": "3"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []int{1, 2, 3}, decode[sessionView](t, rec).ContextPages)

	rec = h.do(uploadRequest(t, http.MethodPost, "/api/sessions", "queues.txt", deck,
		map[string]string{"context_size": "zero"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRejectsBadUploads(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	tests := []struct {
		name     string
		filename string
		content  string
		want     int
	}{
		{"missing file", "", "", http.StatusBadRequest},
		{"unsupported type", "notes.docx", "PK", http.StatusBadRequest},
		{"empty file", "deck.txt", "", http.StatusBadRequest},
		{"blank pages", "deck.txt", " \f \n", http.StatusBadRequest},
		{"not a pdf", "deck.pdf", "plain text", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(uploadRequest(t, http.MethodPost, "/api/sessions", tt.filename, tt.content, nil))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestCreateSessionTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadBytes = 16
	h := newHarness(t, cfg, nil)
	rec := h.do(uploadRequest(t, http.MethodPost, "/api/sessions", "big.txt", strings.Repeat("x", 64), nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil),
		httptest.NewRequest(http.MethodGet, "/api/sessions/nope/page", nil),
		httptest.NewRequest(http.MethodPost, "/api/sessions/nope/next", nil),
		jsonRequest(http.MethodPost, "/api/sessions/nope/answer", `{"question":"why?"}`),
		httptest.NewRequest(http.MethodDelete, "/api/sessions/nope", nil),
	} {
		assert.Equal(t, http.StatusNotFound, h.do(req).Code, req.URL.Path)
	}
}

func TestPageNavigation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID
	base := "/api/sessions/" + id

	rec := h.do(httptest.NewRequest(http.MethodGet, base+"/page", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pageView](t, rec)
	assert.Equal(t, "Intro to queues", page.Text)
	assert.Empty(t, page.Image)
	assert.Empty(t, page.ImageError)

	// Already at the first page.
	mv := decode[moveView](t, h.do(httptest.NewRequest(http.MethodPost, base+"/previous", nil)))
	assert.False(t, mv.Moved)
	assert.Equal(t, 1, mv.CurrentPage)

	mv = decode[moveView](t, h.do(httptest.NewRequest(http.MethodPost, base+"/next", nil)))
	assert.True(t, mv.Moved)
	assert.Equal(t, 2, mv.CurrentPage)

	rec = h.do(httptest.NewRequest(http.MethodGet, base+"/page?page=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[pageView](t, rec)
	assert.Equal(t, 3, page.CurrentPage)
	assert.Equal(t, "Backpressure", page.Text)

	mv = decode[moveView](t, h.do(httptest.NewRequest(http.MethodPost, base+"/next", nil)))
	assert.False(t, mv.Moved)
	assert.Equal(t, 3, mv.CurrentPage)

	for _, bad := range []string{"0", "4", "two"} {
		rec = h.do(httptest.NewRequest(http.MethodGet, base+"/page?page="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
	// A rejected jump leaves the cursor alone.
	sess := h.store.Get(id)
	assert.Equal(t, 2, sess.Cursor())
}

func TestAnswer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID

	rec := h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer",
		`{"question":"  What is FIFO?  ","mode":"general"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[answerView](t, rec)

	assert.Equal(t, session.TurnQuestion, v.Kind)
	assert.Equal(t, "What is FIFO?", v.Question)
	assert.Equal(t, session.ModeGeneral, v.Mode)
	assert.Equal(t, "**FIFO** means first in, first out.", v.Answer)
	assert.Contains(t, v.AnswerHTML, "<strong>FIFO</strong>")
	assert.Equal(t, []int{1, 2}, v.ContextPages)
	assert.Empty(t, v.Audio)
	assert.Empty(t, v.AudioError)

	require.Equal(t, 1, h.gen.calls())
	assert.Contains(t, h.gen.prompts[0], "What is FIFO?")
	assert.Len(t, h.store.Get(id).Turns(), 1)
}

func TestAnswerRejectsBadInputBeforeCallingModel(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID
	path := "/api/sessions/" + id + "/answer"

	tests := []struct {
		name string
		body string
	}{
		{"not json", `question=why`},
		{"empty question", `{"question":"   "}`},
		{"unknown mode", `{"question":"why?","mode":"telepathy"}`},
		{"too long", `{"question":"` + strings.Repeat("a", tutor.MaxQuestionLen+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(jsonRequest(http.MethodPost, path, tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, h.gen.calls())
	assert.Empty(t, h.store.Get(id).Turns())
}

func TestAnswerGenerationFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.gen.err = &llm.ServiceError{Provider: "fake", StatusCode: 529, Message: "overloaded"}
	id := h.createSession(t).SessionID

	rec := h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer", `{"question":"why?"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "overloaded")
	assert.Empty(t, h.store.Get(id).Turns())

	snap := h.stats.Snapshot()
	assert.Equal(t, 1, snap.Errors)
}

func TestAnswerSpeechDisabled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID

	rec := h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer", `{"question":"why?","speak":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[answerView](t, rec)
	assert.NotEmpty(t, v.Answer)
	assert.Empty(t, v.Audio)
	assert.Equal(t, "speech is disabled", v.AudioError)
}

func TestAnswerRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerMinute = 1
	h := newHarness(t, cfg, nil)
	id := h.createSession(t).SessionID
	other := h.createSession(t).SessionID

	path := "/api/sessions/" + id + "/answer"
	assert.Equal(t, http.StatusOK, h.do(jsonRequest(http.MethodPost, path, `{"question":"one"}`)).Code)
	rec := h.do(jsonRequest(http.MethodPost, path, `{"question":"two"}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Buckets are per session.
	rec = h.do(jsonRequest(http.MethodPost, "/api/sessions/"+other+"/answer", `{"question":"three"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExplain(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.gen.answer = "This slide introduces queues."
	id := h.createSession(t).SessionID
	h.do(httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/next", nil))

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/explain", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[answerView](t, rec)
	assert.Equal(t, session.TurnExplain, v.Kind)
	assert.Equal(t, []int{2}, v.ContextPages)
	assert.Equal(t, "This slide introduces queues.", v.Answer)
	assert.Contains(t, h.gen.prompts[0], "FIFO ordering")
}

func readEvents(t *testing.T, resp *http.Response) []sse.Event {
	t.Helper()
	var events []sse.Event
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestAnswerStream(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.gen.frags = []string{"Queues ", "are ", "FIFO."}
	id := h.createSession(t).SessionID
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/answer/stream", "application/json",
		strings.NewReader(`{"question":"what is a queue?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.Len(t, events, 4)
	var got []string
	for _, ev := range events[:3] {
		assert.Equal(t, "fragment", ev.Type)
		var f fragmentEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &f))
		got = append(got, f.Text)
	}
	assert.Equal(t, h.gen.frags, got)

	assert.Equal(t, "done", events[3].Type)
	var done answerView
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &done))
	assert.Equal(t, "Queues are FIFO.", done.Answer)
	assert.Contains(t, done.AnswerHTML, "Queues are FIFO.")

	turns := h.store.Get(id).Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "Queues are FIFO.", turns[0].Answer)
}

func TestAnswerStreamFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.gen.frags = []string{"Queues "}
	h.gen.err = errors.New("connection reset")
	id := h.createSession(t).SessionID
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/answer/stream", "application/json",
		strings.NewReader(`{"question":"what is a queue?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "fragment", events[0].Type)
	assert.Equal(t, "error", events[1].Type)
	var ev streamErrorEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &ev))
	assert.Equal(t, string(tutor.KindGeneration), ev.Kind)
	assert.Contains(t, ev.Error, "connection reset")
	assert.Empty(t, h.store.Get(id).Turns())
}

func TestAnswerStreamRejectsBeforeUpgrade(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID

	rec := h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer/stream", `{"question":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Zero(t, h.gen.calls())
}

func TestTranscribe(t *testing.T) {
	tests := []struct {
		name   string
		tr     speech.Transcript
		want   int
		status string
	}{
		{"ok", speech.Transcript{Status: speech.StatusOK, Text: "what is a queue"}, http.StatusOK, "ok"},
		{"unintelligible", speech.Transcript{Status: speech.StatusUnintelligible}, http.StatusUnprocessableEntity, "unintelligible"},
		{"unavailable", speech.Transcript{Status: speech.StatusUnavailable, Err: errors.New("503")}, http.StatusBadGateway, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), fakeRecognizer{tr: tt.tr})
			rec := h.do(uploadRequest(t, http.MethodPost, "/api/transcribe", "q.webm", "RIFFaudio", nil))
			assert.Equal(t, tt.want, rec.Code)
			v := decode[map[string]string](t, rec)
			assert.Equal(t, tt.status, v["status"])
			assert.Equal(t, tt.tr.Text, v["text"])
		})
	}
}

func TestTranscribeWithoutRecognizer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	rec := h.do(uploadRequest(t, http.MethodPost, "/api/transcribe", "q.webm", "RIFFaudio", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)
}

func TestReplaceDocument(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID
	h.do(httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/next", nil))

	rec := h.do(uploadRequest(t, http.MethodPut, "/api/sessions/"+id+"/document", "stacks.txt", "LIFO\fPush and pop", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[sessionView](t, rec)
	assert.Equal(t, id, v.SessionID)
	assert.Equal(t, "stacks", v.Title)
	assert.Equal(t, 2, v.TotalPages)
	assert.Equal(t, 1, v.CurrentPage)

	rec = h.do(uploadRequest(t, http.MethodPut, "/api/sessions/"+id+"/document", "bad.txt", "\f\f", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "stacks", h.store.Get(id).Title())
}

func TestNotes(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID
	h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer", `{"question":"What is FIFO?"}`))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/notes.docx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "wordprocessingml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="queues-notes.docx"`)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "docx is a zip archive")
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID

	assert.Equal(t, http.StatusNoContent, h.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil)).Code)
	assert.Equal(t, 0, h.store.Len())
}

func TestLLMStats(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	id := h.createSession(t).SessionID
	h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer", `{"question":"why?"}`))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[llm.Snapshot](t, rec)
	assert.Equal(t, "fake-model", snap.Model)
	assert.Equal(t, 1, snap.Count)
}

func TestLimiterForgetsRemovedSessions(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerMinute = 1
	h := newHarness(t, cfg, nil)
	id := h.createSession(t).SessionID
	h.do(jsonRequest(http.MethodPost, "/api/sessions/"+id+"/answer", `{"question":"one"}`))

	h.srv.limiters.mu.Lock()
	_, tracked := h.srv.limiters.limiters[id]
	h.srv.limiters.mu.Unlock()
	require.True(t, tracked)

	require.True(t, h.store.Delete(id))
	h.srv.limiters.mu.Lock()
	_, tracked = h.srv.limiters.limiters[id]
	h.srv.limiters.mu.Unlock()
	assert.False(t, tracked)
}
