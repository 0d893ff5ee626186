// Package tutor runs the question-answering flows on top of a session:
// validate the question, build the prompt, call the model and optionally
// voice the answer.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"html"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgallion1/doubtsolve/internal/llm"
	"github.com/dgallion1/doubtsolve/internal/render"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/speech"
)

// MaxQuestionLen bounds a question in characters.
const MaxQuestionLen = 2000

var ErrQuestionTooLong = fmt.Errorf("question exceeds %d characters", MaxQuestionLen)

// FailureKind names the remote service that failed.
type FailureKind string

const (
	KindGeneration FailureKind = "generation"
	KindSynthesis  FailureKind = "synthesis"
)

// ServiceFailure wraps an error from a remote service. It is terminal for
// the operation; nothing is retried.
type ServiceFailure struct {
	Kind FailureKind
	Err  error
}

func (f *ServiceFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", f.Kind, f.Err)
}

func (f *ServiceFailure) Unwrap() error { return f.Err }

// Options tunes model calls and speech.
type Options struct {
	MaxTokens   int
	Temperature float32
	Voice       string
}

func DefaultOptions() Options {
	return Options{MaxTokens: llm.DefaultMaxTokens, Temperature: 0.2}
}

// Result is a completed turn plus what the caller needs to display it.
type Result struct {
	Turn   session.Turn
	Prompt string
	HTML   string
	Audio  []byte
}

type Tutor struct {
	gen   llm.Generator
	synth speech.Synthesizer
	opts  Options
	log   *slog.Logger
}

// New builds a Tutor. A nil synth disables speech.
func New(gen llm.Generator, synth speech.Synthesizer, opts Options, log *slog.Logger) *Tutor {
	if synth == nil {
		synth = speech.Disabled{}
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Tutor{gen: gen, synth: synth, opts: opts, log: log}
}

// ValidateQuestion trims q and rejects blank or oversized input. It runs
// before any prompt is built or remote call made.
func ValidateQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", session.ErrEmptyQuestion
	}
	if utf8.RuneCountInString(q) > MaxQuestionLen {
		return "", ErrQuestionTooLong
	}
	return q, nil
}

func (t *Tutor) request(prompt string) llm.Request {
	return llm.Request{
		Prompt:      prompt,
		MaxTokens:   t.opts.MaxTokens,
		Temperature: llm.Temperature(t.opts.Temperature),
	}
}

// Answer asks the model about the context window. A generation failure is
// returned as a *ServiceFailure and nothing is synthesized. A synthesis
// failure still returns the Result, without audio, alongside the error.
func (t *Tutor) Answer(ctx context.Context, sess *session.Session, question string, mode session.Mode, speak bool) (*Result, error) {
	q, err := ValidateQuestion(question)
	if err != nil {
		return nil, err
	}
	prompt, err := sess.BuildPrompt(q, mode)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = session.ModeWindow
	}
	pages := sess.ContextPages()

	start := time.Now()
	answer, err := t.gen.Generate(ctx, t.request(prompt))
	if err != nil {
		t.log.Warn("answer failed", "session_id", sess.ID, "mode", mode, "error", err)
		return nil, &ServiceFailure{Kind: KindGeneration, Err: err}
	}
	t.log.Info("answered", "session_id", sess.ID, "mode", mode, "pages", len(pages),
		"duration_ms", time.Since(start).Milliseconds())

	turn := session.Turn{Kind: session.TurnQuestion, Question: q, Mode: mode, Answer: answer, Pages: pages}
	return t.finish(ctx, sess, turn, prompt, speak)
}

// Explain asks for a short lecture on the page under the cursor.
func (t *Tutor) Explain(ctx context.Context, sess *session.Session, speak bool) (*Result, error) {
	prompt := sess.ExplainPrompt()
	if prompt == "" {
		return nil, session.ErrClosed
	}
	page := sess.Cursor()

	start := time.Now()
	lecture, err := t.gen.Generate(ctx, t.request(prompt))
	if err != nil {
		t.log.Warn("explain failed", "session_id", sess.ID, "page", page, "error", err)
		return nil, &ServiceFailure{Kind: KindGeneration, Err: err}
	}
	t.log.Info("explained", "session_id", sess.ID, "page", page,
		"duration_ms", time.Since(start).Milliseconds())

	turn := session.Turn{Kind: session.TurnExplain, Answer: lecture, Pages: []int{page}}
	return t.finish(ctx, sess, turn, prompt, speak)
}

// Stream is an answer in progress. Fragments is single-use; pass the
// accumulated text to Finish once it ends.
type Stream struct {
	Fragments iter.Seq2[string, error]
	Prompt    string
	turn      session.Turn
}

// StreamAnswer validates and prompts like Answer but returns the model's
// reply as a lazy fragment sequence. No remote call happens until the
// sequence is ranged over.
func (t *Tutor) StreamAnswer(ctx context.Context, sess *session.Session, question string, mode session.Mode) (*Stream, error) {
	q, err := ValidateQuestion(question)
	if err != nil {
		return nil, err
	}
	prompt, err := sess.BuildPrompt(q, mode)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = session.ModeWindow
	}
	return &Stream{
		Fragments: t.gen.Stream(ctx, t.request(prompt)),
		Prompt:    prompt,
		turn: session.Turn{
			Kind:     session.TurnQuestion,
			Question: q,
			Mode:     mode,
			Pages:    sess.ContextPages(),
		},
	}, nil
}

// Accumulate drains seq in order, calling onFragment with each fragment and
// the answer so far. It stops at the first error and returns the text
// accumulated up to it. onFragment may be nil.
func Accumulate(seq iter.Seq2[string, error], onFragment func(fragment, soFar string)) (string, error) {
	var sb strings.Builder
	for frag, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
		if onFragment != nil {
			onFragment(frag, sb.String())
		}
	}
	return sb.String(), nil
}

// Finish records a fully streamed answer and voices it if asked.
func (t *Tutor) Finish(ctx context.Context, sess *session.Session, st *Stream, answer string, speak bool) (*Result, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, &ServiceFailure{Kind: KindGeneration, Err: llm.ErrEmptyResponse}
	}
	turn := st.turn
	turn.Answer = answer
	t.log.Info("answered", "session_id", sess.ID, "mode", turn.Mode, "pages", len(turn.Pages), "streamed", true)
	return t.finish(ctx, sess, turn, st.Prompt, speak)
}

// Collect drains st and finishes it. Stream errors become a generation
// *ServiceFailure.
func (t *Tutor) Collect(ctx context.Context, sess *session.Session, st *Stream, speak bool, onFragment func(fragment, soFar string)) (*Result, error) {
	answer, err := Accumulate(st.Fragments, onFragment)
	if err != nil {
		t.log.Warn("stream failed", "session_id", sess.ID, "error", err)
		return nil, &ServiceFailure{Kind: KindGeneration, Err: err}
	}
	return t.Finish(ctx, sess, st, answer, speak)
}

func (t *Tutor) finish(ctx context.Context, sess *session.Session, turn session.Turn, prompt string, speak bool) (*Result, error) {
	turn.At = time.Now()
	sess.AddTurn(turn)

	res := &Result{Turn: turn, Prompt: prompt}
	rendered, err := render.HTML(turn.Answer)
	if err != nil {
		rendered = "<p>" + html.EscapeString(turn.Answer) + "</p>"
	}
	res.HTML = rendered

	if !speak {
		return res, nil
	}
	audio, err := t.synth.Synthesize(ctx, render.SpeechText(turn.Answer), t.opts.Voice)
	if err != nil {
		if !errors.Is(err, speech.ErrDisabled) {
			t.log.Warn("synthesis failed", "session_id", sess.ID, "error", err)
		}
		return res, &ServiceFailure{Kind: KindSynthesis, Err: err}
	}
	res.Audio = audio
	return res, nil
}
