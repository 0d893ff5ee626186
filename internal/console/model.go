// Package console is the terminal front end: page through a deck, ask
// questions about the pages seen so far and watch the answer stream in.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dgallion1/doubtsolve/internal/notes"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	pageStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1)

	answerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#04B575")).
			Padding(0, 1)

	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F25D94")).Bold(true)
)

// Config wires a loaded session into the console.
type Config struct {
	Session *session.Session
	Tutor   *tutor.Tutor
	Mode    session.Mode
	// Stream shows the answer fragment by fragment as it arrives.
	Stream   bool
	NotesDir string
	Log      *slog.Logger
}

type stage int

const (
	stageBrowse stage = iota
	stageAsk
	stageGoto
)

type fragmentMsg struct{ soFar string }

type answerMsg struct {
	res *tutor.Result
	err error
}

type notesMsg struct {
	path string
	err  error
}

// Model is the bubbletea model for one console session.
type Model struct {
	ctx  context.Context
	cfg  Config
	keys KeyMap
	log  *slog.Logger

	stage   stage
	mode    session.Mode
	page    viewport.Model
	answer  viewport.Model
	input   textinput.Model
	spinner spinner.Model
	help    help.Model

	busy       bool
	updates    <-chan tea.Msg
	question   string
	answerText string
	status     string
	errText    string
	width      int
	height     int
}

// New returns a Model showing the session's current page.
func New(ctx context.Context, cfg Config) *Model {
	if cfg.Mode == "" {
		cfg.Mode = session.ModeWindow
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	in := textinput.New()
	in.CharLimit = tutor.MaxQuestionLen
	in.Prompt = "> "

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	m := &Model{
		ctx:     ctx,
		cfg:     cfg,
		keys:    DefaultKeyMap,
		log:     log.With("session_id", cfg.Session.ID),
		mode:    cfg.Mode,
		page:    viewport.New(80, 8),
		answer:  viewport.New(80, 8),
		input:   in,
		spinner: spin,
		help:    help.New(),
		status:  "Press a to ask about the pages you have seen.",
	}
	m.resize(80, 24)
	return m
}

// Run starts the console and blocks until the user quits.
func Run(ctx context.Context, cfg Config) error {
	p := tea.NewProgram(New(ctx, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd { return nil }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case fragmentMsg:
		m.setAnswer(msg.soFar)
		return m, m.waitForUpdate()

	case answerMsg:
		m.finishAnswer(msg)
		return m, nil

	case notesMsg:
		if msg.err != nil {
			m.setError(fmt.Errorf("save notes: %w", msg.err))
		} else {
			m.errText = ""
			m.status = "Notes saved to " + msg.path
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		// One operation at a time.
		if m.busy {
			return m, nil
		}
		if m.stage != stageBrowse {
			return m.updateInput(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m *Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	sess := m.cfg.Session
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Next):
		if !sess.NextPage() {
			m.status = "You're already on the last page."
			return m, nil
		}
		m.pageChanged()

	case key.Matches(msg, m.keys.Previous):
		if !sess.PreviousPage() {
			m.status = "You're already on the first page."
			return m, nil
		}
		m.pageChanged()

	case key.Matches(msg, m.keys.Goto):
		return m, m.prompt(stageGoto, fmt.Sprintf("page number (1-%d)", sess.PageCount()))

	case key.Matches(msg, m.keys.Ask):
		return m, m.prompt(stageAsk, "Type your question")

	case key.Matches(msg, m.keys.Explain):
		return m, m.startExplain()

	case key.Matches(msg, m.keys.Mode):
		m.mode = nextMode(m.mode)
		m.status = "Answer mode: " + modeLabel(m.mode)

	case key.Matches(msg, m.keys.Notes):
		return m, m.saveNotes()

	default:
		var cmd tea.Cmd
		m.answer, cmd = m.answer.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.closePrompt()
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		value, st := m.input.Value(), m.stage
		m.closePrompt()
		if st == stageGoto {
			m.gotoPage(value)
			return m, nil
		}
		return m, m.startAnswer(value)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) prompt(st stage, placeholder string) tea.Cmd {
	m.stage = st
	m.input.Reset()
	m.input.Placeholder = placeholder
	return m.input.Focus()
}

func (m *Model) closePrompt() {
	m.stage = stageBrowse
	m.input.Blur()
	m.input.Reset()
}

func (m *Model) gotoPage(value string) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		m.setError(fmt.Errorf("%q is not a page number", value))
		return
	}
	if err := m.cfg.Session.GotoPage(session.DisplayToIndex(n)); err != nil {
		m.setError(err)
		return
	}
	m.pageChanged()
}

func (m *Model) pageChanged() {
	m.errText = ""
	m.status = ""
	m.refreshPage()
}

func (m *Model) startAnswer(question string) tea.Cmd {
	q, err := tutor.ValidateQuestion(question)
	if err != nil {
		m.setError(err)
		return nil
	}
	m.question = q
	m.errText = ""
	m.status = ""
	m.setAnswer("")

	ctx, sess, tu, mode := m.ctx, m.cfg.Session, m.cfg.Tutor, m.mode
	if !m.cfg.Stream {
		m.busy = true
		return tea.Batch(m.spinner.Tick, func() tea.Msg {
			res, err := tu.Answer(ctx, sess, q, mode, false)
			return answerMsg{res: res, err: err}
		})
	}

	st, err := tu.StreamAnswer(ctx, sess, q, mode)
	if err != nil {
		m.setError(err)
		return nil
	}
	updates := make(chan tea.Msg, 16)
	go func() {
		defer close(updates)
		res, err := tu.Collect(ctx, sess, st, false, func(_, soFar string) {
			updates <- fragmentMsg{soFar: soFar}
		})
		updates <- answerMsg{res: res, err: err}
	}()
	m.updates = updates
	m.busy = true
	return tea.Batch(m.spinner.Tick, m.waitForUpdate())
}

func (m *Model) startExplain() tea.Cmd {
	sess := m.cfg.Session
	m.question = fmt.Sprintf("Explain page %d", session.IndexToDisplay(sess.Cursor()))
	m.errText = ""
	m.status = ""
	m.setAnswer("")
	m.busy = true

	ctx, tu := m.ctx, m.cfg.Tutor
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		res, err := tu.Explain(ctx, sess, false)
		return answerMsg{res: res, err: err}
	})
}

func (m *Model) waitForUpdate() tea.Cmd {
	updates := m.updates
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-updates
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) finishAnswer(msg answerMsg) {
	m.busy = false
	m.updates = nil
	if msg.err != nil {
		m.log.Warn("answer failed", "error", msg.err)
		m.setError(msg.err)
		return
	}
	m.setAnswer(msg.res.Turn.Answer)
	m.status = "Answered from " + pageList(msg.res.Turn.Pages)
}

func (m *Model) saveNotes() tea.Cmd {
	sess := m.cfg.Session
	title, turns := sess.Title(), sess.Turns()
	path := filepath.Join(m.cfg.NotesDir, notesFilename(title))
	return func() tea.Msg {
		f, err := os.Create(path)
		if err != nil {
			return notesMsg{err: err}
		}
		if err := notes.Write(f, title, turns); err != nil {
			f.Close()
			return notesMsg{err: err}
		}
		return notesMsg{path: path, err: f.Close()}
	}
}

func (m *Model) setError(err error) {
	m.status = ""
	m.errText = describe(err)
}

// describe turns an operation error into a message for the student.
func describe(err error) string {
	var (
		failure  *tutor.ServiceFailure
		rangeErr *session.PageRangeError
	)
	switch {
	case errors.Is(err, session.ErrEmptyQuestion):
		return "Please type a question first."
	case errors.Is(err, tutor.ErrQuestionTooLong):
		return fmt.Sprintf("Questions are limited to %d characters.", tutor.MaxQuestionLen)
	case errors.As(err, &rangeErr):
		return fmt.Sprintf("There is no page %d; the deck has %d pages.",
			session.IndexToDisplay(rangeErr.Requested), rangeErr.Total)
	case errors.As(err, &failure) && failure.Kind == tutor.KindGeneration:
		return "The model could not answer: " + failure.Err.Error()
	}
	return err.Error()
}

func (m *Model) setAnswer(text string) {
	m.answerText = text
	m.answer.SetContent(wrap(text, m.answer.Width))
	m.answer.GotoBottom()
}

func (m *Model) refreshPage() {
	text := m.cfg.Session.CurrentPageText()
	if strings.TrimSpace(text) == "" {
		text = dimStyle.Render("(no text on this page)")
	}
	m.page.SetContent(wrap(text, m.page.Width))
	m.page.GotoTop()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.help.Width = width
	m.input.Width = max(width-4, 10)

	// Header, two box titles, input, status and help lines, plus borders.
	avail := max(height-10, 4)
	pageH := max(avail*2/5, 2)
	m.page.Width = max(width-4, 10)
	m.page.Height = pageH
	m.answer.Width = max(width-4, 10)
	m.answer.Height = max(avail-pageH, 2)

	m.refreshPage()
	m.setAnswer(m.answerText)
}

func (m *Model) View() string {
	sess := m.cfg.Session
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render("doubtsolve"),
		" ",
		sess.Title(),
		dimStyle.Render(fmt.Sprintf("  page %d/%d  mode: %s  context: %s",
			session.IndexToDisplay(sess.Cursor()), sess.PageCount(),
			modeLabel(m.mode), pageList(sess.ContextPages()))),
	)

	question := dimStyle.Render("Answer")
	if m.question != "" {
		question = "Q: " + m.question
	}

	var line string
	switch {
	case m.stage != stageBrowse:
		line = m.input.View()
	case m.busy:
		line = m.spinner.View() + " Thinking..."
	case m.errText != "":
		line = errorStyle.Render(m.errText)
	default:
		line = dimStyle.Render(m.status)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		pageStyle.Render(m.page.View()),
		question,
		answerStyle.Render(m.answer.View()),
		line,
		m.help.View(m.keys),
	)
}

func nextMode(cur session.Mode) session.Mode {
	for i, md := range session.Modes {
		if md == cur {
			return session.Modes[(i+1)%len(session.Modes)]
		}
	}
	return session.ModeWindow
}

func modeLabel(md session.Mode) string {
	switch md {
	case session.ModeReference:
		return "reference (whole deck)"
	case session.ModeGeneral:
		return "general knowledge"
	}
	return "context window"
}

// pageList renders 0-based page indexes as 1-based display numbers.
func pageList(pages []int) string {
	if len(pages) == 0 {
		return "no pages"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(session.IndexToDisplay(p))
	}
	return "pages " + strings.Join(parts, ", ")
}

func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}

func notesFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, title)
	if name == "" {
		name = "session"
	}
	return name + "-notes.docx"
}
