package session

import (
	"fmt"
	"strings"

	"github.com/dgallion1/doubtsolve/internal/document"
)

// Mode selects the instruction attached to a question. It never changes
// which pages are retrieved.
type Mode string

const (
	// ModeWindow answers from the context window only.
	ModeWindow Mode = "window"
	// ModeReference also attaches the whole deck, without revealing pages
	// the student has not reached.
	ModeReference Mode = "reference"
	// ModeGeneral lets the model add general knowledge, flagged as such.
	ModeGeneral Mode = "general"
)

// Modes lists every answer mode in display order.
var Modes = []Mode{ModeWindow, ModeReference, ModeGeneral}

// ParseMode maps user input to a Mode. The empty string selects ModeWindow.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return ModeWindow, nil
	}
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

const windowInstruction = `Please answer the question based on the context provided above. If the answer is not in the context, please say so.`

const referenceInstruction = `Answer primarily from the recent slides above. If they do not fully cover the question, check the full deck below to see whether the topic comes up later.

Guidelines for answering:
1. If the answer is in the recent slides, give it directly.
2. If the topic is covered on a later slide, say so and give that slide's page number. Do not reveal details from later slides.
3. If no slide covers the topic, say that the presentation does not cover it.
4. Keep your answer within 150 words.`

const generalInstruction = `Please answer the question based on the context provided above. If the context does not fully answer it, you may use your general knowledge to give a more complete answer. Clearly separate what comes from the slides from what you add, and say explicitly when you go beyond the given context. Keep your answer within 100 words.`

const explainInstruction = `As an experienced technical instructor, present this slide to your students. Your explanation should:

1. Open with a short hook (1-2 sentences) that sets the scene.
2. State the main topic or idea in one sentence.
3. Explain 2-3 key points in plain language, with relatable examples where they help.
4. Briefly mention any important formula, diagram or code snippet, if the slide has one.
5. Close with a quick takeaway (1-2 sentences).

Aim for about 150 words, roughly two minutes when spoken, in an engaging conversational tone addressed directly to the students.`

// BuildPrompt assembles the model prompt for question from the context
// window. It does not change session state.
func (s *Session) BuildPrompt(question string, mode Mode) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var sb strings.Builder
	sb.WriteString("Context from the PDF:\n\n")
	writePages(&sb, s.window.entries)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\n")

	switch mode {
	case ModeReference:
		sb.WriteString(referenceInstruction)
		sb.WriteString("\n\nFull content of all slides (for reference only, do not disclose details of later slides):\n\n")
		writeDeck(&sb, s.doc, s.referenceBudget)
	case ModeGeneral:
		sb.WriteString(generalInstruction)
	default:
		sb.WriteString(windowInstruction)
	}
	return sb.String(), nil
}

// ExplainPrompt builds the lecture prompt for the page under the cursor. It
// ignores the context window.
func (s *Session) ExplainPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Context from the PDF:\n\n")
	writePages(&sb, []Entry{{Page: s.cursor, Text: s.doc.PageText(s.cursor)}})
	sb.WriteString("\n\n")
	sb.WriteString(explainInstruction)
	return sb.String()
}

// ContextPages returns the 0-based pages currently in the window.
func (s *Session) ContextPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.pages()
}

func writePages(sb *strings.Builder, entries []Entry) {
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(sb, "Page %d:\n%s", IndexToDisplay(e.Page), e.Text)
	}
}

// writeDeck appends every page of doc until budget estimated tokens are
// used, then notes which pages were left out.
func writeDeck(sb *strings.Builder, doc document.Document, budget int) {
	used := 0
	total := doc.PageCount()
	for i := 0; i < total; i++ {
		block := fmt.Sprintf("Page %d:\n%s", IndexToDisplay(i), doc.PageText(i))
		cost := EstimateTokens(block)
		if budget > 0 && used+cost > budget {
			fmt.Fprintf(sb, "\n\n[Pages %d-%d omitted to fit the prompt.]", IndexToDisplay(i), total)
			return
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block)
		used += cost
	}
}
