// Package notes exports a session's questions and answers as a Word
// document the student can keep.
package notes

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fumiama/go-docx"

	"github.com/dgallion1/doubtsolve/internal/render"
	"github.com/dgallion1/doubtsolve/internal/session"
)

const (
	styleTitle    = "Title"
	styleHeading1 = "Heading1"
	styleHeading2 = "Heading2"
)

// Write renders turns as DOCX study notes: a heading per turn, then the
// question, the answer as plain paragraphs and the pages that were in
// context when it was asked.
func Write(w io.Writer, title string, turns []session.Turn) error {
	doc := docx.New().WithDefaultTheme()

	if strings.TrimSpace(title) == "" {
		title = "Study notes"
	}
	doc.AddParagraph().Style(styleTitle).AddText(title).Bold().Size("36")
	doc.AddParagraph().AddText("Exported " + time.Now().Format("2 January 2006 15:04")).Italic()

	if len(turns) == 0 {
		doc.AddParagraph().AddText("No questions were asked in this session.")
	}

	for i, t := range turns {
		doc.AddParagraph().Style(styleHeading1).AddText(turnHeading(i, t))
		if t.Kind == session.TurnQuestion {
			p := doc.AddParagraph()
			p.AddText("Q: ").Bold()
			p.AddText(t.Question)
		}

		doc.AddParagraph().Style(styleHeading2).AddText("Answer")
		for _, para := range answerParagraphs(t.Answer) {
			doc.AddParagraph().AddText(para)
		}

		if len(t.Pages) > 0 {
			doc.AddParagraph().AddText("Pages in context: " + displayPages(t.Pages)).Italic().Color("666666")
		}
	}

	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("write docx: %w", err)
	}
	return nil
}

func turnHeading(i int, t session.Turn) string {
	if t.Kind == session.TurnExplain {
		if len(t.Pages) > 0 {
			return fmt.Sprintf("%d. Explanation of page %d", i+1, session.IndexToDisplay(t.Pages[0]))
		}
		return fmt.Sprintf("%d. Explanation", i+1)
	}
	q := strings.Join(strings.Fields(t.Question), " ")
	if r := []rune(q); len(r) > 80 {
		q = string(r[:77]) + "..."
	}
	return fmt.Sprintf("%d. %s", i+1, q)
}

// answerParagraphs strips markdown and splits on block boundaries.
func answerParagraphs(answer string) []string {
	var out []string
	for _, line := range strings.Split(render.SpeechText(answer), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = append(out, "(no answer)")
	}
	return out
}

func displayPages(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(session.IndexToDisplay(p))
	}
	return strings.Join(parts, ", ")
}
