package shim

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Progress is the narrow reporting interface the engine calls as recipes
// move through phases. The CLI wires in a TTY-aware implementation; library
// consumers get the no-op default.
type Progress interface {
	PhaseStarted(recipeKey, phase string)
	PhaseFinished(recipeKey, phase string, err error)
}

type noopProgress struct{}

// NoProgress returns a Progress that reports nothing.
func NoProgress() Progress { return noopProgress{} }

func (noopProgress) PhaseStarted(string, string)         {}
func (noopProgress) PhaseFinished(string, string, error) {}

// ttyProgress writes one line per phase transition, trimmed to the
// terminal width when the writer is a TTY so long recipe keys don't wrap.
type ttyProgress struct {
	w     io.Writer
	isTTY bool
	width int
}

// NewProgress returns a Progress writing to w. When w is a terminal,
// output lines are truncated to its width.
func NewProgress(w io.Writer) Progress {
	p := &ttyProgress{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.isTTY = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = width
		}
	}
	return p
}

func (p *ttyProgress) PhaseStarted(recipeKey, phase string) {
	p.line(fmt.Sprintf("%-10s %s", phase, recipeKey))
}

func (p *ttyProgress) PhaseFinished(recipeKey, phase string, err error) {
	if err != nil {
		p.line(fmt.Sprintf("%-10s %s: %v", phase+"!", recipeKey, err))
	}
}

func (p *ttyProgress) line(s string) {
	if p.isTTY && p.width > 0 && len(s) > p.width {
		s = s[:p.width]
	}
	fmt.Fprintln(p.w, s)
}
