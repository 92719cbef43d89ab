package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// report prints aligned key/value lines and check results, styled when
// the output is a terminal.
type report struct {
	w      io.Writer
	styled bool

	titleStyle lipgloss.Style
	keyStyle   lipgloss.Style
	passStyle  lipgloss.Style
	failStyle  lipgloss.Style
	dimStyle   lipgloss.Style
}

func newReport(w io.Writer) *report {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &report{
		w:          w,
		styled:     styled,
		titleStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		keyStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(20),
		passStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		failStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		dimStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func (r *report) render(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *report) title(text string) {
	fmt.Fprintln(r.w, r.render(r.titleStyle, text))
	fmt.Fprintln(r.w, r.render(r.dimStyle, "─────────────────────────────────────────────────"))
}

func (r *report) field(key, value string) {
	if r.styled {
		fmt.Fprintf(r.w, "  %s%s\n", r.keyStyle.Render(key+":"), value)
		return
	}
	fmt.Fprintf(r.w, "  %-20s%s\n", key+":", value)
}

// check prints one check result; a nil err means it passed.
func (r *report) check(name string, err error, detail string) {
	mark := r.render(r.passStyle, "PASS")
	if err != nil {
		mark = r.render(r.failStyle, "FAIL")
		detail = err.Error()
	}
	if r.styled {
		fmt.Fprintf(r.w, "  %s  %s%s\n", mark, r.keyStyle.Render(name), r.render(r.dimStyle, detail))
		return
	}
	fmt.Fprintf(r.w, "  %s  %-20s%s\n", mark, name, detail)
}

func (r *report) skip(name, reason string) {
	mark := r.render(r.dimStyle, "SKIP")
	fmt.Fprintf(r.w, "  %s  %-20s%s\n", mark, name, reason)
}

func (r *report) line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}
