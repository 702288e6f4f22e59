package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// wrapWidth is the popup body width in bytes.
const wrapWidth = 35

var (
	errorTitle = color.New(color.FgRed, color.Bold)
	infoTitle  = color.New(color.FgGreen, color.Bold)
)

// Popup renders m to w as a title line followed by the wrapped body.
func Popup(w io.Writer, m Message) {
	title := infoTitle
	if m.Kind == KindError {
		title = errorTitle
	}
	title.Fprintf(w, "== %s ==\n", m.Title)
	for _, line := range wrap(m.Body, wrapWidth) {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

// wrap breaks text into lines of at most width bytes at spaces. Words
// longer than width get a line of their own.
func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}
