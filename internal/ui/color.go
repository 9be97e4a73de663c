package ui

import (
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorOnce sync.Once
	colorOK   bool
)

// UseColor reports whether styled output should be emitted: stdout is
// a terminal and the environment allows color (NO_COLOR and dumb
// terminals come back as the Ascii profile).
func UseColor() bool {
	colorOnce.Do(func() {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return
		}
		colorOK = termenv.EnvColorProfile() != termenv.Ascii
	})
	return colorOK
}

// IsInteractive reports whether both ends of the session are
// terminals, which gates the interactive question form.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
