//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// resetTerminal restores cooked mode if the program exits without cleaning
// up (a panic inside Update, or a kill while the alt screen is active).
func resetTerminal() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	// /dev/tty so redirected stdin does not matter.
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
