package tui

import "github.com/basket/tasktracker/internal/lifecycle"

// humanError renders err as the status line text. Domain errors get the
// same wording the bot uses.
func humanError(err error) string {
	if err == nil {
		return ""
	}
	return lifecycle.Describe(err)
}
