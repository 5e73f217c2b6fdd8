// Package channels holds the chat front-ends of the tracker. Each one turns
// user messages into lifecycle calls and carries scheduled reports back out.
package channels

import (
	"context"

	"github.com/basket/tasktracker/internal/cron"
)

// Channel is a chat front-end run by the daemon.
type Channel interface {
	cron.Sender

	Name() string

	// Start serves users until ctx is cancelled or the channel fails for good.
	Start(ctx context.Context) error
}
