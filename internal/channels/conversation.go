package channels

import "sync"

// State is where a chat is in a multi-step dialog.
type State int

const (
	StateIdle State = iota
	StateAwaitingDescription
	StateAwaitingCloseHours
	StateAwaitingDeleteID
	StateAwaitingEditDescription
)

func (s State) String() string {
	switch s {
	case StateAwaitingDescription:
		return "awaiting_description"
	case StateAwaitingCloseHours:
		return "awaiting_close_hours"
	case StateAwaitingDeleteID:
		return "awaiting_delete_id"
	case StateAwaitingEditDescription:
		return "awaiting_edit_description"
	default:
		return "idle"
	}
}

// Conversation is one chat's dialog state. TaskID is set for the close and
// edit states.
type Conversation struct {
	State  State
	TaskID int64
}

type conversations struct {
	mu    sync.Mutex
	chats map[int64]Conversation
}

func newConversations() *conversations {
	return &conversations{chats: make(map[int64]Conversation)}
}

func (c *conversations) get(chatID int64) Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chats[chatID]
}

func (c *conversations) set(chatID int64, conv Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv.State == StateIdle {
		delete(c.chats, chatID)
		return
	}
	c.chats[chatID] = conv
}

func (c *conversations) reset(chatID int64) {
	c.set(chatID, Conversation{})
}
