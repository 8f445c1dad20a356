package conversation

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// IsTurnRole reports whether messages with this role are stored as conversation turns.
// System messages are only ever produced during request assembly.
func (r Role) IsTurnRole() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one role-tagged entry, either a stored turn or an entry of an assembled request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

func (m Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}
