package goalengine

import (
	"fmt"
	"strings"

	"deskagent/pkg/types"
)

// ScreenshotPlaceholder replaces screenshots in the stored conversation.
const ScreenshotPlaceholder = "'*Screenshots hidden by system*'"

// History is the persisted conversation. It never stores image parts.
type History struct {
	msgs  []types.Message
	limit int
}

// NewHistory starts a conversation with the task message. limit is the
// length above which history is truncated to the first entry plus the most
// recent limit-1.
func NewHistory(task string, limit int) *History {
	if limit < 2 {
		limit = 2
	}
	return &History{
		msgs:  []types.Message{types.TextMessage(types.RoleUser, fmt.Sprintf("New task: %s", task))},
		limit: limit,
	}
}

// Messages returns a copy of the stored conversation.
func (h *History) Messages() []types.Message {
	out := make([]types.Message, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = types.Message{Role: m.Role, Parts: append([]types.Part(nil), m.Parts...)}
	}
	return out
}

func (h *History) Len() int { return len(h.msgs) }

// Request builds the message list for one model call: the stored history
// with parts merged into the trailing user turn. History is not modified.
func (h *History) Request(parts ...types.Part) []types.Message {
	msgs := h.Messages()
	if n := len(msgs); n > 0 && msgs[n-1].Role == types.RoleUser {
		msgs[n-1].Parts = append(msgs[n-1].Parts, parts...)
		return msgs
	}
	return append(msgs, types.Message{Role: types.RoleUser, Parts: parts})
}

// AppendUser adds parts to the trailing user turn, or starts a new one.
// Image parts are dropped.
func (h *History) AppendUser(in ...types.Part) {
	parts := make([]types.Part, 0, len(in))
	for _, p := range in {
		if !p.IsImage() {
			parts = append(parts, p)
		}
	}
	if n := len(h.msgs); n > 0 && h.msgs[n-1].Role == types.RoleUser {
		h.msgs[n-1].Parts = append(h.msgs[n-1].Parts, parts...)
	} else {
		h.msgs = append(h.msgs, types.Message{Role: types.RoleUser, Parts: parts})
	}
	h.truncate()
}

// AppendAssistant stores a model reply.
func (h *History) AppendAssistant(text string) {
	h.msgs = append(h.msgs, types.TextMessage(types.RoleAssistant, text))
	h.truncate()
}

func (h *History) truncate() {
	if len(h.msgs) <= h.limit {
		return
	}
	kept := make([]types.Message, 0, h.limit)
	kept = append(kept, h.msgs[0])
	kept = append(kept, h.msgs[len(h.msgs)-(h.limit-1):]...)
	h.msgs = kept
}

// FormatResults renders command results the way they are fed back to the model.
func FormatResults(results []types.CommandResult) string {
	var b strings.Builder
	b.WriteString("Command results:\n")
	for _, r := range results {
		status := "+"
		if !r.Success {
			status = "-"
		}
		fmt.Fprintf(&b, "%s %s: %s\n", status, r.Command.Name, r.Message)
	}
	return b.String()
}
