package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/kalambet/crucible/internal/tools"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// DefaultMaxMessages is the soft cap applied when a buffer is created
// without an explicit limit.
const DefaultMaxMessages = 200

// Message is one turn of a conversation.
type Message struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Buffer is the ordered history of a single conversation. Reads and
// appends are mutually exclusive; whole turns are serialized separately
// through AcquireTurn.
type Buffer struct {
	id          string
	maxMessages int

	mu       sync.Mutex
	messages []Message

	turn chan struct{}
}

// NewBuffer creates an empty buffer. maxMessages <= 0 selects
// DefaultMaxMessages.
func NewBuffer(id string, maxMessages int) *Buffer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Buffer{
		id:          id,
		maxMessages: maxMessages,
		turn:        make(chan struct{}, 1),
	}
}

// ID returns the conversation id.
func (b *Buffer) ID() string { return b.id }

// Add appends a message, stamping it if it carries no timestamp, and evicts
// the oldest non-system messages while the buffer is over its cap.
func (b *Buffer) Add(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.ToolCalls = cloneCalls(m.ToolCalls)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	for len(b.messages) > b.maxMessages {
		if !b.evictOldestLocked() {
			break
		}
	}
}

func (b *Buffer) evictOldestLocked() bool {
	for i, m := range b.messages {
		if m.Role != RoleSystem {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Replace overwrites the message at index i. It reports false when i is out
// of range.
func (b *Buffer) Replace(i int, m Message) bool {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.messages) {
		return false
	}
	m.ToolCalls = cloneCalls(m.ToolCalls)
	b.messages[i] = m
	return true
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Messages returns a snapshot of the full history in order.
func (b *Buffer) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Since returns a snapshot of the messages from index n onward.
func (b *Buffer) Since(n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(b.messages) {
		return nil
	}
	out := make([]Message, len(b.messages)-n)
	copy(out, b.messages[n:])
	return out
}

// LastUser returns the most recent user message.
func (b *Buffer) LastUser() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Role == RoleUser {
			return b.messages[i], true
		}
	}
	return Message{}, false
}

// Windowed returns every system message followed by the longest run of the
// most recent non-system messages whose estimated tokens fit in what is
// left of maxTokens. Order is chronological within each group.
// maxTokens <= 0 disables the budget.
func (b *Buffer) Windowed(maxTokens int) []Message {
	return Window(b.Messages(), maxTokens)
}

// Window applies the windowing rule of Buffer.Windowed to msgs.
func Window(msgs []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		out := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Role == RoleSystem {
				out = append(out, m)
			}
		}
		for _, m := range msgs {
			if m.Role != RoleSystem {
				out = append(out, m)
			}
		}
		return out
	}

	var system, rest []Message
	used := 0
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
			used += EstimateTokens(m.Content)
		} else {
			rest = append(rest, m)
		}
	}

	budget := maxTokens - used
	start := len(rest)
	for start > 0 {
		cost := EstimateTokens(rest[start-1].Content)
		if cost > budget {
			break
		}
		budget -= cost
		start--
	}

	out := make([]Message, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	return append(out, rest[start:]...)
}

// AcquireTurn blocks until no other turn holds the conversation, or ctx is
// done. The returned release must be called exactly once.
func (b *Buffer) AcquireTurn(ctx context.Context) (release func(), err error) {
	select {
	case b.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-b.turn }) }, nil
}

func (b *Buffer) inTurn() bool { return len(b.turn) > 0 }

func cloneCalls(calls []tools.Call) []tools.Call {
	if len(calls) == 0 {
		return nil
	}
	out := make([]tools.Call, len(calls))
	copy(out, calls)
	return out
}
