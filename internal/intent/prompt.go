package intent

import (
	"github.com/kalambet/crucible/internal/conversation"
)

const systemPrompt = `You are an intent classifier for a coding assistant. Analyze the user's message. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Intent types:
- "code_write": user wants new code, an app, a script, a page or a game
- "code_edit": user wants existing code changed, fixed or refactored
- "code_explain": user wants code explained
- "tool_use": user wants files read, written or listed, or a command run
- "question": user is asking a general knowledge or technical question
- "chat": greetings, thanks and anything else

Rules:
- confidence is a number between 0 and 1.
- Set requires_tools to true only when the request cannot be answered without touching files or running commands.
- Set requires_plan to true when the deliverable spans several files or components.
- keywords lists the words in the message that drove your decision.`

// BuildPrompt returns the messages for classifying message, preceded by
// recent history for context.
func BuildPrompt(message string, history []conversation.Message) []conversation.Message {
	messages := []conversation.Message{
		{Role: conversation.RoleSystem, Content: systemPrompt},
	}
	for _, m := range history {
		if m.Role == conversation.RoleSystem {
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, conversation.Message{
		Role:    conversation.RoleUser,
		Content: message,
	})
}
