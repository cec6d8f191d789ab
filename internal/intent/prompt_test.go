package intent

import (
	"strings"
	"testing"

	"github.com/kalambet/crucible/internal/conversation"
)

func TestPromptContainsInstructions(t *testing.T) {
	messages := BuildPrompt("test query", nil)

	system := messages[0].Content
	if !strings.Contains(system, "intent classifier") {
		t.Error("system prompt does not contain role instruction")
	}
	for _, ty := range []string{"code_write", "code_edit", "code_explain", "tool_use", "question", "chat"} {
		if !strings.Contains(system, ty) {
			t.Errorf("system prompt does not define %s", ty)
		}
	}
}

func TestPromptHistoryOrder(t *testing.T) {
	history := []conversation.Message{
		{Role: conversation.RoleSystem, Content: "ignored"},
		{Role: conversation.RoleUser, Content: "earlier question"},
		{Role: conversation.RoleAssistant, Content: "earlier answer"},
	}
	messages := BuildPrompt("current query", history)

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != conversation.RoleSystem {
		t.Errorf("first message role = %q, want system", messages[0].Role)
	}
	if messages[1].Content != "earlier question" || messages[2].Content != "earlier answer" {
		t.Errorf("history not preserved in order: %+v", messages[1:3])
	}
	last := messages[len(messages)-1]
	if last.Role != conversation.RoleUser || last.Content != "current query" {
		t.Errorf("last message = %+v, want user query", last)
	}
}
