package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/crucible/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat      Chatter
	Pipelines pipeline.Store
	Version   string
}

// pipelineSummary is the MCP listing shape of a definition.
type pipelineSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      pipeline.Status `json:"status"`
	Primary     bool            `json:"primary"`
	Keywords    []string        `json:"trigger_keywords,omitempty"`
}

// NewMCPServer creates an MCP server exposing chat and pipeline inspection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"crucible",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("crucible runs chat messages through configurable pipelines with tool execution."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message on a conversation and return the assistant's final answer with the tools it used."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; created if new"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pipelines",
			mcp.WithDescription("List every pipeline definition with its status and primary flag."),
		),
		mcpListPipelines(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Return the stored messages of a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pipelines://active",
			"Active Pipelines",
			mcp.WithResourceDescription("Active pipeline definitions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActive(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil || strings.TrimSpace(convID) == "" {
			return mcpError("conversation_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}

		events, err := deps.Chat.ProcessWithHistory(ctx, convID, message, nil).Collect()
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		var (
			content  string
			used     []string
			warnings []string
		)
		for _, o := range events {
			switch v := o.(type) {
			case pipeline.Complete:
				content = v.Content
			case pipeline.ToolResultEvent:
				mark := "ok"
				if !v.Result.Success {
					mark = "failed"
				}
				used = append(used, fmt.Sprintf("%s (%s)", v.Result.ToolName, mark))
			case pipeline.Error:
				warnings = append(warnings, v.Message)
			}
		}

		var b strings.Builder
		b.WriteString(content)
		if len(used) > 0 {
			b.WriteString("\n\nTools: ")
			b.WriteString(strings.Join(used, ", "))
		}
		if len(warnings) > 0 {
			b.WriteString("\n\nWarnings: ")
			b.WriteString(strings.Join(warnings, "; "))
		}
		return mcpText(b.String()), nil
	}
}

func mcpListPipelines(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		defs, err := deps.Pipelines.ListPipelines(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pipelines: %v", err)), nil
		}
		b, err := json.Marshal(summarize(defs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal pipelines: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		buf, ok := deps.Chat.Conversation(convID)
		if !ok {
			return mcpError(fmt.Sprintf("conversation %s not found", convID)), nil
		}
		b, err := json.Marshal(ConversationResponse{ID: convID, Messages: buf.Messages()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceActive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		defs, err := deps.Pipelines.ListPipelines(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list pipelines: %w", err)
		}
		active := make([]pipeline.Definition, 0, len(defs))
		for _, d := range defs {
			if d.Active() {
				active = append(active, d)
			}
		}

		b, err := json.Marshal(summarize(active))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pipelines: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func summarize(defs []pipeline.Definition) []pipelineSummary {
	out := make([]pipelineSummary, len(defs))
	for i, d := range defs {
		out[i] = pipelineSummary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Status:      d.Status,
			Primary:     d.Primary,
			Keywords:    d.Config.TriggerKeywords,
		}
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
