package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/crucible/internal/api"
	"github.com/kalambet/crucible/internal/config"
	"github.com/kalambet/crucible/internal/pipeline"
	"github.com/kalambet/crucible/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and print the streamed reply",
	Long: `Send a message through the pipeline engine.

Examples:
  crucible chat "write a function that reverses a string"
  crucible chat --conversation 3f2a... "now add tests"
  crucible chat --no-stream "summarize our conversation"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, _ := cmd.Flags().GetString("conversation")
		noStream, _ := cmd.Flags().GetBool("no-stream")
		message := strings.Join(args, " ")

		if convID == "" {
			convID = uuid.NewString()
			printStatus("Conversation", "%s", convID)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, convID, message, !noStream, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	chatCmd.Flags().StringP("conversation", "c", "", "conversation to continue (default: a new one)")
	chatCmd.Flags().Bool("no-stream", false, "wait for the full reply instead of streaming")
}

func runChat(ctx context.Context, client *apiClient, convID, message string, stream bool, out, diag io.Writer) error {
	req := api.MessageRequest{Message: message, Stream: &stream}
	resp, err := client.post(ctx, "/v1/conversations/"+url.PathEscape(convID)+"/messages", req)
	if err != nil {
		return err
	}

	p := &eventPrinter{out: out, diag: diag}
	if stream {
		if err := readEvents(resp, p.print); err != nil {
			return err
		}
	} else {
		var result api.MessageResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, ev := range result.Events {
			if err := p.print(ev); err != nil {
				return err
			}
		}
	}
	if p.failed {
		return errors.New("run failed")
	}
	return nil
}

// --- pipelines ---

var pipelinesCmd = &cobra.Command{
	Use:     "pipelines",
	Aliases: []string{"pipeline"},
	Short:   "Inspect and manage pipeline definitions",
}

var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/pipelines")
		if err != nil {
			return err
		}

		var defs []pipeline.Definition
		if err := decodeJSON(resp, &defs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(defs) == 0 {
			fmt.Fprintln(out, "No pipelines defined.")
			return nil
		}
		for _, d := range defs {
			primary := " "
			if d.Primary {
				primary = "*"
			}
			fmt.Fprintf(out, "%s %-24s %-9s %s\n", primary, colorize(colorCyan, d.ID), d.Status, d.Name)
		}
		return nil
	},
}

var pipelinesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a pipeline definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/pipelines/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var def any
		if err := decodeJSON(resp, &def); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(def)
	},
}

// pipelineActionCmd builds a subcommand that POSTs to a pipeline action
// route and reports the resulting status.
func pipelineActionCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.post(cmd.Context(), "/v1/pipelines/"+url.PathEscape(args[0])+"/"+action, nil)
			if err != nil {
				return err
			}

			var def pipeline.Definition
			if err := decodeJSON(resp, &def); err != nil {
				return err
			}

			printSuccess("Pipeline %s %s (status %s)", def.ID, done, def.Status)
			return nil
		},
	}
}

func init() {
	pipelinesCmd.AddCommand(pipelinesListCmd)
	pipelinesCmd.AddCommand(pipelinesShowCmd)
	pipelinesCmd.AddCommand(pipelineActionCmd("activate", "Make a pipeline selectable", "activated"))
	pipelinesCmd.AddCommand(pipelineActionCmd("archive", "Retire a pipeline", "archived"))
	pipelinesCmd.AddCommand(pipelineActionCmd("primary", "Make an active pipeline the fallback", "is primary"))
}

// --- conversation ---

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Inspect conversations held by the server",
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var conv api.ConversationResponse
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(conv)
		}
		for _, m := range conv.Messages {
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, string(m.Role)+":"), m.Content)
		}
		return nil
	},
}

func init() {
	conversationShowCmd.Flags().Bool("json", false, "print raw JSON")
	conversationCmd.AddCommand(conversationShowCmd)
}

// --- executions ---

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List recent pipeline executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		pipelineID, _ := cmd.Flags().GetString("pipeline")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if pipelineID != "" {
			q.Set("pipeline", pipelineID)
		}
		resp, err := client.get(cmd.Context(), "/v1/executions?"+q.Encode())
		if err != nil {
			return err
		}

		var execs []storage.Execution
		if err := decodeJSON(resp, &execs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(execs) == 0 {
			fmt.Fprintln(out, "No executions found.")
			return nil
		}
		for _, e := range execs {
			status := colorize(colorGreen, "ok")
			if !e.Success {
				status = colorize(colorRed, "failed")
			}
			id := e.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(out, "%s  %s  %-16s %8s  %5d tok  %s\n",
				colorize(colorCyan, id),
				e.StartedAt.Local().Format(time.DateTime),
				e.PipelineID,
				e.Duration.Round(time.Millisecond),
				e.Tokens,
				status,
			)
		}
		return nil
	},
}

func init() {
	executionsCmd.Flags().Int("limit", 20, "maximum number of executions to list")
	executionsCmd.Flags().String("pipeline", "", "only list executions of this pipeline")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
