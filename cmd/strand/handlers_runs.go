package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
	"github.com/spf13/cobra"
)

// =============================================================================
// Runs Command Handlers
// =============================================================================

func runRunsList(cmd *cobra.Command, client *apiClient, agentID string, limit int) error {
	query := url.Values{}
	query.Set("agent_id", agentID)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Runs []*models.Run `json:"runs"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/runs?"+query.Encode(), &payload); err != nil {
		return err
	}
	if len(payload.Runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTOP\tBACKGROUND\tCREATED\tUPDATED")
	for _, run := range payload.Runs {
		stop := string(run.StopReason)
		if stop == "" {
			stop = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			run.ID, run.Status, stop, run.Background,
			run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runRunsGet(cmd *cobra.Command, client *apiClient, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run-id is required")
	}

	var run models.Run
	if err := client.getJSON(cmd.Context(), "/v1/runs/"+url.PathEscape(runID), &run); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func runRunsCancel(cmd *cobra.Command, client *apiClient, runID, reason string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run-id is required")
	}

	payload := map[string]string{}
	if reason != "" {
		payload["reason"] = reason
	}

	var run models.Run
	if err := client.postJSON(cmd.Context(), "/v1/runs/"+url.PathEscape(runID)+"/cancel", payload, &run); err != nil {
		return err
	}

	// The flag is observed at the loop's next suspension point, so the
	// returned status may still be "running".
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested: run %s status=%s\n", run.ID, run.Status)
	return nil
}

func runRunsWatch(cmd *cobra.Command, client *apiClient, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run-id is required")
	}

	out := cmd.OutOrStdout()
	return client.streamSSE(cmd.Context(), "/v1/runs/"+url.PathEscape(runID)+"/stream", func(line string) {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// Named frames ("event: error", "event: ping") ride through as-is.
			fmt.Fprintln(out, line)
			return
		}
		if payload == "[DONE]" {
			fmt.Fprintln(out, "[done]")
			return
		}

		var ev agent.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
			fmt.Fprintln(out, payload)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, formatStreamEvent(&ev))
	})
}

// formatStreamEvent renders one stream event as a short detail string.
// Token deltas report length only; full text arrives with the message event.
func formatStreamEvent(ev *agent.Event) string {
	switch ev.Type {
	case agent.EventAssistantDelta, agent.EventReasoningDelta:
		return fmt.Sprintf("delta_len=%d", len(ev.Text))
	case agent.EventAssistantMessage, agent.EventReasoningMessage:
		return ev.Text
	case agent.EventToolCallStart:
		return fmt.Sprintf("%s (%s)", ev.ToolName, ev.ToolCallID)
	case agent.EventToolCallEnd:
		return fmt.Sprintf("%s (%s) status=%s", ev.ToolName, ev.ToolCallID, ev.Status)
	case agent.EventApprovalRequest:
		return fmt.Sprintf("%s (%s) awaiting approval", ev.ToolName, ev.ToolCallID)
	case agent.EventUsage:
		if ev.Usage != nil {
			return fmt.Sprintf("tokens in=%d out=%d steps=%d", ev.Usage.PromptTokens, ev.Usage.CompletionTokens, ev.Usage.Steps)
		}
	case agent.EventStopReason:
		return string(ev.StopReason)
	case agent.EventError:
		if ev.Error != nil {
			return ev.Error.Message
		}
	}
	return ev.Text
}
