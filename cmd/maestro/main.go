// Command maestro is the CLI client for a running maestrod. It submits
// tasks, follows their event streams, and resolves pending approvals.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/maestro/approval"
	"github.com/GoCodeAlone/maestro/internal/version"
	"github.com/GoCodeAlone/maestro/task"
)

const defaultServer = "http://localhost:9090"

var serverURL string

func main() {
	color.NoColor = color.NoColor || !isatty.IsTerminal(os.Stdout.Fd())

	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Maestro CLI client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "maestrod server URL")

	root.AddCommand(taskCommands(), approvalCommands(), statusCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("maestro %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(*cobra.Command, []string) error {
			var st map[string]any
			if err := getJSON("/api/status", &st); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

// --- task commands ---

func taskCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var strategy string
	var follow bool
	create := &cobra.Command{
		Use:   "create <objective>",
		Short: "Submit a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]string{"objective": strings.Join(args, " ")}
			if strategy != "" {
				body["strategy"] = strategy
			}
			var t task.Task
			if err := postJSON("/api/tasks", body, &t); err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", t.ID, colorStatus(string(t.Status)))
			if t.Status.Terminal() {
				fmt.Println(t.FinalOutput)
				return nil
			}
			if follow {
				return followEvents(t.ID)
			}
			return nil
		},
	}
	create.Flags().StringVar(&strategy, "strategy", "", "routing strategy (adaptive, research_first, context_first)")
	create.Flags().BoolVarP(&follow, "follow", "f", false, "stream events until the task finishes")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(*cobra.Command, []string) error {
			var tasks []task.Summary
			if err := getJSON("/api/tasks", &tasks); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tITER\tOBJECTIVE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					t.ID, colorStatus(string(t.Status)), t.Iteration, clip(t.Objective, 60))
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var t task.Task
			if err := getJSON("/api/tasks/"+args[0], &t); err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", t.ID, colorStatus(string(t.Status)))
			fmt.Printf("objective: %s\n", t.Objective)
			fmt.Printf("iteration: %d/%d\n", t.Iteration, t.MaxIters)
			if t.SecretsDetected {
				color.Yellow("secrets were redacted from agent output (%s)",
					strings.Join(t.SecretPatterns, ", "))
			}
			if t.FinalOutput != "" {
				fmt.Println()
				fmt.Println(t.FinalOutput)
			}
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := postJSON("/api/tasks/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Println("cancel requested")
			return nil
		},
	}

	watch := &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream a task's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return followEvents(args[0])
		},
	}

	cmd.AddCommand(create, list, show, cancel, watch)
	return cmd
}

// followEvents tails the task's SSE stream from the beginning and prints
// one line per event until the stream ends.
func followEvents(id string) error {
	resp, err := http.Get(serverURL + "/api/tasks/" + id + "/events?from=0")
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev struct {
			Seq  int            `json:"seq"`
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		printEvent(ev.Seq, ev.Type, ev.Data)
	}
	return scanner.Err()
}

func printEvent(seq int, typ string, data map[string]any) {
	switch typ {
	case "APPROVAL_REQUIRED":
		color.Yellow("[%3d] %s  %v", seq, typ, data["description"])
	case "ERROR":
		color.Red("[%3d] %s  %v", seq, typ, data["error"])
	case "COMPLETE":
		color.Green("[%3d] %s", seq, typ)
		if out, ok := data["final_output"].(string); ok {
			fmt.Println()
			fmt.Println(out)
		}
	default:
		detail, _ := json.Marshal(data)
		fmt.Printf("[%3d] %s  %s\n", seq, typ, detail)
	}
}

// --- approval commands ---

func approvalCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Manage approval requests"}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List pending approval requests",
		RunE: func(*cobra.Command, []string) error {
			var recs []approval.Record
			if err := getJSON("/api/approvals/pending", &recs); err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no pending approvals")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRISK\tOPERATION\tAGE\tDESCRIPTION")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, colorRisk(string(r.Risk)), r.Operation,
					time.Since(r.CreatedAt).Round(time.Second), clip(r.Description, 50))
			}
			return w.Flush()
		},
	}

	var note string
	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return resolve(args[0], "approve", note)
		},
	}
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return resolve(args[0], "reject", note)
		},
	}
	approve.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	reject.Flags().StringVar(&note, "note", "", "note recorded with the decision")

	history := &cobra.Command{
		Use:   "history",
		Short: "List decided requests",
		RunE: func(*cobra.Command, []string) error {
			var recs []approval.Record
			if err := getJSON("/api/approvals", &recs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tRISK\tOPERATION\tDESCRIPTION")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, colorStatus(string(r.Status)), r.Risk, r.Operation, clip(r.Description, 50))
			}
			return w.Flush()
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show gate statistics",
		RunE: func(*cobra.Command, []string) error {
			var st approval.Stats
			if err := getJSON("/api/approvals/stats", &st); err != nil {
				return err
			}
			fmt.Printf("total:         %d\n", st.Total)
			fmt.Printf("approval rate: %.0f%%\n", st.ApprovalRate*100)
			fmt.Printf("mean latency:  %.0fms\n", st.MeanLatencyMS)
			for status, n := range st.ByStatus {
				fmt.Printf("  %-10s %d\n", status, n)
			}
			return nil
		},
	}

	cmd.AddCommand(pending, approve, reject, history, stats)
	return cmd
}

func resolve(id, action, note string) error {
	var dec approval.Decision
	body := map[string]string{}
	if note != "" {
		body["note"] = note
	}
	if err := postJSON("/api/approvals/"+id+"/"+action, body, &dec); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", dec.RequestID, colorStatus(string(dec.Status)))
	return nil
}

// --- HTTP plumbing ---

var httpClient = &http.Client{Timeout: 15 * time.Second}

func getJSON(path string, v any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// --- output helpers ---

func colorStatus(s string) string {
	switch s {
	case "completed", "approved":
		return color.GreenString(s)
	case "failed", "rejected":
		return color.RedString(s)
	case "waiting_approval", "pending", "timeout":
		return color.YellowString(s)
	default:
		return s
	}
}

func colorRisk(s string) string {
	switch s {
	case "critical", "high":
		return color.RedString(s)
	case "medium":
		return color.YellowString(s)
	default:
		return s
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
