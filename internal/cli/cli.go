package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/namastexlabs/automagik-sub005/internal/log"
	internal_storage "github.com/namastexlabs/automagik-sub005/internal/storage"
	"github.com/namastexlabs/automagik-sub005/pkg/catalog"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/spf13/cobra"
)

// SetupCLI registers the run engine commands. Read-only commands and catalog
// sync talk to the store directly; lifecycle commands (start, inject, reap)
// go through a running server, which owns the active backends.
func SetupCLI(rootCmd *cobra.Command) {
	startCmd := &cobra.Command{
		Use:   "start [workflow]",
		Short: "Start a run of the named workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server := serverFlag(cmd)
			message, _ := cmd.Flags().GetString("message")
			maxTurns, _ := cmd.Flags().GetInt("max-turns")
			timeout, _ := cmd.Flags().GetInt("timeout")
			body := map[string]interface{}{
				"workflow_name":   args[0],
				"message":         message,
				"max_turns":       maxTurns,
				"timeout_seconds": timeout,
			}
			var resp map[string]string
			postJSON(server+"/runs", body, &resp)
			fmt.Fprintf(os.Stdout, "Started run %s\n", resp["run_id"])
		},
	}
	startCmd.Flags().String("message", "", "Initial prompt for the run")
	startCmd.Flags().Int("max-turns", 0, "Turn limit (0 uses the workflow's suggestion)")
	startCmd.Flags().Int("timeout", 0, "Timeout in seconds (0 uses the server default)")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's status and log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			printStatus(store, args[0])
		},
	}

	injectCmd := &cobra.Command{
		Use:   "inject [run-id] [message]",
		Short: "Inject a message into a running run",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			server := serverFlag(cmd)
			kind, _ := cmd.Flags().GetString("type")
			body := map[string]string{"type": kind, "message": args[1]}
			var resp models.InjectedMessage
			postJSON(server+"/runs/"+args[0]+"/inject", body, &resp)
			fmt.Fprintf(os.Stdout, "Injected %s message into run %s\n", resp.Kind, args[0])
		},
	}
	injectCmd.Flags().String("type", "user", "Message type: user or system")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			listRuns(store)
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the workflow catalog from its source directory",
		Run: func(cmd *cobra.Command, args []string) {
			root, err := cmd.Flags().GetString("workflows")
			if err != nil || root == "" {
				fmt.Fprintln(os.Stderr, "Error: --workflows directory is required")
				os.Exit(1)
			}
			store := initStore(cmd)
			defer store.Close()
			report, err := catalog.NewService(root, store, log.GetLogger()).Sync()
			if err != nil {
				log.GetLogger().Errorf("Failed to sync workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to sync workflows: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Discovered %d, registered %d, updated %d, unchanged %d\n",
				report.Discovered, report.Registered, report.Updated, report.Unchanged)
			for _, e := range report.Errors {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", e)
			}
		},
	}
	syncCmd.Flags().String("workflows", "", "Workflow source directory")

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove orphaned workspaces older than the age threshold",
		Run: func(cmd *cobra.Command, args []string) {
			server := serverFlag(cmd)
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			url := fmt.Sprintf("%s/reap?max_age=%s&dry_run=%t", server, maxAge, dryRun)
			var report map[string]interface{}
			postJSON(url, nil, &report)
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(os.Stdout, string(out))
		},
	}
	reapCmd.Flags().Duration("max-age", 48*time.Hour, "Minimum workspace age to reap")
	reapCmd.Flags().Bool("dry-run", true, "Report candidates without removing them")

	rootCmd.AddCommand(startCmd, statusCmd, injectCmd, listCmd, syncCmd, reapCmd)
}

func printStatus(store storage.Store, runID string) {
	run, err := store.GetRun(runID)
	if err != nil {
		log.GetLogger().Errorf("Failed to get run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get run: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Run %s\n  Workflow: %s\n  Status:   %s\n  Created:  %s\n",
		run.ID, run.WorkflowName, run.Status, run.CreatedAt.Format(time.RFC3339))
	if run.ErrorMsg != "" {
		fmt.Fprintf(os.Stdout, "  Error:    %s\n", run.ErrorMsg)
	}
	entries, err := store.GetLogEntries(runID)
	if err != nil {
		log.GetLogger().Errorf("Failed to get run log: %v", err)
		return
	}
	fmt.Fprintf(os.Stdout, "  Log entries: %d\n", len(entries))
	for _, entry := range entries {
		fmt.Fprintf(os.Stdout, "  [%d] %s %s %s\n",
			entry.Sequence, entry.Timestamp.Format(time.RFC3339), entry.EventType, string(entry.Data))
	}
}

func listRuns(store storage.Store) {
	runs, err := store.ListRuns()
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Fprintf(os.Stdout, "No runs found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Runs:\n")
	for _, run := range runs {
		fmt.Fprintf(os.Stdout, "- ID: %s, Workflow: %s, Status: %s, Created: %s\n",
			run.ID, run.WorkflowName, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func serverFlag(cmd *cobra.Command) string {
	server, err := cmd.Flags().GetString("server")
	if err != nil || server == "" {
		server = "http://localhost:8080"
	}
	return server
}

// postJSON posts a JSON body and decodes the JSON response, exiting on any
// transport or server error.
func postJSON(url string, body interface{}, out interface{}) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.GetLogger().Errorf("Failed to encode request: %v", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(raw)
	}
	resp, err := http.Post(url, "application/json", reader)
	if err != nil {
		log.GetLogger().Errorf("Request to %s failed: %v", url, err)
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(raw))
		os.Exit(1)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.GetLogger().Errorf("Failed to decode response: %v", err)
			os.Exit(1)
		}
	}
}
