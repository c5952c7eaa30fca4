package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik-sub005/internal/cli"
	internal_http "github.com/namastexlabs/automagik-sub005/internal/http"
	"github.com/namastexlabs/automagik-sub005/internal/log"
	internal_storage "github.com/namastexlabs/automagik-sub005/internal/storage"
	"github.com/namastexlabs/automagik-sub005/pkg/backend"
	"github.com/namastexlabs/automagik-sub005/pkg/catalog"
	"github.com/namastexlabs/automagik-sub005/pkg/logstore"
	"github.com/namastexlabs/automagik-sub005/pkg/service"
	"github.com/namastexlabs/automagik-sub005/pkg/workspace"
)

var rootCmd = &cobra.Command{Use: "automagik"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow execution engine server",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.GetLogger()

		if err := godotenv.Load(); err != nil {
			logger.Debugf("No .env file found: %v", err)
		}

		dbConnStr, _ := cmd.Flags().GetString("db")
		if dbConnStr == "" {
			dbConnStr = connStrFromEnv()
		}
		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			logger.Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		repoRoot, _ := cmd.Flags().GetString("repo")
		worktreeRoot, _ := cmd.Flags().GetString("worktrees")
		manager, err := workspace.NewManager(workspace.Config{
			RepoRoot:     repoRoot,
			WorktreeRoot: worktreeRoot,
		}, logger)
		if err != nil {
			logger.Errorf("Failed to initialize workspace manager: %v", err)
			os.Exit(1)
		}

		command, _ := cmd.Flags().GetString("agent")
		agentArgs, _ := cmd.Flags().GetString("agent-args")
		factory, err := backend.NewFactory(backend.Config{
			Strategy: backend.StrategySubprocess,
			Command:  command,
			Args:     splitArgs(agentArgs),
		}, logger)
		if err != nil {
			logger.Errorf("Failed to configure backend: %v", err)
			os.Exit(1)
		}

		logs := logstore.NewStore(store, logger)
		timeout, _ := cmd.Flags().GetDuration("timeout")
		slots, _ := cmd.Flags().GetInt("slots")
		svc := service.NewRunService(store, logs, manager, factory, logger, service.Config{
			DefaultTimeout: timeout,
			AdmissionSlots: slots,
		})
		defer svc.Stop()

		workflowsDir, _ := cmd.Flags().GetString("workflows")
		cat := catalog.NewService(workflowsDir, store, logger)
		if report, err := cat.Sync(); err == nil {
			logger.Infof("Workflow catalog: %d discovered, %d registered, %d updated",
				report.Discovered, report.Registered, report.Updated)
		} else {
			logger.Errorf("Initial catalog sync failed: %v", err)
		}

		reaper := workspace.NewReaper(manager, logger)

		port, _ := cmd.Flags().GetString("port")
		if err := internal_http.StartServer(port, svc, cat, reaper); err != nil {
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func connStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func splitArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func main() {
	serveCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().String("repo", ".", "Primary git repository root")
	serveCmd.Flags().String("worktrees", "./worktrees", "Directory holding run workspaces")
	serveCmd.Flags().String("workflows", "./workflows", "Workflow source directory")
	serveCmd.Flags().String("agent", "agent", "Agent executable for the subprocess backend")
	serveCmd.Flags().String("agent-args", "", "Extra arguments passed to the agent executable")
	serveCmd.Flags().Duration("timeout", 30*time.Minute, "Default run timeout")
	serveCmd.Flags().Int("slots", 8, "Concurrent run limit")
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Engine server base URL")
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
