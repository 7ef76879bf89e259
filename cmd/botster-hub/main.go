// Botster Hub - Agent orchestration daemon with an encrypted browser viewer
// channel.
//
// This is the main entry point for the botster-hub CLI. It manages autonomous
// Claude agents for GitHub issues, providing a TUI for local interaction and
// an end-to-end encrypted channel for remote browser viewers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trybotster/botster-hub/internal/attachsocket"
	"github.com/trybotster/botster-hub/internal/browserbridge"
	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/credentials"
	"github.com/trybotster/botster-hub/internal/git"
	"github.com/trybotster/botster-hub/internal/hub"
	"github.com/trybotster/botster-hub/internal/ingress"
	"github.com/trybotster/botster-hub/internal/ratchet"
	"github.com/trybotster/botster-hub/internal/server"
	"github.com/trybotster/botster-hub/internal/tui"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Set up panic recovery to restore terminal on crash
	defer func() {
		if r := recover(); r != nil {
			// Restore terminal - in case we crashed while in raw/alt-screen mode
			// Print escape sequences to restore normal terminal state
			fmt.Print("\033[?1049l") // Exit alt screen
			fmt.Print("\033[?25h")   // Show cursor
			fmt.Print("\033[0m")     // Reset colors

			fmt.Fprintf(os.Stderr, "\n\nPANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	// Set up file logging so TUI doesn't get corrupted by log output
	logFile, err := os.Create("/tmp/botster-hub.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	logLevel := slog.LevelInfo
	if os.Getenv("BOTSTER_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:     "botster-hub",
		Short:   "Agent orchestration daemon for GitHub automation",
		Version: Version,
	}

	// Start command - runs the hub with TUI
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub daemon",
		RunE:  runStart,
	}
	startCmd.Flags().Bool("headless", false, "Run without TUI")
	rootCmd.AddCommand(startCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show hub status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	// json-get command - read JSON config values with dot notation
	jsonGetCmd := &cobra.Command{
		Use:   "json-get <key>",
		Short: "Get a configuration value by dot notation path (e.g., 'server_url')",
		Args:  cobra.ExactArgs(1),
		RunE:  runJSONGet,
	}
	rootCmd.AddCommand(jsonGetCmd)

	// json-set command - set JSON config values with dot notation
	jsonSetCmd := &cobra.Command{
		Use:   "json-set <key> <value>",
		Short: "Set a configuration value by dot notation path",
		Args:  cobra.ExactArgs(2),
		RunE:  runJSONSet,
	}
	rootCmd.AddCommand(jsonSetCmd)

	// json-delete command - delete JSON keys
	jsonDeleteCmd := &cobra.Command{
		Use:   "json-delete <key>",
		Short: "Delete a configuration key",
		Args:  cobra.ExactArgs(1),
		RunE:  runJSONDelete,
	}
	rootCmd.AddCommand(jsonDeleteCmd)

	// list-worktrees command - display all worktrees with info
	listWorktreesCmd := &cobra.Command{
		Use:   "list-worktrees",
		Short: "List all git worktrees with their information",
		RunE:  runListWorktrees,
	}
	rootCmd.AddCommand(listWorktreesCmd)

	// delete-worktree command - remove worktree by issue number
	deleteWorktreeCmd := &cobra.Command{
		Use:   "delete-worktree <issue-number>",
		Short: "Delete a worktree by issue number",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteWorktree,
	}
	rootCmd.AddCommand(deleteWorktreeCmd)

	// get-prompt command - get system prompt for worktree
	getPromptCmd := &cobra.Command{
		Use:   "get-prompt <issue-number>",
		Short: "Get the system prompt for a worktree",
		Args:  cobra.ExactArgs(1),
		RunE:  runGetPrompt,
	}
	rootCmd.AddCommand(getPromptCmd)

	// update command - self-update with checksums
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update to the latest version",
		RunE:  runUpdate,
	}
	rootCmd.AddCommand(updateCmd)

	// login command - device flow authentication
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the Botster server",
		RunE:  runLogin,
	}
	rootCmd.AddCommand(loginCmd)

	// logout command - clear stored token
	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear stored authentication token",
		RunE:  runLogout,
	}
	rootCmd.AddCommand(logoutCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	headless, _ := cmd.Flags().GetBool("headless")
	logger := slog.Default()

	logger.Info("Starting Botster Hub", "version", Version, "headless", headless)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	credStore, err := credentials.Open()
	if err != nil {
		return fmt.Errorf("failed to open credentials store: %w", err)
	}

	creds, err := credStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	// Check for valid token, prompt for login if missing
	if !creds.HasAPIToken() {
		fmt.Println("No valid authentication token found.")
		fmt.Println("Please authenticate to continue.")
		fmt.Println()

		if err := performDeviceFlowAuth(cfg, credStore); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		// Reload credentials with the new token
		creds, err = credStore.Load()
		if err != nil {
			return fmt.Errorf("failed to reload credentials: %w", err)
		}
	}

	logger.Info("Configuration loaded",
		"server_url", cfg.ServerURL,
		"headscale_url", cfg.HeadscaleURL,
	)

	// Create the hub
	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
		h.RequestQuit()
	}()

	// Set up the hub (orphan cleanup, server registration)
	if err := h.Setup(ctx); err != nil {
		logger.Warn("Hub setup had issues", "error", err)
	}

	// Start the hub event loop in a goroutine
	go func() {
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Hub event loop error", "error", err)
		}
	}()

	// HubHandle is the command-channel actor every viewer-visible
	// mutation goes through: the attach socket, the durable ingress
	// client, and the TUI alike.
	hh := hub.NewHubHandle(h)
	go hh.Run(ctx)

	// Attach socket: local multiplexed IPC for reattaching CLI clients.
	sockPath, err := attachsocket.SocketPath(os.TempDir(), strconv.Itoa(os.Getuid()), h.HubID)
	if err != nil {
		logger.Warn("Attach socket disabled", "error", err)
	} else {
		attachSrv := attachsocket.NewServer(sockPath, hh, logger)
		go func() {
			if err := attachSrv.Run(); err != nil {
				logger.Error("Attach socket exited with error", "error", err)
			}
		}()
		defer attachSrv.Close()
	}

	// Durable command ingress: persistent authenticated websocket to the
	// server's pub/sub endpoint, surviving hub restarts via sequence replay.
	stateDir, err := config.ConfigDir()
	if err != nil {
		logger.Warn("Ingress client disabled, could not resolve state dir", "error", err)
	} else {
		ingressClient := ingress.NewClient(ingress.Config{
			ServerURL: cfg.ServerURL,
			APIToken:  creds.APIToken,
			HubID:     h.HubID,
			StateDir:  stateDir,
			Logger:    logger,
		}, func(ctx context.Context, msg ingress.Message) error {
			hh.HandleIngressMessage(msg.EventType, msg.ID, msg.Payload)
			return nil
		})
		ingressClient.SetAgentsProvider(func() []ingress.AgentSummary {
			infos := hh.ListAgents()
			summaries := make([]ingress.AgentSummary, 0, len(infos))
			for _, info := range infos {
				summaries = append(summaries, ingress.AgentSummary{
					ID:     info.SessionKey,
					Repo:   info.Repo,
					Status: info.Status,
				})
			}
			return summaries
		})
		// Encrypted browser viewer channel: a fresh identity per process;
		// the account is not persisted, so browsers re-pair after a
		// restart.
		account, err := ratchet.NewAccount()
		if err != nil {
			logger.Warn("Browser viewer channel disabled, could not generate identity", "error", err)
		} else {
			bridge := browserbridge.New(h.HubID, account, hh, ingressClient.SendSignal, logger)
			ingressClient.SetSignalHandler(bridge.HandleSignal)

			if keys, err := bridge.PairingKeys(); err != nil {
				logger.Warn("Failed to derive browser pairing keys", "error", err)
			} else {
				logger.Info("Browser viewer channel ready", "curve25519", keys.Curve25519)
			}
		}

		go func() {
			if err := ingressClient.Run(ctx); err != nil {
				logger.Error("Ingress client stopped", "error", err)
			}
		}()
		defer ingressClient.Shutdown()
	}

	// Run TUI or headless mode
	if headless {
		logger.Info("Running in headless mode")
		// Wait for context cancellation in headless mode
		<-ctx.Done()
	} else {
		// Run the TUI (blocks until quit)
		if err := tui.Run(h, hh); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
	}

	// Clean up
	logger.Info("Shutting down...")
	if err := h.Shutdown(); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	hubID := hub.GenerateHubID()

	sockPath, err := attachsocket.SocketPath(os.TempDir(), strconv.Itoa(os.Getuid()), hubID)
	if err != nil {
		return fmt.Errorf("failed to resolve attach socket path: %w", err)
	}

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		fmt.Printf("Hub %s: not running (%v)\n", hubID, err)
		return nil
	}
	defer conn.Close()

	fmt.Printf("Hub %s: running\n", hubID)
	fmt.Printf("Attach socket: %s\n", sockPath)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("Server URL: %s\n", cfg.ServerURL)
	fmt.Printf("Headscale URL: %s\n", cfg.HeadscaleURL)
	fmt.Printf("Poll Interval: %d seconds\n", cfg.PollInterval)
	fmt.Printf("Max Sessions: %d\n", cfg.MaxSessions)

	return nil
}

func runJSONGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configPath, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist")
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	var jsonData map[string]interface{}
	if err := json.Unmarshal(data, &jsonData); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	value := getJSONValue(jsonData, key)
	if value == nil {
		return fmt.Errorf("key not found: %s", key)
	}

	// Output as JSON if it's a complex type, otherwise as string
	switch v := value.(type) {
	case string:
		fmt.Println(v)
	case float64:
		// Check if it's an integer
		if v == float64(int64(v)) {
			fmt.Printf("%d\n", int64(v))
		} else {
			fmt.Printf("%v\n", v)
		}
	case bool:
		fmt.Printf("%v\n", v)
	default:
		output, _ := json.Marshal(v)
		fmt.Println(string(output))
	}

	return nil
}

func runJSONSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configPath, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	var jsonData map[string]interface{}

	// Load existing config or start fresh
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := json.Unmarshal(data, &jsonData); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		jsonData = make(map[string]interface{})
	} else {
		return fmt.Errorf("failed to read config: %w", err)
	}

	// Parse value - try as number, bool, then string
	var parsedValue interface{}
	if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
		parsedValue = intVal
	} else if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		parsedValue = floatVal
	} else if value == "true" {
		parsedValue = true
	} else if value == "false" {
		parsedValue = false
	} else {
		parsedValue = value
	}

	setJSONValue(jsonData, key, parsedValue)

	// Write back
	output, err := json.MarshalIndent(jsonData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, output, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, parsedValue)
	return nil
}

func runJSONDelete(cmd *cobra.Command, args []string) error {
	key := args[0]

	configPath, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist")
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	var jsonData map[string]interface{}
	if err := json.Unmarshal(data, &jsonData); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if !deleteJSONValue(jsonData, key) {
		return fmt.Errorf("key not found: %s", key)
	}

	// Write back
	output, err := json.MarshalIndent(jsonData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, output, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Deleted %s\n", key)
	return nil
}

func runListWorktrees(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	logger := slog.Default()
	gitMgr := git.New(cwd, logger)

	worktrees, err := gitMgr.ListAllWorktrees()
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}

	if len(worktrees) == 0 {
		fmt.Println("No worktrees found")
		return nil
	}

	for _, wt := range worktrees {
		fmt.Printf("%s\t%s\n", wt.Path, wt.Branch)
	}

	return nil
}

func runDeleteWorktree(cmd *cobra.Command, args []string) error {
	issueNum, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid issue number: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	logger := slog.Default()
	gitMgr := git.New(cwd, logger)

	// Find worktree by issue number
	worktrees, err := gitMgr.ListAllWorktrees()
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}

	branchName := fmt.Sprintf("botster-issue-%d", issueNum)
	var targetWorktree *git.Worktree
	for _, wt := range worktrees {
		if wt.Branch == branchName {
			targetWorktree = wt
			break
		}
	}

	if targetWorktree == nil {
		return fmt.Errorf("worktree for issue %d not found", issueNum)
	}

	if err := gitMgr.DeleteWorktreeByPath(targetWorktree.Path, branchName); err != nil {
		return fmt.Errorf("failed to delete worktree: %w", err)
	}

	fmt.Printf("Deleted worktree for issue %d at %s\n", issueNum, targetWorktree.Path)
	return nil
}

func runGetPrompt(cmd *cobra.Command, args []string) error {
	issueNum, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid issue number: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	logger := slog.Default()
	gitMgr := git.New(cwd, logger)

	// Find worktree by issue number
	worktrees, err := gitMgr.ListAllWorktrees()
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}

	branchName := fmt.Sprintf("botster-issue-%d", issueNum)
	var targetWorktree *git.Worktree
	for _, wt := range worktrees {
		if wt.Branch == branchName {
			targetWorktree = wt
			break
		}
	}

	if targetWorktree == nil {
		return fmt.Errorf("worktree for issue %d not found", issueNum)
	}

	// Read .botster_prompt from worktree
	promptPath := filepath.Join(targetWorktree.Path, ".botster_prompt")
	data, err := os.ReadFile(promptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no prompt file found for issue %d", issueNum)
		}
		return fmt.Errorf("failed to read prompt: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	// For now, just print instructions since auto-update requires server integration
	fmt.Println("Update functionality requires server integration.")
	fmt.Println("")
	fmt.Println("To manually update:")
	fmt.Println("  curl -L https://trybotster.com/downloads/botster-hub -o /usr/local/bin/botster-hub")
	fmt.Println("  chmod +x /usr/local/bin/botster-hub")
	fmt.Println("")
	fmt.Printf("Current version: %s\n", Version)

	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	credStore, err := credentials.Open()
	if err != nil {
		return fmt.Errorf("failed to open credentials store: %w", err)
	}

	creds, err := credStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	// Check if already logged in
	if creds.HasAPIToken() {
		fmt.Println("Already logged in.")
		fmt.Println("Run 'botster-hub logout' to clear the stored token.")
		return nil
	}

	return performDeviceFlowAuth(cfg, credStore)
}

func runLogout(cmd *cobra.Command, args []string) error {
	credStore, err := credentials.Open()
	if err != nil {
		return fmt.Errorf("failed to open credentials store: %w", err)
	}

	creds, err := credStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	creds.APIToken = ""
	if err := credStore.Save(creds); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	fmt.Println("Logged out successfully.")
	return nil
}

// performDeviceFlowAuth runs the OAuth device flow authentication,
// saving the resulting API token to the credentials store.
func performDeviceFlowAuth(cfg *config.Config, credStore *credentials.Store) error {
	ctx := context.Background()

	fmt.Println("Authenticating with Botster...")
	fmt.Println()

	// Request device code
	deviceCode, err := server.RequestDeviceCode(ctx, cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to request device code: %w", err)
	}

	fmt.Printf("Please visit: %s\n", deviceCode.VerificationURL)
	fmt.Printf("And enter code: %s\n", deviceCode.UserCode)
	fmt.Println()
	fmt.Println("Waiting for authorization...")

	// Poll for token
	interval := time.Duration(deviceCode.Interval) * time.Second
	if interval < time.Second {
		interval = 5 * time.Second
	}

	deadline := time.Now().Add(time.Duration(deviceCode.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		time.Sleep(interval)

		tokenResp, err := server.PollDeviceToken(ctx, cfg.ServerURL, deviceCode.DeviceCode)
		if err != nil {
			return fmt.Errorf("failed to poll for token: %w", err)
		}

		switch tokenResp.Error {
		case "":
			// Success!
			creds, err := credStore.Load()
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			creds.APIToken = tokenResp.AccessToken
			if err := credStore.Save(creds); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			fmt.Println("Successfully authenticated!")
			return nil
		case "authorization_pending":
			// Keep polling
			continue
		case "slow_down":
			interval += 5 * time.Second
			continue
		case "expired_token":
			return fmt.Errorf("authorization expired, please try again")
		case "access_denied":
			return fmt.Errorf("authorization denied by user")
		default:
			return fmt.Errorf("authorization failed: %s", tokenResp.Error)
		}
	}

	return fmt.Errorf("authorization timed out")
}

// JSON helper functions for dot notation

func getJSONValue(data map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			var ok bool
			current, ok = v[part]
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}

	return current
}

func setJSONValue(data map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")

	if len(parts) == 1 {
		data[path] = value
		return
	}

	current := data
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if _, ok := current[part]; !ok {
			current[part] = make(map[string]interface{})
		}
		if nested, ok := current[part].(map[string]interface{}); ok {
			current = nested
		} else {
			return
		}
	}

	current[parts[len(parts)-1]] = value
}

func deleteJSONValue(data map[string]interface{}, path string) bool {
	parts := strings.Split(path, ".")

	if len(parts) == 1 {
		if _, ok := data[path]; ok {
			delete(data, path)
			return true
		}
		return false
	}

	current := data
	for i := 0; i < len(parts)-1; i++ {
		if nested, ok := current[parts[i]].(map[string]interface{}); ok {
			current = nested
		} else {
			return false
		}
	}

	key := parts[len(parts)-1]
	if _, ok := current[key]; ok {
		delete(current, key)
		return true
	}
	return false
}
