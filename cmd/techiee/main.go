// ABOUTME: Entry point for the techiee Matrix bot.
// ABOUTME: Wires config, the generation client, conversation services, and the bridge together.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/merbudd/techiee/internal/config"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/cooldown"
	"github.com/merbudd/techiee/internal/genai"
	"github.com/merbudd/techiee/internal/health"
	"github.com/merbudd/techiee/internal/matrix"
	"github.com/merbudd/techiee/internal/retry"
	"github.com/merbudd/techiee/internal/router"
	"github.com/merbudd/techiee/internal/tracker"
	"github.com/merbudd/techiee/internal/typing"
)

const banner = `
 _            _     _
| |_ ___  ___| |__ (_) ___  ___
| __/ _ \/ __| '_ \| |/ _ \/ _ \
| ||  __/ (__| | | | |  __/  __/
 \__\___|\___|_| |_|_|\___|\___|
`

// getConfigPath returns the path to the bot config file.
// Priority: TECHIEE_CONFIG env var > XDG_CONFIG_HOME/techiee/config.toml > ~/.config/techiee/config.toml
func getConfigPath() string {
	if envPath := os.Getenv("TECHIEE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "techiee", "config.toml")
}

// getDataPath returns the default data directory for the crypto store.
// Priority: XDG_DATA_HOME/techiee > ~/.local/share/techiee
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "techiee")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	prompts, err := config.LoadPrompts(cfg.Bot.PromptsFile)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)

	dataDir := cfg.Matrix.DataDir
	if dataDir == "" {
		dataDir = getDataPath()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Model:      %s\n", cfg.GenAI.Model)
	if len(cfg.Bot.TrackedRooms) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Tracked:    %d rooms\n", len(cfg.Bot.TrackedRooms))
	}
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := matrix.NewBridge(matrix.Options{
		Homeserver:    cfg.Matrix.Homeserver,
		Username:      cfg.Matrix.Username,
		Password:      cfg.Matrix.Password,
		DisplayName:   cfg.Matrix.DisplayName,
		CommandPrefix: cfg.Bot.CommandPrefix,
		MaxFetchBytes: cfg.Bot.MaxAttachmentMB << 20,
		SplitLength:   cfg.Bot.MessageLength,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Login(ctx); err != nil {
		return err
	}

	if cfg.Matrix.RecoveryKey != "" {
		if err := bridge.EnableEncryption(ctx, cfg.Matrix.RecoveryKey, dataDir); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}
	defer bridge.Close()

	gen, err := genai.New(ctx, genai.Options{
		APIKeys:           cfg.GenAI.APIKeys,
		Model:             cfg.GenAI.Model,
		Temperature:       cfg.GenAI.Temperature,
		TopP:              cfg.GenAI.TopP,
		MaxTokens:         cfg.GenAI.MaxTokens,
		RequestTimeout:    cfg.GenAI.RequestTimeout,
		RequestsPerSecond: cfg.GenAI.RequestsPerSecond,
		Burst:             cfg.GenAI.Burst,
		Instruction:       prompts.Instruction,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating generation client: %w", err)
	}

	store := conversation.NewStore(cfg.Bot.MaxHistory, logger)
	typ := typing.New(bridge, cfg.Bot.TypingGrace, cfg.Bot.TypingRenew, cfg.Bot.TypingMaxLife, logger)
	defer typ.Close()
	track := tracker.New(cfg.Bot.TrackerTTL, cfg.Bot.TrackerCapacity, logger)
	defer track.Close()
	rt := retry.New(bridge, cfg.Bot.RetryCountdown, cfg.Bot.RetryAttempts, logger)
	defer rt.Close()
	gate := cooldown.New(cfg.Bot.Cooldowns, logger)
	defer gate.Close()

	bot := router.New(router.Deps{
		Platform:  bridge,
		Generator: gen,
		Store:     store,
		Typing:    typ,
		Tracker:   track,
		Retry:     rt,
		Cooldown:  gate,
	}, router.Options{
		SelfID:        bridge.UserID(),
		SelfName:      cfg.Matrix.DisplayName,
		TrackedRooms:  cfg.Bot.TrackedRooms,
		MaxAncestors:  cfg.Bot.ReplyChainDepth,
		AttachTimeout: cfg.Bot.AttachTimeout,
		QueueSize:     cfg.Bot.QueueSize,
		HistoryFetch:  cfg.Bot.ContextMessages,
		WindowUses:    cfg.Bot.WindowUses,
		HelpText:      prompts.Help,
		MediaPrompt:   prompts.Media,
		LinkPrompt:    prompts.Link,
	}, logger)

	bridge.Attach(bot)
	bridge.EnsureJoined(ctx, cfg.Bot.TrackedRooms)

	if cfg.Health.Enabled {
		probe := func() error {
			if bridge.UserID() == "" {
				return errors.New("not logged in")
			}
			return nil
		}
		healthSrv := health.New(cfg.Health.Addr, probe, logger)
		go func() {
			if err := healthSrv.Run(ctx); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
	}

	routerDone := make(chan struct{})
	go func() {
		bot.Run(ctx)
		close(routerDone)
	}()

	logger.Info("starting bridge")
	err = bridge.Run(ctx)

	// Stop the router before the deferred closes tear down its services.
	cancel()
	<-routerDone
	return err
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	green.Print("    ▶ ")
	fmt.Print("Matrix homeserver URL [https://matrix.org]: ")
	homeserver, _ := reader.ReadString('\n')
	homeserver = strings.TrimSpace(homeserver)
	if homeserver == "" {
		homeserver = "https://matrix.org"
	}

	green.Print("    ▶ ")
	fmt.Print("Matrix username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	green.Print("    ▶ ")
	fmt.Print("Matrix password: ")
	password, _ := reader.ReadString('\n')
	password = strings.TrimSpace(password)

	green.Print("    ▶ ")
	fmt.Print("Matrix recovery key (optional, for E2EE): ")
	recoveryKey, _ := reader.ReadString('\n')
	recoveryKey = strings.TrimSpace(recoveryKey)

	green.Print("    ▶ ")
	fmt.Print("Gemini API key (optional, reads GEMINI_API_KEY when empty): ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	green.Print("    ▶ ")
	fmt.Print("Command prefix [!techiee]: ")
	prefix, _ := reader.ReadString('\n')
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "!techiee"
	}

	cfg := fmt.Sprintf(`# techiee bot configuration
# Generated by techiee init

[matrix]
homeserver = "%s"
username = "%s"
password = "%s"
`, homeserver, username, password)

	if recoveryKey != "" {
		cfg += fmt.Sprintf("recovery_key = \"%s\"\n", recoveryKey)
	}

	cfg += fmt.Sprintf(`
[bot]
command_prefix = "%s"
# Respond to everything in these rooms (empty = mentions and DMs only)
tracked_rooms = []

[genai]
`, prefix)

	if apiKey != "" {
		cfg += fmt.Sprintf("api_keys = [\"%s\"]\n", apiKey)
	} else {
		cfg += "# api_keys = [\"${GEMINI_API_KEY}\"]\n"
	}

	cfg += `
[health]
enabled = false

[logging]
level = "info"
`

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: techiee")
	fmt.Println()

	return nil
}
