// Package main provides the steward CLI entrypoint.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/steward"
	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/config"
	"github.com/stewardhq/steward/steward/db"
	"github.com/stewardhq/steward/steward/engine"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/migrations"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Delivery management assistant with persistent conversation memory",
		Long: `Steward drives delivery-management conversations: it tracks projects,
tasks, documents, technical requests, suggestions, and weekly checkpoints
across sessions that survive restarts.

Running steward with no arguments starts an interactive chat on the
default session. Records and conversation state persist in the embedded
database unless --memory is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(steward.DefaultSessionID, false)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./config.yaml, then ~/.steward)")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	var sessionID string
	var memoryOnly bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Chat with the steward assistant. Each session keeps its own
conversation state; reuse a session name to pick a conversation back up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(sessionID, memoryOnly)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", steward.DefaultSessionID, "Session to open or resume")
	cmd.Flags().BoolVar(&memoryOnly, "memory", false, "In-memory stores, nothing persists")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show steward version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steward version %s\n", version)
		},
	}
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List capabilities and topics from the active registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := capability.New(zerolog.Nop())
			if err != nil {
				return err
			}
			if cfg.Registry.Path != "" {
				if err := registry.LoadOverrideFile(cfg.Registry.Path); err != nil {
					return err
				}
			}

			fmt.Println(color.CyanString("Capabilities"))
			for _, c := range registry.Capabilities() {
				fmt.Printf("  %s (%s)\n", color.New(color.Bold).Sprint(c.Name), c.ModelRole)
				fmt.Printf("    operations: %s\n", joinStrings(c.Operations))
				if len(c.Owned) > 0 {
					fmt.Printf("    owns:       %s\n", joinStrings(c.Owned))
				}
				if len(c.ReadOnly) > 0 {
					fmt.Printf("    reads:      %s\n", joinStrings(c.ReadOnly))
				}
			}

			fmt.Println(color.CyanString("Topics"))
			for _, t := range registry.Topics() {
				facts := make([]string, 0, len(t.Facts))
				for _, f := range t.Facts {
					facts = append(facts, f.Name)
				}
				fmt.Printf("  %s -> %s (facts: %s)\n", color.New(color.Bold).Sprint(t.ID), t.EntityType, strings.Join(facts, ", "))
			}
			return nil
		},
	}
}

func runChat(sessionID string, memoryOnly bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Steward.LogLevel)
	ctx := context.Background()

	var store *sql.DB
	if !memoryOnly && cfg.Store.Type != "memory" && cfg.Store.DSN != "" {
		store, err = db.Connect(storePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		if err := migrations.Up(ctx, store); err != nil {
			return err
		}
	}

	components, err := engine.Build(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer components.Registry.Stop()
	defer components.Hub.Wait()

	printBanner(cfg, sessionID, store != nil)

	userPrompt := color.New(color.FgCyan, color.Bold).Sprint("you> ")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(userPrompt)
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		outcome := <-components.Hub.Submit(ctx, sessionID, line)
		if outcome.Err != nil {
			fmt.Println(color.RedString("error: %v", outcome.Err))
			continue
		}
		printTurn(outcome.Result)
	}
	return scanner.Err()
}

func printBanner(cfg *config.Config, sessionID string, persistent bool) {
	fmt.Println(color.CyanString("steward %s", version))
	fmt.Printf("  session:  %s\n", sessionID)
	fmt.Printf("  provider: %s\n", cfg.Provider.Kind)
	if persistent {
		fmt.Printf("  store:    %s\n", storePath(cfg))
	} else {
		fmt.Printf("  store:    in-memory (nothing persists)\n")
	}
	fmt.Println(color.HiBlackString("  type \"quit\" to leave"))
	fmt.Println(strings.Repeat("─", 60))
}

// storePath resolves the configured DSN to an on-disk path. Relative
// paths land in the steward data directory.
func storePath(cfg *config.Config) string {
	path := db.PathFromDSN(cfg.Store.DSN)
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Steward.DataDir, path)
	}
	return path
}

func printTurn(result *engine.TurnResult) {
	label := result.Capability
	if label == "" {
		label = "steward"
	}
	if result.Failure != nil {
		fmt.Printf("%s %s\n", color.RedString("[%s]", label), result.Reply)
	} else {
		fmt.Printf("%s %s\n", color.GreenString("[%s]", label), result.Reply)
	}
	for _, r := range result.Results {
		fmt.Println(color.HiBlackString("  %s", describeResult(r)))
	}
}

// describeResult renders one executed operation as a single status line.
func describeResult(r ports.ToolResult) string {
	op := string(r.Call.Operation)
	if r.Call.Operation == capability.OpSearch {
		return fmt.Sprintf("search %s: %d records", r.Call.EntityType, len(r.Entities))
	}
	var b strings.Builder
	if r.Entity != nil {
		fmt.Fprintf(&b, "%s %s %s [%s]", op, r.Entity.Type, r.Entity.ID, r.Entity.Status)
	} else {
		fmt.Fprintf(&b, "%s %s", op, r.Call.EntityType)
	}
	for _, e := range r.Entities {
		fmt.Fprintf(&b, "; created %s %s [%s]", e.Type, e.ID, e.Status)
	}
	return b.String()
}

// joinStrings renders a slice of string-like values comma separated.
func joinStrings[T ~string](values []T) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return strings.Join(out, ", ")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}
