// Package cli implements the assistctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/supportcrm/backend/internal/app"
	"github.com/supportcrm/backend/internal/config"
)

// NewRootCmd assembles the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "assistctl",
		Short:         "Operate the AI conversation engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("store", "", "Override STORE (postgres|memory)")

	root.AddCommand(NewChatCmd())
	root.AddCommand(NewEventsCmd())
	root.AddCommand(NewHandoffCmd())
	root.AddCommand(NewFeedbackCmd())
	root.AddCommand(NewTrainCmd())
	root.AddCommand(NewMigrateCmd())
	root.AddCommand(NewAgentCmd())
	root.AddCommand(NewKnowledgeBaseCmd())
	root.AddCommand(NewWebhookCmd())
	return root
}

// openApp loads configuration and builds the component graph. Logs go to
// stderr so command output stays machine-readable.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if s, _ := cmd.Flags().GetString("store"); s != "" {
		cfg.Store = s
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Str("service", "assistctl").Logger()
	return app.New(commandContext(cmd), cfg, logger)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
