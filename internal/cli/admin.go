package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
	"github.com/supportcrm/backend/internal/webhook"
)

// NewAgentCmd creates the 'agent' command group.
func NewAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage AI agents",
	}
	cmd.AddCommand(newAgentAddCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var (
		agent    models.AIAgent
		scope    string
		scopeRef string
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an AI agent",
		Example: `  assistctl agent add --name "Tier 1" --threshold 0.75 --kb kb-faq
  assistctl agent add --id 3b2e... --scope team --scope-ref support-eu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.AgentScope(scope) {
			case models.ScopeGlobal, models.ScopeDepartment, models.ScopeTeam:
				agent.Scope = models.AgentScope(scope)
			default:
				return fmt.Errorf("invalid scope %q, expected global, department or team", scope)
			}
			if agent.Scope != models.ScopeGlobal && scopeRef == "" {
				return fmt.Errorf("--scope-ref is required for %s scope", scope)
			}
			if scopeRef != "" {
				agent.ScopeRef = &scopeRef
			}
			if agent.ID == "" {
				agent.ID = uuid.NewString()
			}
			agent.Active = !inactive
			agent.CreatedAt = time.Now().UTC()

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.UpsertAgent(commandContext(cmd), agent); err != nil {
				return fmt.Errorf("save agent: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
	f := cmd.Flags()
	f.StringVar(&agent.ID, "id", "", "Agent ID (default: generated)")
	f.StringVar(&agent.Name, "name", "Support Assistant", "Display name")
	f.StringVar(&scope, "scope", string(models.ScopeGlobal), "Scope: global, department or team")
	f.StringVar(&scopeRef, "scope-ref", "", "Department or team the agent serves")
	f.BoolVar(&inactive, "inactive", false, "Create the agent disabled")
	f.Float64Var(&agent.Settings.ConfidenceThreshold, "threshold", 0.7, "Confidence below which a handoff is recommended")
	f.IntVar(&agent.Settings.MaxTurns, "max-turns", 10, "Assistant turns before a handoff is recommended")
	f.BoolVar(&agent.Settings.AutoHandoffEnabled, "auto-handoff", false, "Reserved; recorded with the agent settings")
	f.Float64Var(&agent.Settings.AutoHandoffThreshold, "auto-handoff-threshold", 0.5, "Confidence for the auto handoff rule")
	f.IntVar(&agent.Settings.AutoHandoffAfterTurns, "auto-handoff-after", 5, "Turns for the auto handoff rule")
	f.Float64Var(&agent.Settings.KnowledgeBaseWeight, "kb-weight", 0.8, "Weight given to knowledge base answers")
	f.StringSliceVar(&agent.Settings.KnowledgeBaseIDs, "kb", nil, "Knowledge base IDs the agent may use")
	return cmd
}

// NewKnowledgeBaseCmd creates the 'kb' command group.
func NewKnowledgeBaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge-base"},
		Short:   "Manage knowledge bases",
	}
	cmd.AddCommand(newKnowledgeBaseAddCmd())
	cmd.AddCommand(newKnowledgeBaseUploadCmd())
	return cmd
}

func newKnowledgeBaseAddCmd() *cobra.Command {
	var kb models.KnowledgeBase
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kb.Name == "" {
				return fmt.Errorf("--name is required")
			}
			if kb.ID == "" {
				kb.ID = uuid.NewString()
			}
			kb.State = models.TrainingUntrained

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.UpsertKnowledgeBase(commandContext(cmd), kb); err != nil {
				return fmt.Errorf("save knowledge base: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), kb)
		},
	}
	cmd.Flags().StringVar(&kb.ID, "id", "", "Knowledge base ID (default: generated)")
	cmd.Flags().StringVar(&kb.Name, "name", "", "Knowledge base name")
	return cmd
}

func newKnowledgeBaseUploadCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <knowledge-base-id> <file>",
		Short: "Upload a document into a knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			if name == "" {
				name = filepath.Base(args[1])
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			doc, err := a.Training.UploadDocument(commandContext(cmd), args[0], name, string(content))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Document name (default: file name)")
	return cmd
}

// NewWebhookCmd creates the 'webhook' command group.
func NewWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}
	cmd.AddCommand(newWebhookAddCmd())
	return cmd
}

func newWebhookAddCmd() *cobra.Command {
	var (
		url   string
		types []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Subscribe a URL to AI events",
		Long: `Register a webhook endpoint. The signing secret is printed once; receivers
verify the sha256 HMAC of the body against it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			for _, t := range types {
				if _, err := events.ParseType(t); err != nil {
					return err
				}
			}
			secret, err := webhook.GenerateSecret()
			if err != nil {
				return err
			}
			sub := models.WebhookSubscription{
				ID:        uuid.NewString(),
				URL:       url,
				SecretKey: secret,
				Events:    types,
				Active:    true,
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.InsertWebhook(commandContext(cmd), sub); err != nil {
				return fmt.Errorf("save webhook: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), struct {
				models.WebhookSubscription
				Secret string `json:"secret"`
			}{sub, secret})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Endpoint that receives event deliveries")
	cmd.Flags().StringSliceVar(&types, "events", nil, "Event types to deliver (default: all)")
	return cmd
}
