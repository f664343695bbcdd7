package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/models"
)

type chatOptions struct {
	customerID     string
	agentID        string
	conversationID string
}

// NewChatCmd creates the interactive 'chat' command.
func NewChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the AI assistant in an interactive session",
		Long: `Start a session on a new or existing conversation. Lines are sent as
customer messages. Slash commands:
  /handoff [reason]  hand the conversation to a human
  /history           reload history from the database
  /metrics           show running metrics
  /errors            list error markers
  /dismiss <id>      dismiss an error marker
  /quit              leave the session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(commandContext(cmd), a.Engine, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.customerID, "customer", "cli-customer", "Customer ID for new conversations")
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "AI agent ID (default: the active agent)")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Resume an existing conversation")
	return cmd
}

func runChat(ctx context.Context, svc *engine.Service, in io.Reader, out io.Writer, opts chatOptions) error {
	sess := engine.NewSession(svc, opts.customerID, opts.agentID)
	if opts.conversationID != "" {
		if err := sess.Open(ctx, opts.conversationID); err != nil {
			return err
		}
		for _, m := range sess.Messages() {
			printMessage(out, m.Message)
		}
	}

	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := chatCommand(ctx, svc, sess, out, line); quit {
				return nil
			}
			fmt.Fprint(out, "> ")
			continue
		}

		res, err := sess.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			fmt.Fprint(out, "> ")
			continue
		}
		for _, m := range res.Messages {
			if m.Role != models.RoleUser {
				printMessage(out, m)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return sc.Err()
}

func chatCommand(ctx context.Context, svc *engine.Service, sess *engine.Session, out io.Writer, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/metrics":
		m := sess.Metrics()
		fmt.Fprintf(out, "messages=%d avg_confidence=%.3f avg_response_time=%.2fs\n",
			m.TotalMessages, m.AvgConfidence, m.AvgResponseTime)
	case "/history":
		if err := sess.Reload(ctx); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false
		}
		for _, m := range sess.Messages() {
			printMessage(out, m.Message)
		}
	case "/handoff":
		id := sess.ConversationID()
		if id == "" {
			fmt.Fprintln(out, "! no conversation yet")
			return false
		}
		res, err := svc.Handoff(ctx, engine.HandoffRequest{ConversationID: id, RequestedBy: "assistctl", Reason: arg})
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false
		}
		if res.AlreadyHandedOff {
			fmt.Fprintln(out, "conversation is already with a human agent")
		} else if res.Note != nil {
			printMessage(out, *res.Note)
		}
	case "/errors":
		for _, m := range sess.Markers() {
			fmt.Fprintf(out, "%s [%s] %s\n", m.ID, m.Kind, m.Message)
		}
	case "/dismiss":
		if !sess.Dismiss(arg) {
			fmt.Fprintln(out, "! no such error marker")
		}
	default:
		fmt.Fprintf(out, "! unknown command %s\n", name)
	}
	return false
}

func printMessage(out io.Writer, m models.Message) {
	switch m.Role {
	case models.RoleUser:
		fmt.Fprintf(out, "you: %s\n", m.Content)
	case models.RoleAssistant:
		conf := 0.0
		if m.Confidence != nil {
			conf = *m.Confidence
		}
		fmt.Fprintf(out, "ai (%.2f): %s\n", conf, m.Content)
	default:
		fmt.Fprintf(out, "system: %s\n", m.Content)
	}
}
