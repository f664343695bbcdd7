package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/models"
	"github.com/supportcrm/backend/internal/training"
)

// NewHandoffCmd creates the 'handoff' command.
func NewHandoffCmd() *cobra.Command {
	var req engine.HandoffRequest
	cmd := &cobra.Command{
		Use:   "handoff <conversation-id>",
		Short: "Hand a conversation over to a human agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req.ConversationID = args[0]
			res, err := a.Engine.Handoff(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded with the handoff")
	cmd.Flags().StringVar(&req.RequestedBy, "by", "assistctl", "Who requested the handoff")
	return cmd
}

// NewFeedbackCmd creates the 'feedback' command.
func NewFeedbackCmd() *cobra.Command {
	var (
		score   int
		comment string
	)
	cmd := &cobra.Command{
		Use:   "feedback <message-id>",
		Short: "Record a 1-5 rating for an assistant message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Feedback.RecordFeedback(commandContext(cmd), args[0], score, comment)
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Fprintln(cmd.ErrOrStderr(), "feedback was already recorded for this message")
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&score, "score", 0, "Rating from 1 to 5")
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

// NewTrainCmd creates the 'train' command.
func NewTrainCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "train <knowledge-base-id>",
		Short: "Start training a knowledge base",
		Long: `Start a training job. With --wait the command drives the training worker
itself and prints progress until the job finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if !wait {
				job, err := a.Training.StartTraining(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			}
			job, err := trainAndWait(ctx, a.Training, args[0], func(j models.TrainingJob) {
				fmt.Fprintf(cmd.ErrOrStderr(), "progress %3d%%\n", j.Progress)
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Run training in the foreground until it finishes")
	return cmd
}

// trainAndWait starts a job and runs the worker until the job leaves the
// running state.
func trainAndWait(ctx context.Context, c *training.Controller, kbID string, progress func(models.TrainingJob)) (models.TrainingJob, error) {
	updates, unsubscribe := c.Subscribe(kbID)
	defer unsubscribe()

	job, err := c.StartTraining(ctx, kbID)
	if err != nil {
		return models.TrainingJob{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(ctx)

	// Updates may be dropped for slow readers, so the final state is also
	// polled.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-poll.C:
			st, err := c.Status(ctx, kbID)
			if err != nil {
				return job, err
			}
			if st.State != models.TrainingRunning {
				return st, nil
			}
		case job = <-updates:
			if progress != nil {
				progress(job)
			}
			if job.State != models.TrainingRunning {
				return job, nil
			}
		}
	}
}

// NewMigrateCmd creates the 'migrate' command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Flags().Set("store", "postgres"); err != nil {
				return err
			}
			// Opening a postgres-backed app migrates the schema.
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}
