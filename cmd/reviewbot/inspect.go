package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/queue"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

const maxTriggerWidth = 48

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var (
		requestID   int64
		deadLetters int
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the durable queues, a fingerprint or recent dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.Pipeline.QueueBackend == "volatile" {
				return fmt.Errorf("inspect reads the database; the volatile queue backend keeps nothing there")
			}

			client, err := openDatabase(&cfg.Database, appLogger.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			db := client.GetDB()
			out := cmd.OutOrStdout()
			switch {
			case requestID > 0:
				return inspectFingerprint(cmd.Context(), out, fingerprint.NewSQL(db), requestID)
			case deadLetters > 0:
				return inspectDeadLetters(cmd.Context(), out, deadletter.NewSQLSink(db), deadLetters)
			default:
				return inspectQueues(cmd.Context(), out, db)
			}
		},
	}

	cmd.Flags().Int64Var(&requestID, "request", 0, "Show the fingerprint of one change-request")
	cmd.Flags().IntVar(&deadLetters, "dead-letters", 0, "Show the N most recent dead letters")
	return cmd
}

func inspectQueues(ctx context.Context, out io.Writer, db *sqlx.DB) error {
	intake, err := queue.NewDurable(queue.DurableConfig[domain.WorkItem]{
		DB:       db,
		Name:     intakeQueueName,
		Identity: domain.WorkItem.Key,
		Codec:    queue.JSONCodec[domain.WorkItem]{},
	})
	if err != nil {
		return err
	}
	results, err := queue.NewDurable(queue.DurableConfig[domain.ReviewResult]{
		DB:       db,
		Name:     resultQueueName,
		Identity: domain.ReviewResult.Key,
		Codec:    queue.JSONCodec[domain.ReviewResult]{},
	})
	if err != nil {
		return err
	}

	items, err := intake.List(ctx)
	if err != nil {
		return err
	}
	pending, err := results.List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Queue", "Waiting"},
		[][]string{
			{intakeQueueName, strconv.Itoa(len(items))},
			{resultQueueName, strconv.Itoa(len(pending))},
		},
		[]columnAlignment{alignLeft, alignRight},
	))

	if len(items) > 0 {
		rows := make([][]string, 0, len(items))
		for _, item := range items {
			rows = append(rows, []string{
				item.Key(),
				item.Title,
				item.Author,
				item.UpdatedAt.Format(time.RFC3339),
				truncate(item.TriggerComment, maxTriggerWidth),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Request", "Title", "Author", "Updated", "Trigger"},
			rows,
			[]columnAlignment{alignRight},
		))
	}

	if len(pending) > 0 {
		rows := make([][]string, 0, len(pending))
		for _, result := range pending {
			next := "-"
			if !result.NextAttemptAt.IsZero() {
				next = result.NextAttemptAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{
				result.Key(),
				string(result.Status),
				strconv.Itoa(result.Attempts),
				next,
				result.ProducedAt.Format(time.RFC3339),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Request", "Status", "Attempts", "Next attempt", "Produced"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight},
		))
	}
	return nil
}

func inspectFingerprint(ctx context.Context, out io.Writer, store fingerprint.Store, requestID int64) error {
	rec, ok, err := store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no fingerprint for request %d", requestID)
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Request", "Reviewed update", "Trigger", "Recorded"},
		[][]string{{
			strconv.FormatInt(rec.RequestID, 10),
			rec.LastReviewedUpdatedAt.Format(time.RFC3339),
			truncate(rec.LastTriggerComment, maxTriggerWidth),
			rec.RecordedAt.Format(time.RFC3339),
		}},
		[]columnAlignment{alignRight},
	))
	return nil
}

func inspectDeadLetters(ctx context.Context, out io.Writer, sink *deadletter.SQLSink, limit int) error {
	letters, err := sink.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Fprintln(out, "no dead letters")
		return nil
	}

	rows := make([][]string, 0, len(letters))
	for _, l := range letters {
		rows = append(rows, []string{
			strconv.FormatInt(l.RequestID, 10),
			l.Stage,
			truncate(l.Reason, maxTriggerWidth),
			l.CreatedAt.Format(time.RFC3339),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Request", "Stage", "Reason", "Created"},
		rows,
		[]columnAlignment{alignRight},
	))
	return nil
}

func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
