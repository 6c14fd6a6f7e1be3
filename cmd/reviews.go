package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/store"
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect manual-review escalations",
	Long:  "Commands for listing and purging documents that exhausted every model and technique.",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending manual reviews",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")

		reviews, err := st.ListManualReviews(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "reviews list")
		}

		if len(reviews) == 0 {
			fmt.Fprintln(os.Stderr, "No manual reviews pending.")
			return nil
		}

		formatReviewsList(os.Stdout, reviews)
		return nil
	},
}

var reviewsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete manual reviews past their retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.DeleteExpiredReviews(ctx)
		if err != nil {
			return eris.Wrap(err, "reviews purge")
		}

		fmt.Printf("Deleted %d expired reviews.\n", n)
		return nil
	},
}

var reviewsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Send pending manual reviews back through the recovery stage",
	Long:  "Bulk-enqueues recovery tasks for escalated documents, typically after a model or prompt change.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		outbox, err := initOutbox(st)
		if err != nil {
			return err
		}
		for _, c := range []any{st, outbox} {
			if m, ok := c.(migrator); ok {
				if err := m.Migrate(ctx); err != nil {
					return err
				}
			}
		}

		limit, _ := cmd.Flags().GetInt("limit")

		queued, failures, err := requeueReviews(ctx, st, outbox, limit)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d reviews for recovery.\n", queued)
		for _, f := range failures {
			fmt.Printf("  %s: %v\n", f.Path, f.Err)
		}
		if len(failures) > 0 {
			return eris.Errorf("%d reviews could not be requeued", len(failures))
		}
		return nil
	},
}

// requeueReviews turns pending manual reviews into recovery tasks and
// bulk-enqueues them. Returns how many were queued plus per-item failures.
func requeueReviews(ctx context.Context, st store.Store, outbox queue.Outbox, limit int) (int, []queue.ItemFailure, error) {
	reviews, err := st.ListManualReviews(ctx, limit)
	if err != nil {
		return 0, nil, eris.Wrap(err, "reviews requeue")
	}
	if len(reviews) == 0 {
		return 0, nil, nil
	}

	tasks := make([]model.DocumentTask, 0, len(reviews))
	for _, r := range reviews {
		tasks = append(tasks, model.DocumentTask{
			Path:           r.Path,
			Category:       r.Category,
			DocumentNumber: r.DocumentNumber,
			ModelsTried:    r.ModelsTried,
			PriorError:     r.ErrorMessage,
			SourceStage:    r.Stage,
		})
	}

	failures := queue.SendBatch(ctx, outbox, model.StageRecovery, tasks)
	return len(tasks) - len(failures), failures, nil
}

func init() {
	reviewsListCmd.Flags().Int("limit", 50, "max number of reviews to display")
	reviewsRequeueCmd.Flags().Int("limit", 100, "max number of reviews to requeue")

	reviewsCmd.AddCommand(reviewsListCmd)
	reviewsCmd.AddCommand(reviewsPurgeCmd)
	reviewsCmd.AddCommand(reviewsRequeueCmd)
	rootCmd.AddCommand(reviewsCmd)
}

// formatReviewsList writes a tabular list of manual reviews to w.
func formatReviewsList(out io.Writer, reviews []store.ManualReviewRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOCUMENT\tSTAGE\tERROR\tMODELS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t--------\t-----\t-----\t------\t-------")

	for _, r := range reviews {
		doc := r.DocumentNumber
		if doc == "" || doc == "UNKNOWN" {
			doc = r.Path
		}
		if len(doc) > 30 {
			doc = doc[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(r.ID),
			doc,
			r.Stage,
			r.ErrorType,
			len(r.ModelsTried),
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
