package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/result"
)

var (
	workLimit  int
	workFollow bool
	workPoll   time.Duration
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Drain queued extraction tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd, model.StageExtraction)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Drain queued recovery tasks",
	Long:  "Processes documents whose classification or extraction failed, retrying the full model cascade with text-layer and optical recovery.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd, model.StageRecovery)
	},
}

func init() {
	for _, c := range []*cobra.Command{extractCmd, recoverCmd} {
		c.Flags().IntVar(&workLimit, "limit", 0, "stop after this many tasks (0 = unlimited)")
		c.Flags().BoolVar(&workFollow, "follow", false, "keep polling once the queue is drained")
		c.Flags().DurationVar(&workPoll, "poll", 5*time.Second, "poll interval in follow mode")
		rootCmd.AddCommand(c)
	}
}

// taskHandler is the per-task entry point of a stage worker.
type taskHandler func(ctx context.Context, task model.DocumentTask) (*result.RunRecord, error)

func runWorker(cmd *cobra.Command, stage model.Stage) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initPipeline(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	var handler taskHandler
	switch stage {
	case model.StageExtraction:
		handler = env.Extract.Handle
	case model.StageRecovery:
		handler = env.Recover.Handle
	default:
		return eris.Errorf("no worker for stage %s", stage)
	}

	processed, err := drainStage(ctx, env.Outbox, stage, handler, workLimit, workFollow, workPoll)
	zap.L().Info("worker finished",
		zap.String("stage", string(stage)),
		zap.Int("processed", processed))
	return err
}

// dequeueBatch is how many tasks a worker claims per poll.
const dequeueBatch = 10

// drainStage claims tasks for stage and runs them through handler until
// the queue is empty (or processed reaches limit). Handler errors nack
// the task back onto the queue; without follow mode a task that already
// failed once in this drain is left for a later worker so the loop
// cannot spin on it.
func drainStage(ctx context.Context, outbox queue.Outbox, stage model.Stage, handler taskHandler, limit int, follow bool, poll time.Duration) (int, error) {
	processed := 0
	failed := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return processed, nil
		}

		batch := dequeueBatch
		if limit > 0 && limit-processed < batch {
			batch = limit - processed
		}

		msgs, err := outbox.Dequeue(ctx, stage, batch)
		if err != nil {
			return processed, eris.Wrapf(err, "dequeue %s", stage)
		}

		if len(msgs) == 0 {
			if !follow {
				return processed, nil
			}
			select {
			case <-ctx.Done():
				return processed, nil
			case <-time.After(poll):
				continue
			}
		}

		progress := false
		for _, msg := range msgs {
			log := zap.L().With(
				zap.String("task_id", msg.ID),
				zap.String("stage", string(stage)),
				zap.String("path", msg.Task.Path))

			if failed[msg.ID] {
				if nErr := outbox.Nack(ctx, msg.ID, "deferred after earlier failure"); nErr != nil {
					log.Warn("could not requeue task", zap.Error(nErr))
				}
				continue
			}

			if _, err := handler(ctx, msg.Task); err != nil {
				failed[msg.ID] = true
				log.Error("task failed, requeueing", zap.Error(err))
				if nErr := outbox.Nack(ctx, msg.ID, err.Error()); nErr != nil {
					log.Warn("could not requeue task", zap.Error(nErr))
				}
				continue
			}

			if aErr := outbox.Ack(ctx, msg.ID); aErr != nil {
				log.Warn("could not ack task", zap.Error(aErr))
			}
			processed++
			progress = true
			if limit > 0 && processed >= limit {
				return processed, nil
			}
		}

		if !progress {
			if !follow {
				return processed, nil
			}
			select {
			case <-ctx.Done():
				return processed, nil
			case <-time.After(poll):
			}
		}
	}
}
