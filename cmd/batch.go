package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/pipeline"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch <manifest>",
	Short: "Classify a manifest of stored documents",
	Long:  "Reads a manifest file with one store:// URI per line and runs each document through the classification stage, rate limited per the batch config.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		refs, err := readManifest(args[0])
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(refs) > batchLimit {
			refs = refs[:batchLimit]
		}
		if len(refs) == 0 {
			fmt.Fprintln(os.Stderr, "Manifest is empty.")
			return nil
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := pipeline.NewBatchRunner(env.Classify, cfg.Batch.ItemsPerSecond)
		summary, err := runner.Run(ctx, refs)
		if err != nil {
			return eris.Wrap(err, "batch")
		}

		fmt.Printf("Processed: %d\nSuppressed: %d\nFailed: %d\nSkipped: %d\n",
			summary.Processed, summary.Suppressed, summary.Failed, summary.Skipped)
		for _, f := range summary.Failures {
			fmt.Printf("  %s: %s\n", f.ItemID, f.Error)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	rootCmd.AddCommand(batchCmd)
}

// readManifest parses a manifest file of store URIs. Blank lines and
// lines starting with # are skipped.
func readManifest(path string) ([]model.DocumentRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open manifest")
	}
	defer f.Close()

	var refs []model.DocumentRef
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ref, err := parseRef(text)
		if err != nil {
			return nil, eris.Wrapf(err, "manifest line %d", line)
		}
		refs = append(refs, ref)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "read manifest")
	}
	return refs, nil
}
