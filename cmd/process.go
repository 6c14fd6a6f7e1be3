package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
)

var processVersion string

var processCmd = &cobra.Command{
	Use:   "process <store-uri>",
	Short: "Classify a single stored document",
	Long:  "Runs the classification stage for one document, e.g. process store://docs/CERL/800035887/scan.pdf. Extractable categories are queued for the extraction stage.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		ref.VersionHint = processVersion

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Classify.Handle(ctx, ref)
		if err != nil {
			return eris.Wrap(err, "process")
		}
		if run == nil {
			fmt.Fprintln(os.Stderr, "Document is already being processed, skipping.")
			return nil
		}

		zap.L().Info("classification finished",
			zap.String("path", run.Path),
			zap.String("status", string(run.Status)),
			zap.String("category", string(run.Category)),
			zap.Bool("fallback_used", run.FallbackUsed),
			zap.Int("call_count", run.CallCount))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	processCmd.Flags().StringVar(&processVersion, "version", "", "content version token from the delivery event")
	rootCmd.AddCommand(processCmd)
}

// parseRef validates and splits a store:// URI.
func parseRef(uri string) (model.DocumentRef, error) {
	container, key, ok := model.SplitPath(uri)
	if !ok {
		return model.DocumentRef{}, eris.Errorf("invalid document URI %q, expected store://container/key", uri)
	}
	return model.DocumentRef{Container: container, Key: key}, nil
}
