package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/corfid/docpipe/internal/lock"
	"github.com/corfid/docpipe/pkg/objstore"
)

var locksVersion string

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect admission locks",
	Long:  "Commands for viewing and cleaning up the exactly-once admission lock rows.",
}

var locksShowCmd = &cobra.Command{
	Use:   "show <store-uri>",
	Short: "Show the lock row for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		backend, err := initLockBackend(st)
		if err != nil {
			return err
		}
		if c, ok := backend.(interface{ Close() error }); ok {
			defer c.Close() //nolint:errcheck
		}

		version := locksVersion
		if version == "" {
			objects, err := objstore.NewFS(cfg.Objects.Root)
			if err != nil {
				return eris.Wrap(err, "init object store")
			}
			info, err := objects.Head(ctx, ref.Container, ref.Key)
			if err != nil {
				return eris.Wrap(err, "resolve document version, pass --version explicitly")
			}
			version = info.Version
		}

		rec, err := backend.Get(ctx, lock.LockKey(ref.Container, ref.Key, version))
		if err != nil {
			return eris.Wrap(err, "locks show")
		}
		if rec == nil {
			fmt.Fprintln(os.Stderr, "No lock row for this document version.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var locksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete lock rows past their retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		backend, err := initLockBackend(st)
		if err != nil {
			return err
		}
		if c, ok := backend.(interface{ Close() error }); ok {
			defer c.Close() //nolint:errcheck
		}

		n, err := backend.DeleteExpired(ctx)
		if err != nil {
			return eris.Wrap(err, "locks purge")
		}

		fmt.Printf("Deleted %d expired locks.\n", n)
		return nil
	},
}

func init() {
	locksShowCmd.Flags().StringVar(&locksVersion, "version", "", "content version token (resolved from the object store when omitted)")

	locksCmd.AddCommand(locksShowCmd)
	locksCmd.AddCommand(locksPurgeCmd)
	rootCmd.AddCommand(locksCmd)
}
