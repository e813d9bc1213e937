package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chanfs/internal/service"
)

var fsckPrune bool

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Rebuild the tree and report metadata problems",
	Long: `Rebuilds the tree from the metadata channel and reports what it found:
file and folder counts, records that could not be decoded, records shadowed by
a newer record for the same path, folders that exist only as parents of other
records, and records that could not be placed in the tree.

With --prune, shadowed records are retracted from the metadata channel.`,
	Args: cobra.NoArgs,
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckPrune, "prune", false, "Retract shadowed duplicate records")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *service.Service, report *service.LoadReport) error {
		out := cmd.OutOrStdout()
		rb := report.Rebuild
		files, folders := svc.Counts()

		fmt.Fprintf(out, "Scanned %d metadata messages in %s\n", rb.Scanned, rb.Duration.Round(time.Millisecond))
		fmt.Fprintf(out, "Files: %d\n", files)
		fmt.Fprintf(out, "Folders: %d\n", folders)

		fmt.Fprintf(out, "Corrupt records: %d\n", len(rb.Corrupt))
		for _, s := range rb.Corrupt {
			fmt.Fprintf(out, "  %s: %s\n", s.MessageID, s.Reason)
		}
		fmt.Fprintf(out, "Shadowed duplicates: %d\n", len(rb.Duplicates))
		for _, d := range rb.Duplicates {
			fmt.Fprintf(out, "  %s: /%s\n", d.ID, d.Path())
		}
		fmt.Fprintf(out, "Synthesized folders: %d\n", len(report.Synthesized))
		for _, p := range report.Synthesized {
			fmt.Fprintf(out, "  /%s\n", p)
		}
		fmt.Fprintf(out, "Conflicts: %d\n", len(report.Conflicts))
		for _, c := range report.Conflicts {
			fmt.Fprintf(out, "  %s: /%s: %v\n", c.Record.ID, c.Record.Path(), c.Err)
		}

		if !fsckPrune || len(rb.Duplicates) == 0 {
			return nil
		}
		pruned, err := svc.PruneDuplicates(ctx, rb.Duplicates)
		fmt.Fprintf(out, "Pruned %d duplicate records\n", pruned)
		return err
	})
}
