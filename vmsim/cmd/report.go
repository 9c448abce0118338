package cmd

import (
	"fmt"
	"io"
	"log"
	"text/tabwriter"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <trace.sqlite3>",
	Short: "Summarize a recorded trace.",
	Long: "`report` counts the recorded events by kind and process. With " +
		"--kind or --pid, it lists the matching events instead.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reader, err := tracing.NewSQLiteReader(args[0])
		if err != nil {
			log.Fatalf("Error opening trace: %v", err)
		}
		defer reader.Close()

		kind, _ := cmd.Flags().GetString("kind")
		pid, _ := cmd.Flags().GetUint32("pid")
		limit, _ := cmd.Flags().GetInt("limit")

		out := cmd.OutOrStdout()
		if kind == "" && pid == 0 {
			err = printSummary(out, reader)
		} else {
			err = printEvents(out, reader, tracing.EventQuery{
				Kind:  kind,
				PID:   vm.PID(pid),
				Limit: limit,
			})
		}

		if err != nil {
			log.Fatalf("Error reading trace: %v", err)
		}
	},
}

func printSummary(out io.Writer, reader *tracing.SQLiteReader) error {
	rows, err := reader.Summarize()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPID\tCOUNT")

	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\n", row.Kind, row.PID, row.Count)
	}

	return w.Flush()
}

func printEvents(
	out io.Writer,
	reader *tracing.SQLiteReader,
	query tracing.EventQuery,
) error {
	events, err := reader.ListEvents(query)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tWHERE\tPID\tVADDR\tPADDR\tSLOT")

	for _, e := range events {
		fmt.Fprintf(w, "%.6f\t%s\t%s\t%d\t0x%x\t0x%x\t%d\n",
			e.Time, e.Kind, e.Where, e.PID, e.VAddr, e.PAddr, e.Slot)
	}

	return w.Flush()
}

func init() {
	reportCmd.Flags().String("kind", "", "List the events of this kind.")
	reportCmd.Flags().Uint32("pid", 0, "List the events of this process.")
	reportCmd.Flags().Int("limit", 100, "Maximum number of events to list.")

	rootCmd.AddCommand(reportCmd)
}
