package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/smallnest/flowpost/runlog"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse archived runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the archived logs of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

// Flags for runs
var (
	runsJSON  bool
	runsLimit int
)

func init() {
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Print as JSON")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func openArchive() (*runlog.Store, error) {
	return runlog.Open(cfg.Archive.Path)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No archived runs.")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			string(r.Status),
			strconv.FormatInt(r.Batches, 10),
			strconv.FormatInt(r.Entries, 10),
			r.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	table := renderTable(
		[]string{"Run", "Status", "Batches", "Entries", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
	_, err = fmt.Fprintln(out, table)
	return err
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	batches, err := store.Batches(run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		return writeJSON(out, struct {
			*runlog.Run
			Logs []runlog.Batch `json:"logs"`
		}{run, batches})
	}

	fmt.Fprintf(out, "Run %s (%s, %d batches, %d entries)\n", run.ID, run.Status, run.Batches, run.Entries)
	for _, b := range batches {
		for _, entry := range b.Entries {
			fmt.Fprintln(out, formatEntry(entry))
		}
	}
	if run.Status == runlog.StatusDone {
		fmt.Fprintf(out, "✔ completed: %s\n", run.Message)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
