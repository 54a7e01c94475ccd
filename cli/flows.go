package cli

import (
	"fmt"
	"strings"

	"github.com/smallnest/flowpost/types"
	"github.com/spf13/cobra"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect flow definition files",
}

var flowsListCmd = &cobra.Command{
	Use:   "list <file>",
	Short: "Validate a flow file and list its flows",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlowsList,
}

var flowsJSON bool

func init() {
	flowsListCmd.Flags().BoolVar(&flowsJSON, "json", false, "Print as JSON")
	flowsCmd.AddCommand(flowsListCmd)
}

func runFlowsList(cmd *cobra.Command, args []string) error {
	file, err := types.LoadFlows(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flowsJSON {
		return writeJSON(out, file)
	}

	idx := file.EndpointIndex()
	rows := make([][]string, 0, len(file.Flows))
	for _, f := range file.Flows {
		steps := make([]string, 0, len(f.Sequence))
		for _, id := range f.Sequence {
			ep := idx[id]
			steps = append(steps, string(ep.Method)+" "+ep.URL)
		}
		rows = append(rows, []string{f.ID, f.Name, strings.Join(steps, " → ")})
	}
	fmt.Fprintln(out, renderTable([]string{"Flow", "Name", "Steps"}, rows, nil))
	fmt.Fprintf(out, "%d flows, %d endpoints\n", len(file.Flows), len(file.Endpoints))
	return nil
}
