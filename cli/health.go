package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smallnest/flowpost/health"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the executor is ready",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// Flags for health
var (
	healthServer  string
	healthWait    bool
	healthJSON    bool
	healthTimeout time.Duration
)

func init() {
	healthCmd.Flags().StringVar(&healthServer, "server", "", "Executor URL (overrides executor.server_url)")
	healthCmd.Flags().BoolVar(&healthWait, "wait", false, "Poll until the executor is ready")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Print the result as JSON")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
}

func runHealth(cmd *cobra.Command, args []string) error {
	exec := cfg.Executor
	if healthServer != "" {
		exec.ServerURL = healthServer
	}
	checker, err := health.FromConfig(exec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, healthTimeout)
		defer cancel()
	}

	var st health.Status
	if healthWait {
		st, err = checker.WaitReady(ctx)
	} else {
		st, err = checker.Probe(ctx)
	}
	if err != nil {
		return err
	}
	if err := printStatus(cmd.OutOrStdout(), st, healthJSON); err != nil {
		return err
	}
	if !st.Ready {
		return fmt.Errorf("%w: status %d", health.ErrNotReady, st.StatusCode)
	}
	return nil
}

func printStatus(out io.Writer, st health.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	state := "ready"
	if !st.Ready {
		state = "not ready"
	}
	fmt.Fprintf(out, "Executor: %s\n", st.URL)
	fmt.Fprintf(out, "State:    %s (HTTP %d, %s)\n", state, st.StatusCode, st.Latency.Round(time.Millisecond))
	if st.Status != "" {
		fmt.Fprintf(out, "Status:   %s\n", st.Status)
	}
	if st.Version != "" {
		fmt.Fprintf(out, "Version:  %s\n", st.Version)
	}
	return nil
}
