package cli

import (
	"fmt"
	"os"

	"github.com/smallnest/flowpost/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if path := config.UsedPath(); path != "" {
		fmt.Fprintf(out, "# %s\n", path)
	} else {
		fmt.Fprintln(out, "# defaults (no config file found)")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = config.ExpandUserPath(args[0])
	} else {
		p, err := config.GetDefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
