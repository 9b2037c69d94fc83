package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "devrig",
		Short:         "devrig supervises a local development environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "devrig.toml", "config file path")
	root.PersistentFlags().StringVar(&gf.APIUrl, "api-url", "", "daemon API base URL (default http://localhost:4711/api)")
	root.PersistentFlags().DurationVar(&gf.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")

	root.AddCommand(newUpCmd(gf))
	root.AddCommand(newTargetCmd(gf, "start", "Start one process and its dependencies"))
	root.AddCommand(newTargetCmd(gf, "stop", "Stop one process"))
	root.AddCommand(newTargetCmd(gf, "restart", "Restart one process"))
	root.AddCommand(newReloadCmd(gf))
	root.AddCommand(newLsCmd(gf))
	return root
}

func newUpCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up [config]",
		Short: "Start the whole stack and run as daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := gf.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runDaemon(path)
		},
	}
}

func newTargetCmd(gf *GlobalFlags, verb, short string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			c := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if !c.IsReachable() {
				return fmt.Errorf("no devrig daemon reachable (is `devrig up` running?)")
			}
			switch verb {
			case "start":
				return c.StartProcess(name)
			case "stop":
				return c.StopProcess(name)
			default:
				return c.RestartProcess(name)
			}
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "process name")
	return cmd
}

func newReloadCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's config and apply the diff",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if !c.IsReachable() {
				return fmt.Errorf("no devrig daemon reachable (is `devrig up` running?)")
			}
			res, err := c.Reload()
			if err != nil {
				return err
			}
			fmt.Printf("+%d -%d ~%d\n", res.Added, res.Removed, res.Changed)
			return nil
		},
	}
}

func newLsCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List processes and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if !c.IsReachable() {
				return fmt.Errorf("no devrig daemon reachable (is `devrig up` running?)")
			}
			states, err := c.States()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
			for _, s := range states {
				port := ""
				if s.Port > 0 {
					port = strconv.Itoa(s.Port)
				}
				fmt.Fprintf(w, "%s\t| %s\t| %s\t| %s\n", s.Name, s.Status, port, s.LogPath)
			}
			return w.Flush()
		},
	}
}
