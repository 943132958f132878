package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/oms/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStateCommand(cmd),
		createRestartCommand(cmd),
		createConnectCommand(cmd),
		createCameraCommand(cmd),
		createMTDQueryCommand(cmd),
		createHistoryCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:          "omsd",
		Short:        "Orchestration daemon for the production rig",
		SilenceUsage: true,
		Long: `omsd watches the daemons of the rig through their node status services,
restarts them in bulk, wires them together with the connect sequence and
drives the cameras.

Examples:
  omsd serve --config oms.toml      # Start the daemon
  omsd state                        # Fleet summary and banner
  omsd restart --follow             # Restart-All and stream progress
  omsd connect --wait               # Run the connect sequence
  omsd camera action start          # Start recording on every camera
  omsd history --kind connect       # Recent connect runs`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "daemon URL including base path")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [oms.toml]",
		Short: "Start the orchestration daemon",
		Long: `Start the daemon: status poller, liveness prober, control plane and
optional metrics listener. Stops on SIGINT/SIGTERM.

Examples:
  omsd serve --config oms.toml
  omsd serve oms.toml --metrics-listen :9102
  omsd serve oms.toml --daemonize --pidfile /run/omsd.pid --logfile /var/log/omsd.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return runServe(flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /metrics on a separate address")
	cmd.Flags().BoolVar(&flags.NoWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func createStateCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the fleet summary and banner state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.State(*flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

// runSubcommands adds "state" and "clear" under a run command.
func runSubcommands(c command, kind string) []*cobra.Command {
	stateFlags, clearFlags := &APIFlags{}, &APIFlags{}
	state := &cobra.Command{
		Use:   "state",
		Short: "Show the progress of the current or last " + kind,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RunState(kind, *stateFlags)
		},
	}
	addAPIFlags(state, stateFlags)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Reset a finished " + kind + " to idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Clear(kind, *clearFlags)
		},
	}
	addAPIFlags(clearCmd, clearFlags)
	return []*cobra.Command{state, clearCmd}
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "block until the run ends and print the final state")
	cmd.Flags().BoolVar(&f.Follow, "follow", false, "stream progress until the run ends")
}

func createRestartCommand(c command) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart every selected daemon on every node",
		Long: `Start Restart-All. Only one restart can run at a time.

Examples:
  omsd restart --wait
  omsd restart --follow
  omsd restart state
  omsd restart clear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(*flags)
		},
	}
	addRunFlags(cmd, flags)
	cmd.AddCommand(runSubcommands(c, "restart")...)
	return cmd
}

func createConnectCommand(c command) *cobra.Command {
	flags := &ConnectFlags{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run the connect sequence through MTd",
		Long: `Start the connect sequence. Unset parameters are resolved by the daemon
from its config, the persisted state and the node status services.

Examples:
  omsd connect --wait
  omsd connect --dmpdip 10.0.0.30 --follow
  omsd connect --dry-run --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Connect(*flags)
		},
	}
	addRunFlags(cmd, &flags.RunFlags)
	cmd.Flags().StringVar(&flags.MTDHost, "mtd-host", "", "MTd host")
	cmd.Flags().IntVar(&flags.MTDPort, "mtd-port", 0, "MTd port")
	cmd.Flags().StringVar(&flags.DMPDIP, "dmpdip", "", "address daemons use to reach this host")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "record steps without sending anything")
	cmd.AddCommand(runSubcommands(c, "connect")...)
	return cmd
}

func createCameraCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Camera state, connect and actions",
	}

	stateFlags := &APIFlags{}
	state := &cobra.Command{
		Use:   "state",
		Short: "Show cameras with liveness, link state and banner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CameraState(*stateFlags)
		},
	}
	addAPIFlags(state, stateFlags)

	connectFlags := &RunFlags{}
	connect := &cobra.Command{
		Use:   "connect",
		Short: "Connect every known camera through CCd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CameraConnect(*connectFlags)
		},
	}
	addAPIFlags(connect, &connectFlags.APIFlags)
	connect.Flags().BoolVar(&connectFlags.Wait, "wait", false, "block until the run ends")

	actionFlags := &CameraActionFlags{}
	action := &cobra.Command{
		Use:       "action <reboot|start|stop|autofocus>",
		Short:     "Send an operation to cameras",
		ValidArgs: []string{"reboot", "start", "stop", "autofocus"},
		Args:      cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CameraAction(args[0], *actionFlags)
		},
	}
	addAPIFlags(action, &actionFlags.APIFlags)
	action.Flags().StringSliceVar(&actionFlags.IPs, "ip", nil, "camera IP (repeatable; default all cameras)")

	cmd.AddCommand(state, connect, action)
	return cmd
}

func createMTDQueryCommand(c command) *cobra.Command {
	flags := &MTDQueryFlags{}
	cmd := &cobra.Command{
		Use:   "mtd-query",
		Short: "Send one raw message through the daemon's RPC transport",
		Long: `Send one message and print the decoded reply. The message may contain
comments and trailing commas.

Examples:
  omsd mtd-query --message '{"Section1":"MTd","Section2":"Daemon","Section3":"Version"}'
  omsd mtd-query --host 10.0.0.30 --port 19765 --message @msg.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(flags.Message) > 1 && flags.Message[0] == '@' {
				b, err := os.ReadFile(flags.Message[1:])
				if err != nil {
					return err
				}
				flags.Message = string(b)
			}
			return c.MTDQuery(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (default: daemon's mtd_host)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "target port (default: daemon's mtd_port)")
	cmd.Flags().StringVar(&flags.Message, "message", "", "JSON message, or @file")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "call timeout (default: daemon's rpc.timeout)")
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished runs",
		Long: `List finished restart, connect and camera connect runs, newest first.

Examples:
  omsd history
  omsd history --kind restart --limit 5
  omsd history --kind connect --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Kind, "kind", "", "restart, connect or camera_connect (default all)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "number of runs (default: daemon's default)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the full reports")
	return cmd
}
