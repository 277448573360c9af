package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serviceFlags := &ServiceFlags{}
	switchFlags := &SwitchFlags{}
	serveFlags := &ServeFlags{}

	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(cmd),
		createDownCommand(cmd),
		createStartCommand(cmd, serviceFlags),
		createStopCommand(cmd, serviceFlags),
		createRestartCommand(cmd, serviceFlags),
		createStatusCommand(cmd),
		createVersionsCommand(cmd),
		createSwitchCommand(cmd, switchFlags),
		createCheckUpdatesCommand(cmd),
		createServeCommand(cmd, serveFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackd",
		Short: "Local server stack lifecycle manager",
		Long: `Stackd installs, updates, supervises, and reconfigures a local
web development stack: a web server, a database engine, a script runtime,
and the dependent admin tool.

Examples:
  stackd up                          # install/update everything and start it
  stackd status                      # fleet status
  stackd switch --name=mariadb --version=11.4.5
  stackd serve                       # run as a supervising daemon`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.Root, "root", "", "installation root (when no config file is given)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "machine-readable JSON output")
	return root
}

func createUpCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Install or update all services, then start them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Up(cmd.Context())
		},
	}
}

func createDownCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop all services",
		Long: `Stop every running service, gracefully where the service supports it.
Exits nonzero when the fleet does not settle before the stop deadline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Down()
		},
	}
}

func createStartCommand(c command, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start one service (or all with no --name)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service id (nginx, mariadb, php, phpmyadmin)")
	return cmd
}

func createStopCommand(c command, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop one service (or all with no --name)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service id")
	return cmd
}

func createRestartCommand(c command, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart one service, validating its config first where supported",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service id (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
}

func createVersionsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Show installed and offered versions per service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Versions(cmd.Context())
		},
	}
}

func createSwitchCommand(c command, f *SwitchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Switch the active version of a multi-version service",
		Long: `Switch the active version. An already installed target only needs a
stop, a pointer repoint, and a start; otherwise the target is installed
first. The previous version's files stay untouched.

Examples:
  stackd switch --name=mariadb --version=11.4.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Switch(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service id (required)")
	cmd.Flags().StringVar(&f.Version, "version", "", "target version (required)")
	for _, req := range []string{"name", "version"} {
		if err := cmd.MarkFlagRequired(req); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createCheckUpdatesCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "check-updates",
		Short: "Query the remote feed for newer versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckUpdates(cmd.Context())
		},
	}
}

func createServeCommand(c command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as a supervising daemon with an HTTP API",
		Long: `Initialize the fleet, start every installed service, watch config
files, and expose the HTTP API until interrupted. Exits nonzero when
shutdown exceeds the stop deadline or the database stop fails fatally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}
