// Command fightlink connects to a console's live telemetry port, follows
// matches and training rooms as they happen, and exposes them through logs,
// Prometheus metrics, MQTT and an optional on-disk capture.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"fightlink/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fightlink",
		Short: "Live fighting-game telemetry client",
		Long: `fightlink speaks the console's telemetry protocol: it negotiates the
protocol version and name mappings, assembles per-fighter samples into
synchronized frames, and reports match and training sessions as they start,
reset and end.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file or directory (default $"+config.EnvPath+" or "+config.DefaultPath+")")

	load := func() (*config.Config, error) { return loadConfig(configPath) }
	rootCmd.AddCommand(
		runCmd(load),
		emulateCmd(load),
		mappingCmd(load),
		captureCmd(load),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig resolves and loads the configuration. A missing default location
// is not an error: the built-in defaults are used instead. An explicitly
// named path must exist.
func loadConfig(flag string) (*config.Config, error) {
	path := config.ResolvePath(flag)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if flag == "" && os.Getenv(config.EnvPath) == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "fightlink %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", date)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
