package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alnp/internal/config"
	"alnp/internal/debuglog"
	"alnp/internal/pprofutil"
	"alnp/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	log    zerolog.Logger

	home       string
	configPath string
	debug      bool
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "alnp",
		Short:         "ALNP controller: discover devices, send control and stream frames",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := debuglog.ConfigFromEnv()
			cfg.Out = a.stderr
			if a.debug {
				cfg.Level = zerolog.DebugLevel
			}
			a.log = debuglog.New(cfg).With().Str("component", "alnp").Logger()
			if a.home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				a.home = filepath.Join(dir, ".alnp")
			}
			if err := os.MkdirAll(a.home, 0o700); err != nil {
				return err
			}
			return pprofutil.StartFromEnv(a.log)
		},
	}
	root.PersistentFlags().StringVar(&a.home, "home", "", "state dir (default ~/.alnp)")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "client config file (TOML)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.keygenCmd(),
		a.profileCmd(),
		a.discoverCmd(),
		a.controlCmd(),
		a.streamCmd(),
		a.devicesCmd(),
	)
	return root
}

// store opens the record store under the configured data dir, or the home
// dir when none is set.
func (a *app) store(cfg config.Client) (*store.Store, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = a.home
	}
	return store.New(dir)
}
