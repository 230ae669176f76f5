package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alnp/internal/admin"
	"alnp/internal/config"
	"alnp/internal/crypto"
	"alnp/internal/debuglog"
	"alnp/internal/metrics"
	"alnp/internal/network"
	"alnp/internal/node"
	"alnp/internal/pprofutil"
	"alnp/internal/store"
)

const (
	version          = "0.1.0"
	snapshotFile     = "metrics.json"
	snapshotInterval = 2 * time.Second
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
	// ready, when set, receives the bound addresses once serving starts.
	ready func(listen, admin string)
}

func run(args []string, stdout, stderr io.Writer) int {
	return runContext(context.Background(), args, stdout, stderr, nil)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer, ready func(listen, admin string)) int {
	a := &app{stdout: stdout, stderr: stderr, ready: ready}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "alnp-node",
		Short:         "ALNP device daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := debuglog.ConfigFromEnv()
			cfg.Out = a.stderr
			if a.debug {
				cfg.Level = zerolog.DebugLevel
			}
			a.log = debuglog.New(cfg).With().Str("component", "alnp-node").Logger()
			if a.home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				a.home = filepath.Join(dir, ".alnp-node")
			}
			return os.MkdirAll(a.home, 0o700)
		},
	}
	root.PersistentFlags().StringVar(&a.home, "home", "", "state dir (default ~/.alnp-node)")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "node config file (TOML)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.AddCommand(a.runCmd(), a.statusCmd(), a.sessionsCmd(), a.pubkeyCmd())
	return root
}

func (a *app) dataDir(cfg config.Node) string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	return a.home
}

func (a *app) signingKeyPath(cfg config.Node) string {
	if cfg.SigningKey != "" {
		return cfg.SigningKey
	}
	return a.home
}

type runFlags struct {
	listen    string
	transport string
	key       string
	adminAddr string
	dataDir   string
}

func (a *app) loadNodeConfig(cmd *cobra.Command, f *runFlags) (config.Node, error) {
	cfg, err := config.LoadNode(a.configPath)
	if err != nil {
		return config.Node{}, err
	}
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = f.listen
	}
	if set("transport") {
		cfg.Transport = f.transport
	}
	if set("key") {
		cfg.SigningKey = f.key
	}
	if set("admin") {
		cfg.AdminAddr = f.adminAddr
	}
	if set("data") {
		cfg.DataDir = f.dataDir
	}
	return cfg, cfg.Validate()
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Answer discovery and serve sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadNodeConfig(cmd, &f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address host:port")
	cmd.Flags().StringVar(&f.transport, "transport", "", "udp or quic")
	cmd.Flags().StringVar(&f.key, "key", "", "signing key (priv.hex or its directory)")
	cmd.Flags().StringVar(&f.adminAddr, "admin", "", "admin HTTP address (empty disables)")
	cmd.Flags().StringVar(&f.dataDir, "data", "", "directory for session records and metrics")
	return cmd
}

func (a *app) serve(ctx context.Context, cfg config.Node) error {
	if err := pprofutil.StartFromEnv(a.log); err != nil {
		return err
	}
	priv, err := crypto.LoadSigningKey(a.signingKeyPath(cfg))
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	formats, err := cfg.Formats()
	if err != nil {
		return err
	}
	dataDir := a.dataDir(cfg)
	st, err := store.New(dataDir)
	if err != nil {
		return err
	}
	m := metrics.New()
	n, err := node.New(node.Options{
		SigningKey: priv,
		Identity: node.Identity{
			DeviceID:       cfg.Identity.DeviceID,
			ManufacturerID: cfg.Identity.ManufacturerID,
			ModelID:        cfg.Identity.ModelID,
			HardwareRev:    cfg.Identity.HardwareRev,
			FirmwareRev:    cfg.Identity.FirmwareRev,
			MAC:            cfg.Identity.MAC,
		},
		Capabilities:     cfg.Capabilities,
		ChannelFormats:   formats,
		MaxChannels:      cfg.MaxChannels,
		SharedSecret:     []byte(cfg.SharedSecret),
		MaxSessionsPerIP: cfg.MaxSessionsPerIP,
		DiscoveryRate:    cfg.DiscoveryRate,
		SessionTimeout:   cfg.SessionTimeout.Duration,
		Logger:           a.log,
		Metrics:          m,
		Store:            st,
	})
	if err != nil {
		return err
	}

	var ln network.PacketConn
	switch cfg.Transport {
	case config.TransportQUIC:
		ln, err = network.ListenQUIC(cfg.Listen, a.log)
	default:
		ln, err = network.ListenUDP(cfg.Listen)
	}
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	adminAddr := ""
	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Options{
			Addr:        cfg.AdminAddr,
			MetricsPath: cfg.MetricsPath,
			Metrics:     m,
			Sessions:    n,
			Store:       st,
			Logger:      a.log,
			Version:     version,
		})
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return err
		}
		adminAddr = adminLn.Addr().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, adminLn); err != nil {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	snapPath := filepath.Join(dataDir, snapshotFile)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.snapshotLoop(ctx, m, snapPath)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Serve(ctx, ln); err != nil {
			errCh <- err
		}
	}()

	a.log.Info().Str("listen", ln.LocalAddr().String()).Str("transport", cfg.Transport).
		Hex("verifying_key", n.VerifyingKey()).Msg("node started")
	if a.ready != nil {
		a.ready(ln.LocalAddr().String(), adminAddr)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	_ = ln.Close()
	wg.Wait()
	if err := m.WriteSnapshot(snapPath); err != nil {
		a.log.Warn().Err(err).Msg("final metrics snapshot not written")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (a *app) snapshotLoop(ctx context.Context, m *metrics.Metrics, path string) {
	t := time.NewTicker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.WriteSnapshot(path); err != nil {
				a.log.Warn().Err(err).Msg("metrics snapshot not written")
			}
		}
	}
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last metrics snapshot written by run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(a.configPath)
			if err != nil {
				return err
			}
			snap, err := metrics.ReadSnapshot(filepath.Join(a.dataDir(cfg), snapshotFile))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(a.stdout, "no metrics snapshot; is the node running?")
					return nil
				}
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(a.stdout, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

func printStatus(w io.Writer, s metrics.Snapshot) {
	fmt.Fprintf(w, "snapshot: %s\n", s.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "sessions: %d active\n", s.ActiveSessions)
	fmt.Fprintf(w, "discovery: answered=%d\n", s.Discovery.Answered)
	fmt.Fprintf(w, "control: accepted=%d sent=%d\n", s.Control.Accepted, s.Control.Sent)
	fmt.Fprintf(w, "stream: frames=%d keepalives=%d\n", s.Stream.FramesReceived, s.Stream.Keepalives)
	if len(s.DropByReason) > 0 {
		fmt.Fprintln(w, "drops:")
		for reason, n := range s.DropByReason {
			fmt.Fprintf(w, "  %s=%d\n", reason, n)
		}
	}
}

func (a *app) sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recently ended sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(a.configPath)
			if err != nil {
				return err
			}
			st, err := store.New(a.dataDir(cfg))
			if err != nil {
				return err
			}
			recs, err := st.RecentSessions(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.stdout, "no sessions")
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPEER\tCONTROLS\tFRAMES\tDURATION\tREASON")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.SessionID, r.Peer, r.Controls, r.Frames,
					r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond), r.EndReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "n", "n", 20, "number of sessions")
	return cmd
}

func (a *app) pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the verifying key controllers need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(a.configPath)
			if err != nil {
				return err
			}
			priv, err := crypto.LoadSigningKey(a.signingKeyPath(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%x\n", []byte(priv.Public().(ed25519.PublicKey)))
			return nil
		},
	}
}
