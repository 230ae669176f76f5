package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"alnp/internal/client"
	"alnp/internal/config"
	"alnp/internal/crypto"
	"alnp/internal/network"
	"alnp/internal/proto"
)

type connFlags struct {
	remote    string
	local     string
	transport string
	key       string
	psk       string
	timeout   time.Duration
	insecure  bool
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.remote, "remote", "", "device address host:port")
	cmd.Flags().StringVar(&f.local, "local", "", "local bind address")
	cmd.Flags().StringVar(&f.transport, "transport", "", "udp or quic")
	cmd.Flags().StringVar(&f.key, "key", "", "device verifying key (pub.hex or its directory)")
	cmd.Flags().StringVar(&f.psk, "psk", "", "pre-shared secret for control tags")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "discovery timeout")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "skip QUIC certificate checks")
}

// load reads the client config and applies any flags set on cmd.
func (f *connFlags) load(cmd *cobra.Command, path string) (config.Client, error) {
	cfg, err := config.LoadClient(path)
	if err != nil {
		return config.Client{}, err
	}
	set := cmd.Flags().Changed
	if set("remote") {
		cfg.Remote = f.remote
	}
	if set("local") {
		cfg.Local = f.local
	}
	if set("transport") {
		cfg.Transport = f.transport
	}
	if set("key") {
		cfg.VerifyingKey = f.key
	}
	if set("psk") {
		cfg.SharedSecret = f.psk
	}
	if set("timeout") {
		cfg.DiscoveryTimeout = config.Duration{Duration: f.timeout}
	}
	return cfg, cfg.Validate()
}

func dial(ctx context.Context, cfg config.Client, insecure bool) (network.Transport, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		return network.DialQUIC(ctx, cfg.Remote, insecure)
	default:
		return network.DialUDP(cfg.Remote, cfg.Local)
	}
}

// connect dials the device and completes discovery.
func (a *app) connect(ctx context.Context, cmd *cobra.Command, f *connFlags) (*client.Client, config.Client, proto.ReplyPayload, error) {
	cfg, err := f.load(cmd, a.configPath)
	if err != nil {
		return nil, config.Client{}, proto.ReplyPayload{}, err
	}
	key, err := crypto.LoadVerifyingKey(cfg.VerifyingKey)
	if err != nil {
		return nil, cfg, proto.ReplyPayload{}, err
	}
	st, err := a.store(cfg)
	if err != nil {
		return nil, cfg, proto.ReplyPayload{}, err
	}
	tr, err := dial(ctx, cfg, f.insecure)
	if err != nil {
		return nil, cfg, proto.ReplyPayload{}, err
	}
	c, err := client.New(client.Options{
		Transport:         tr,
		VerifyingKey:      key,
		SharedSecret:      []byte(cfg.SharedSecret),
		Capabilities:      cfg.Capabilities,
		KeepaliveInterval: cfg.KeepaliveInterval.Duration,
		Remote:            cfg.Remote,
		Logger:            a.log,
		Store:             st,
	})
	if err != nil {
		_ = tr.Close()
		return nil, cfg, proto.ReplyPayload{}, err
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout.Duration)
	defer cancel()
	peer, err := c.Discover(dctx)
	if err != nil {
		_ = c.Close()
		return nil, cfg, proto.ReplyPayload{}, err
	}
	return c, cfg, peer, nil
}

type deviceView struct {
	SessionID      string   `json:"session_id"`
	DeviceID       string   `json:"device_id"`
	ManufacturerID string   `json:"manufacturer_id"`
	ModelID        string   `json:"model_id"`
	HardwareRev    string   `json:"hardware_rev"`
	FirmwareRev    string   `json:"firmware_rev"`
	MAC            string   `json:"mac"`
	Capabilities   []string `json:"capabilities"`
	ChannelFormats []string `json:"channel_formats"`
	MaxChannels    uint32   `json:"max_channels"`
}

func viewOf(id proto.SessionID, p proto.ReplyPayload) deviceView {
	formats := make([]string, 0, len(p.ChannelFormats))
	for _, f := range p.ChannelFormats {
		formats = append(formats, f.String())
	}
	return deviceView{
		SessionID:      id.String(),
		DeviceID:       p.DeviceID,
		ManufacturerID: p.ManufacturerID,
		ModelID:        p.ModelID,
		HardwareRev:    p.HardwareRev,
		FirmwareRev:    p.FirmwareRev,
		MAC:            p.MAC,
		Capabilities:   p.Capabilities,
		ChannelFormats: formats,
		MaxChannels:    p.MaxChannels,
	}
}

func (a *app) discoverCmd() *cobra.Command {
	var f connFlags
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover and authenticate a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, peer, err := a.connect(cmd.Context(), cmd, &f)
			if err != nil {
				return err
			}
			defer c.Close()
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(viewOf(c.SessionID(), peer))
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) controlCmd() *cobra.Command {
	var f connFlags
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "control <payload>...",
		Short: "Send control payloads to a device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, _, err := a.connect(ctx, cmd, &f)
			if err != nil {
				return err
			}
			defer c.Close()
			for _, payload := range args {
				if err := c.SendControl(ctx, []byte(payload)); err != nil {
					return err
				}
				if wait <= 0 {
					continue
				}
				rctx, cancel := context.WithTimeout(ctx, wait)
				env, err := c.ReceiveControl(rctx)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) {
					fmt.Fprintln(a.stdout, "no reply")
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%d %s\n", env.Sequence, env.Payload)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for a reply to each payload")
	return cmd
}

func parseChannels(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad channel value %q", p)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func (a *app) streamCmd() *cobra.Command {
	var f connFlags
	var pf profileFlags
	var (
		channels string
		format   string
		priority uint8
		frames   int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Start a stream and send frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := parseChannels(channels)
			if err != nil {
				return err
			}
			sf, err := proto.ParseSampleFormat(format)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, cfg, _, err := a.connect(ctx, cmd, &f)
			if err != nil {
				return err
			}
			defer c.Close()
			p, err := pf.resolve(cmd, cfg)
			if err != nil {
				return err
			}
			compiled, err := c.StartStream(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "streaming session=%s config_id=%s jitter=%s\n",
				c.SessionID(), compiled.ConfigID, compiled.Jitter())

			kctx, stopKeepalive := context.WithCancel(ctx)
			defer stopKeepalive()
			go func() { _ = c.RunKeepalive(kctx) }()

			t := time.NewTicker(interval)
			defer t.Stop()
			sent := 0
			for frames <= 0 || sent < frames {
				if err := c.SendFrame(ctx, sf, ch, priority); err != nil {
					return err
				}
				sent++
				select {
				case <-ctx.Done():
					frames = sent
				case <-t.C:
				}
			}
			fmt.Fprintf(a.stdout, "sent %d frames\n", sent)
			return c.StopStream()
		},
	}
	f.register(cmd)
	pf.register(cmd)
	cmd.Flags().StringVar(&channels, "channels", "", "comma-separated channel values")
	cmd.Flags().StringVar(&format, "format", "u8", "sample format u8 or u16")
	cmd.Flags().Uint8Var(&priority, "priority", 0, "frame priority")
	cmd.Flags().IntVar(&frames, "frames", 1, "frames to send; 0 streams until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 25*time.Millisecond, "delay between frames")
	return cmd
}
