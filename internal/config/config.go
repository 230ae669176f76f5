// Package config loads node and client settings from TOML files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"alnp/internal/profile"
	"alnp/internal/proto"
)

const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Duration lets TOML carry values such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Identity struct {
	DeviceID       string `toml:"device_id"`
	ManufacturerID string `toml:"manufacturer_id"`
	ModelID        string `toml:"model_id"`
	HardwareRev    string `toml:"hardware_rev"`
	FirmwareRev    string `toml:"firmware_rev"`
	MAC            string `toml:"mac"`
}

type Node struct {
	Listen           string   `toml:"listen"`
	Transport        string   `toml:"transport"`
	SigningKey       string   `toml:"signing_key"`
	SharedSecret     string   `toml:"shared_secret"`
	Identity         Identity `toml:"identity"`
	Capabilities     []string `toml:"capabilities"`
	ChannelFormats   []string `toml:"channel_formats"`
	MaxChannels      uint32   `toml:"max_channels"`
	MaxSessionsPerIP int      `toml:"max_sessions_per_ip"`
	DiscoveryRate    int      `toml:"discovery_rate"`
	SessionTimeout   Duration `toml:"session_timeout"`
	AdminAddr        string   `toml:"admin_addr"`
	MetricsPath      string   `toml:"metrics_path"`
	DataDir          string   `toml:"data_dir"`
}

type Profile struct {
	Intent     string `toml:"intent"`
	Latency    *uint8 `toml:"latency"`
	Resilience *uint8 `toml:"resilience"`
}

type Client struct {
	Remote            string   `toml:"remote"`
	Local             string   `toml:"local"`
	Transport         string   `toml:"transport"`
	VerifyingKey      string   `toml:"verifying_key"`
	SharedSecret      string   `toml:"shared_secret"`
	Capabilities      []string `toml:"capabilities"`
	DiscoveryTimeout  Duration `toml:"discovery_timeout"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	Profile           Profile  `toml:"profile"`
	DataDir           string   `toml:"data_dir"`
}

func DefaultNode() Node {
	return Node{
		Listen:           "0.0.0.0:6455",
		Transport:        TransportUDP,
		Capabilities:     []string{"alnp.control.v1", "alnp.stream.v1"},
		ChannelFormats:   []string{"u8", "u16"},
		MaxChannels:      512,
		MaxSessionsPerIP: 4,
		DiscoveryRate:    20,
		SessionTimeout:   Duration{30 * time.Second},
	}
}

func DefaultClient() Client {
	return Client{
		Transport:         TransportUDP,
		Capabilities:      []string{"alnp.control.v1", "alnp.stream.v1"},
		DiscoveryTimeout:  Duration{3 * time.Second},
		KeepaliveInterval: Duration{5 * time.Second},
		Profile:           Profile{Intent: "auto"},
	}
}

// LoadNode reads path over DefaultNode. An empty path returns the defaults.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if err := decode(path, &cfg); err != nil {
		return Node{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads path over DefaultClient. An empty path returns the defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := decode(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func decode(path string, v any) error {
	if path == "" {
		return nil
	}
	meta, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func validTransport(t string) error {
	if t != TransportUDP && t != TransportQUIC {
		return fmt.Errorf("unknown transport %q", t)
	}
	return nil
}

func (n Node) Validate() error {
	if n.Listen == "" {
		return errors.New("listen address required")
	}
	if err := validTransport(n.Transport); err != nil {
		return err
	}
	if _, err := n.Formats(); err != nil {
		return err
	}
	if n.SessionTimeout.Duration <= 0 {
		return errors.New("session_timeout must be positive")
	}
	return nil
}

// Formats parses ChannelFormats.
func (n Node) Formats() ([]proto.SampleFormat, error) {
	out := make([]proto.SampleFormat, 0, len(n.ChannelFormats))
	for _, s := range n.ChannelFormats {
		f, err := proto.ParseSampleFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Validate checks the fields needed to open a session.
func (c Client) Validate() error {
	if c.Remote == "" {
		return errors.New("remote address required")
	}
	if c.VerifyingKey == "" {
		return errors.New("verifying_key required")
	}
	if err := validTransport(c.Transport); err != nil {
		return err
	}
	if c.DiscoveryTimeout.Duration <= 0 {
		return errors.New("discovery_timeout must be positive")
	}
	_, err := c.StreamProfile()
	return err
}

// StreamProfile resolves the [profile] table: the intent preset with any
// explicit weights applied.
func (c Client) StreamProfile() (profile.Profile, error) {
	intent, err := profile.ParseIntent(c.Profile.Intent)
	if err != nil {
		return profile.Profile{}, err
	}
	p := profile.Preset(intent)
	if c.Profile.Latency != nil {
		p.LatencyWeight = *c.Profile.Latency
	}
	if c.Profile.Resilience != nil {
		p.ResilienceWeight = *c.Profile.Resilience
	}
	return p, nil
}
