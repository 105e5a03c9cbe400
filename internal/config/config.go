// Package config loads and validates the agent configuration. Loading is an
// overlay: the file only overrides the fields it names, everything else keeps
// its default. Validation failures are fatal at startup and never produced at
// runtime.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/des-testbed/des-chan/internal/interference"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// ErrInvalid tags every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Interference model names accepted in the conflict section.
const (
	ModelTwoHop     = "two_hop"
	ModelTwoHopFrac = "two_hop_frac"
	ModelCOIM       = "coim"
)

// Duration unmarshals from "250ms"-style strings or plain integer
// nanoseconds, in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("cannot parse %q as a duration", value.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("cannot parse %s as a duration", b)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type RadioCfg struct {
	ID      mesh.RadioID   `yaml:"id" json:"id"`
	Channel mesh.ChannelID `yaml:"channel" json:"channel"`
}

// PeerCfg pre-seeds the address book so unicast works before any broadcast
// from that peer has been heard.
type PeerCfg struct {
	Node mesh.NodeID `yaml:"node" json:"node"`
	Addr string      `yaml:"addr" json:"addr"`
}

type DiscoveryCfg struct {
	ProbeInterval    Duration `yaml:"probe_interval" json:"probe_interval"`
	WindowSpan       Duration `yaml:"window_span" json:"window_span"`
	MissedProbeLimit int      `yaml:"missed_probe_limit" json:"missed_probe_limit"`
	GossipInterval   Duration `yaml:"gossip_interval" json:"gossip_interval"` // 0 disables link gossip
}

type GraphCfg struct {
	StalenessWindow Duration `yaml:"staleness_window" json:"staleness_window"`
	MinQuality      float64  `yaml:"min_quality" json:"min_quality"`
	HintsFile       string   `yaml:"hints_file" json:"hints_file"` // DOT file of expected links
}

type ConflictCfg struct {
	Model              string   `yaml:"model" json:"model"` // two_hop | two_hop_frac | coim
	OccupancyThreshold float64  `yaml:"occupancy_threshold" json:"occupancy_threshold"`
	EtxEpsilon         float64  `yaml:"etx_epsilon" json:"etx_epsilon"`
	RefreshInterval    Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

type TransportCfg struct {
	MaxRetries     int      `yaml:"max_retries" json:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff"`
	ReorderWindow  int      `yaml:"reorder_window" json:"reorder_window"`
	GapFlush       Duration `yaml:"gap_flush" json:"gap_flush"`
}

type CoordCfg struct {
	RoundTimeout Duration `yaml:"round_timeout" json:"round_timeout"`
}

type TelemetryCfg struct {
	Broker string `yaml:"broker" json:"broker"` // empty disables the history sink
	Topic  string `yaml:"topic" json:"topic"`
}

type Config struct {
	NodeID mesh.NodeID `yaml:"node_id" json:"node_id"`
	Listen string      `yaml:"listen" json:"listen"`

	// Broadcast is where probe frames go on the control network, for
	// example "192.168.1.255:9157". Empty means unicast fan-out to the
	// known peers.
	Broadcast string `yaml:"broadcast" json:"broadcast"`

	LogDir string `yaml:"log_dir" json:"log_dir"`

	// StatsInterval is how often the agent samples link-layer counters
	// through the interface controller. 0 disables sampling.
	StatsInterval Duration `yaml:"stats_interval" json:"stats_interval"`

	Radios []RadioCfg `yaml:"radios" json:"radios"`
	Peers  []PeerCfg  `yaml:"peers" json:"peers"`

	Discovery DiscoveryCfg `yaml:"discovery" json:"discovery"`
	Graph     GraphCfg     `yaml:"graph" json:"graph"`
	Conflict  ConflictCfg  `yaml:"conflict" json:"conflict"`
	Transport TransportCfg `yaml:"transport" json:"transport"`
	Coord     CoordCfg     `yaml:"coord" json:"coord"`
	Telemetry TelemetryCfg `yaml:"telemetry" json:"telemetry"`

	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"` // empty disables /metrics
	ObserveListen string `yaml:"observe_listen" json:"observe_listen"` // empty disables the observation server
}

// Default returns the testbed defaults. NodeID and Radios have no sensible
// default and must come from the file.
func Default() *Config {
	return &Config{
		Listen:        ":9157",
		LogDir:        "logs",
		StatsInterval: Duration(10 * time.Second),
		Discovery: DiscoveryCfg{
			ProbeInterval:    Duration(time.Second),
			WindowSpan:       Duration(10 * time.Second),
			MissedProbeLimit: 5,
			GossipInterval:   Duration(5 * time.Second),
		},
		Graph: GraphCfg{
			StalenessWindow: Duration(30 * time.Second),
			MinQuality:      0.6,
		},
		Conflict: ConflictCfg{
			Model:              ModelTwoHop,
			OccupancyThreshold: interference.DefaultOccupancyThreshold,
			EtxEpsilon:         0.1,
			RefreshInterval:    Duration(30 * time.Second),
		},
		Transport: TransportCfg{
			MaxRetries:     4,
			InitialBackoff: Duration(250 * time.Millisecond),
			MaxBackoff:     Duration(4 * time.Second),
			ReorderWindow:  32,
			GapFlush:       Duration(500 * time.Millisecond),
		},
		Coord: CoordCfg{
			RoundTimeout: Duration(3 * time.Second),
		},
		Telemetry: TelemetryCfg{
			Topic: "des-chan",
		},
		MetricsListen: ":9158",
		ObserveListen: ":9159",
	}
}

// Load reads a YAML (or JSON) configuration file over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if yaml.Unmarshal(raw, cfg) != nil {
		// fallback JSON; start clean, yaml may have half-filled the struct
		cfg = Default()
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns the first problem found,
// wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.NodeID == 0 || c.NodeID == mesh.BroadcastAddr {
		return fmt.Errorf("%w: node_id must be a nonzero unicast id", ErrInvalid)
	}
	if len(c.Radios) == 0 {
		return fmt.Errorf("%w: at least one radio must be configured", ErrInvalid)
	}
	seen := make(map[mesh.RadioID]bool)
	for _, r := range c.Radios {
		if seen[r.ID] {
			return fmt.Errorf("%w: radio %d configured twice", ErrInvalid, r.ID)
		}
		seen[r.ID] = true
		if _, ok := interference.Frequency(r.Channel); !ok {
			return fmt.Errorf("%w: radio %d: unknown channel %d", ErrInvalid, r.ID, r.Channel)
		}
	}

	if _, err := net.ResolveUDPAddr("udp", c.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalid, c.Listen, err)
	}
	if c.Broadcast != "" {
		if _, err := net.ResolveUDPAddr("udp", c.Broadcast); err != nil {
			return fmt.Errorf("%w: broadcast %q: %v", ErrInvalid, c.Broadcast, err)
		}
	}
	for _, p := range c.Peers {
		if p.Node == 0 || p.Node == mesh.BroadcastAddr || p.Node == c.NodeID {
			return fmt.Errorf("%w: peer entry with bad node id %d", ErrInvalid, p.Node)
		}
		if _, err := net.ResolveUDPAddr("udp", p.Addr); err != nil {
			return fmt.Errorf("%w: peer %d addr %q: %v", ErrInvalid, p.Node, p.Addr, err)
		}
	}

	d := c.Discovery
	if d.ProbeInterval.Std() <= 0 {
		return fmt.Errorf("%w: probe_interval must be positive", ErrInvalid)
	}
	if d.WindowSpan.Std() < d.ProbeInterval.Std() {
		return fmt.Errorf("%w: window_span %s shorter than probe_interval %s", ErrInvalid, d.WindowSpan, d.ProbeInterval)
	}
	if d.MissedProbeLimit < 1 {
		return fmt.Errorf("%w: missed_probe_limit must be at least 1", ErrInvalid)
	}
	if d.GossipInterval.Std() < 0 {
		return fmt.Errorf("%w: gossip_interval must not be negative", ErrInvalid)
	}

	if c.Graph.StalenessWindow.Std() <= 0 {
		return fmt.Errorf("%w: staleness_window must be positive", ErrInvalid)
	}
	if q := c.Graph.MinQuality; q < 0 || q > 1 {
		return fmt.Errorf("%w: min_quality %v outside [0,1]", ErrInvalid, q)
	}

	switch c.Conflict.Model {
	case ModelTwoHop, ModelTwoHopFrac, ModelCOIM:
	default:
		return fmt.Errorf("%w: unknown interference model %q", ErrInvalid, c.Conflict.Model)
	}
	if c.Conflict.OccupancyThreshold < 0 {
		return fmt.Errorf("%w: occupancy_threshold must not be negative", ErrInvalid)
	}
	if c.Conflict.EtxEpsilon < 0 {
		return fmt.Errorf("%w: etx_epsilon must not be negative", ErrInvalid)
	}
	if c.Conflict.RefreshInterval.Std() <= 0 {
		return fmt.Errorf("%w: refresh_interval must be positive", ErrInvalid)
	}

	t := c.Transport
	if t.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1", ErrInvalid)
	}
	if t.InitialBackoff.Std() <= 0 || t.MaxBackoff.Std() < t.InitialBackoff.Std() {
		return fmt.Errorf("%w: backoff range %s..%s is not usable", ErrInvalid, t.InitialBackoff, t.MaxBackoff)
	}
	if t.ReorderWindow < 1 {
		return fmt.Errorf("%w: reorder_window must be at least 1", ErrInvalid)
	}
	if t.GapFlush.Std() <= 0 {
		return fmt.Errorf("%w: gap_flush must be positive", ErrInvalid)
	}

	if c.Coord.RoundTimeout.Std() <= 0 {
		return fmt.Errorf("%w: round_timeout must be positive", ErrInvalid)
	}

	if _, err := c.Hints(); err != nil {
		return err
	}
	return nil
}

// Hints reads and checks the static topology hints file. A missing file,
// unparsable line or unknown channel is a configuration error.
func (c *Config) Hints() ([]netgraph.TopologyHint, error) {
	if c.Graph.HintsFile == "" {
		return nil, nil
	}
	f, err := os.Open(c.Graph.HintsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: topology hints: %v", ErrInvalid, err)
	}
	defer f.Close()
	hints, err := netgraph.ReadDOT(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, h := range hints {
		if _, ok := interference.Frequency(h.Channel); !ok {
			return nil, fmt.Errorf("%w: topology hint %d--%d: unknown channel %d", ErrInvalid, h.A, h.B, h.Channel)
		}
	}
	return hints, nil
}
