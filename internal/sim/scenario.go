// Package sim runs scenario-driven experiments: N agents on the in-memory
// lossy medium, placed on a floor plan, left running for a fixed duration
// and summarized into a JSON report. It exercises the whole stack without
// testbed hardware.
package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/interference"
	"github.com/des-testbed/des-chan/internal/mesh"
)

type PlacementCfg struct {
	Layout   string  `yaml:"layout" json:"layout"` // grid | line
	SpacingM float64 `yaml:"spacing_m" json:"spacing_m"`
}

type PairLossCfg struct {
	From mesh.NodeID `yaml:"from" json:"from"`
	To   mesh.NodeID `yaml:"to" json:"to"`
	Loss float64     `yaml:"loss" json:"loss"`
}

type MediumCfg struct {
	DefaultLoss float64         `yaml:"default_loss" json:"default_loss"`
	Latency     config.Duration `yaml:"latency" json:"latency"`
	RangeM      float64         `yaml:"range_m" json:"range_m"` // 0 disables the range check
	PairLoss    []PairLossCfg   `yaml:"pair_loss" json:"pair_loss"`
}

type TimingCfg struct {
	ProbeInterval   config.Duration `yaml:"probe_interval" json:"probe_interval"`
	WindowSpan      config.Duration `yaml:"window_span" json:"window_span"`
	GossipInterval  config.Duration `yaml:"gossip_interval" json:"gossip_interval"`
	StalenessWindow config.Duration `yaml:"staleness_window" json:"staleness_window"`
	RefreshInterval config.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	RoundTimeout    config.Duration `yaml:"round_timeout" json:"round_timeout"`
	JoinStagger     config.Duration `yaml:"join_stagger" json:"join_stagger"`
}

type Scenario struct {
	Name     string          `yaml:"name" json:"name"`
	Seed     int64           `yaml:"seed" json:"seed"`
	Duration config.Duration `yaml:"duration" json:"duration"`
	Nodes    int             `yaml:"nodes" json:"nodes"`

	// Channels is the palette: agents start on it round-robin (unless
	// StartChannel pins them all) and the least-used strategy picks from it.
	Channels     []mesh.ChannelID `yaml:"channels" json:"channels"`
	StartChannel mesh.ChannelID   `yaml:"start_channel" json:"start_channel"`

	Model    string `yaml:"model" json:"model"`
	Strategy string `yaml:"strategy" json:"strategy"` // empty = observe only

	Placement PlacementCfg `yaml:"placement" json:"placement"`
	Medium    MediumCfg    `yaml:"medium" json:"medium"`
	Timing    TimingCfg    `yaml:"timing" json:"timing"`

	ResultsFile string `yaml:"results_file" json:"results_file"`
}

// DefaultScenario is a small lossless grid that converges in seconds.
func DefaultScenario() *Scenario {
	return &Scenario{
		Name:     "grid",
		Seed:     1,
		Duration: config.Duration(10 * time.Second),
		Nodes:    4,
		Channels: []mesh.ChannelID{40},
		Model:    config.ModelTwoHop,
		Placement: PlacementCfg{
			Layout:   "grid",
			SpacingM: 10,
		},
		Timing: TimingCfg{
			ProbeInterval:   config.Duration(200 * time.Millisecond),
			WindowSpan:      config.Duration(2 * time.Second),
			GossipInterval:  config.Duration(time.Second),
			StalenessWindow: config.Duration(5 * time.Second),
			RefreshInterval: config.Duration(time.Second),
			RoundTimeout:    config.Duration(2 * time.Second),
			JoinStagger:     config.Duration(50 * time.Millisecond),
		},
		ResultsFile: "results.json",
	}
}

// LoadScenario reads a YAML (or JSON) scenario, overlaying it onto the
// defaults, and validates it.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	sc := DefaultScenario()
	if yaml.Unmarshal(raw, sc) != nil {
		sc = DefaultScenario()
		if err := json.Unmarshal(raw, sc); err != nil {
			return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
		}
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate returns the first problem found, wrapped in the configuration
// error sentinel.
func (sc *Scenario) Validate() error {
	if sc.Nodes < 2 {
		return fmt.Errorf("%w: a scenario needs at least 2 nodes", config.ErrInvalid)
	}
	if sc.Duration.Std() <= 0 {
		return fmt.Errorf("%w: duration must be positive", config.ErrInvalid)
	}
	if len(sc.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel must be listed", config.ErrInvalid)
	}
	for _, ch := range sc.Channels {
		if _, ok := interference.Frequency(ch); !ok {
			return fmt.Errorf("%w: unknown channel %d", config.ErrInvalid, ch)
		}
	}
	if sc.StartChannel != 0 {
		if _, ok := interference.Frequency(sc.StartChannel); !ok {
			return fmt.Errorf("%w: unknown start channel %d", config.ErrInvalid, sc.StartChannel)
		}
	}
	switch sc.Model {
	case config.ModelTwoHop, config.ModelTwoHopFrac, config.ModelCOIM:
	default:
		return fmt.Errorf("%w: unknown interference model %q", config.ErrInvalid, sc.Model)
	}
	switch sc.Strategy {
	case "", StrategyLeastUsed:
	default:
		return fmt.Errorf("%w: unknown strategy %q", config.ErrInvalid, sc.Strategy)
	}
	switch sc.Placement.Layout {
	case "grid", "line":
	default:
		return fmt.Errorf("%w: unknown placement layout %q", config.ErrInvalid, sc.Placement.Layout)
	}
	if sc.Placement.SpacingM <= 0 {
		return fmt.Errorf("%w: placement spacing must be positive", config.ErrInvalid)
	}
	if p := sc.Medium.DefaultLoss; p < 0 || p > 1 {
		return fmt.Errorf("%w: default_loss %v outside [0,1]", config.ErrInvalid, p)
	}
	if sc.Medium.Latency.Std() < 0 {
		return fmt.Errorf("%w: latency must not be negative", config.ErrInvalid)
	}
	if sc.Medium.RangeM < 0 {
		return fmt.Errorf("%w: range_m must not be negative", config.ErrInvalid)
	}
	for _, pl := range sc.Medium.PairLoss {
		if pl.From < 1 || int(pl.From) > sc.Nodes || pl.To < 1 || int(pl.To) > sc.Nodes {
			return fmt.Errorf("%w: pair_loss %d->%d outside the node range", config.ErrInvalid, pl.From, pl.To)
		}
		if pl.Loss < 0 || pl.Loss > 1 {
			return fmt.Errorf("%w: pair_loss %d->%d probability %v outside [0,1]", config.ErrInvalid, pl.From, pl.To, pl.Loss)
		}
	}
	tm := sc.Timing
	if tm.ProbeInterval.Std() <= 0 {
		return fmt.Errorf("%w: probe_interval must be positive", config.ErrInvalid)
	}
	if tm.WindowSpan.Std() < tm.ProbeInterval.Std() {
		return fmt.Errorf("%w: window_span %s shorter than probe_interval %s", config.ErrInvalid, tm.WindowSpan, tm.ProbeInterval)
	}
	if tm.GossipInterval.Std() < 0 {
		return fmt.Errorf("%w: gossip_interval must not be negative", config.ErrInvalid)
	}
	if tm.StalenessWindow.Std() <= 0 {
		return fmt.Errorf("%w: staleness_window must be positive", config.ErrInvalid)
	}
	if tm.RefreshInterval.Std() <= 0 {
		return fmt.Errorf("%w: refresh_interval must be positive", config.ErrInvalid)
	}
	if tm.RoundTimeout.Std() <= 0 {
		return fmt.Errorf("%w: round_timeout must be positive", config.ErrInvalid)
	}
	if tm.JoinStagger.Std() < 0 {
		return fmt.Errorf("%w: join_stagger must not be negative", config.ErrInvalid)
	}
	return nil
}
