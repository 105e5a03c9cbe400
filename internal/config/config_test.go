package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func validConfig() *Config {
	c := Default()
	c.NodeID = 7
	c.Radios = []RadioCfg{{ID: 0, Channel: 40}}
	return c
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "chand.yaml", `
node_id: 7
radios:
  - id: 0
    channel: 40
  - id: 1
    channel: 44
discovery:
  probe_interval: 500ms
conflict:
  model: coim
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != 7 {
		t.Errorf("Expected node id 7, got %d", cfg.NodeID)
	}
	if len(cfg.Radios) != 2 || cfg.Radios[1].Channel != 44 {
		t.Errorf("Expected 2 radios with second on channel 44, got %+v", cfg.Radios)
	}
	if cfg.Discovery.ProbeInterval.Std() != 500*time.Millisecond {
		t.Errorf("Expected probe interval 500ms, got %s", cfg.Discovery.ProbeInterval)
	}
	if cfg.Conflict.Model != ModelCOIM {
		t.Errorf("Expected model coim, got %q", cfg.Conflict.Model)
	}
	// untouched fields keep their defaults
	if cfg.Listen != ":9157" {
		t.Errorf("Expected default listen :9157, got %q", cfg.Listen)
	}
	if cfg.Discovery.MissedProbeLimit != 5 {
		t.Errorf("Expected default missed probe limit 5, got %d", cfg.Discovery.MissedProbeLimit)
	}
	if cfg.Graph.StalenessWindow.Std() != 30*time.Second {
		t.Errorf("Expected default staleness window 30s, got %s", cfg.Graph.StalenessWindow)
	}
	if cfg.Transport.MaxRetries != 4 {
		t.Errorf("Expected default max retries 4, got %d", cfg.Transport.MaxRetries)
	}
}

func TestLoadJSONFallback(t *testing.T) {
	path := writeFile(t, "chand.json", `{
  "node_id": 12,
  "radios": [{"id": 0, "channel": 36}],
  "coord": {"round_timeout": "1.5s"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != 12 {
		t.Errorf("Expected node id 12, got %d", cfg.NodeID)
	}
	if cfg.Coord.RoundTimeout.Std() != 1500*time.Millisecond {
		t.Errorf("Expected round timeout 1.5s, got %s", cfg.Coord.RoundTimeout)
	}
}

func TestDurationAcceptsNanosecondInts(t *testing.T) {
	path := writeFile(t, "chand.yaml", `
node_id: 3
radios: [{id: 0, channel: 40}]
discovery:
  probe_interval: 2000000000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.ProbeInterval.Std() != 2*time.Second {
		t.Errorf("Expected probe interval 2s, got %s", cfg.Discovery.ProbeInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero node id", func(c *Config) { c.NodeID = 0 }, "node_id"},
		{"broadcast node id", func(c *Config) { c.NodeID = 0xFFFFFFFF }, "node_id"},
		{"no radios", func(c *Config) { c.Radios = nil }, "at least one radio"},
		{"duplicate radio", func(c *Config) {
			c.Radios = append(c.Radios, RadioCfg{ID: 0, Channel: 44})
		}, "configured twice"},
		{"bad channel", func(c *Config) { c.Radios[0].Channel = 15 }, "unknown channel 15"},
		{"bad listen", func(c *Config) { c.Listen = "no:port:here" }, "listen"},
		{"bad broadcast", func(c *Config) { c.Broadcast = "no:port:here" }, "broadcast"},
		{"peer is self", func(c *Config) {
			c.Peers = []PeerCfg{{Node: 7, Addr: "10.0.0.2:9157"}}
		}, "bad node id"},
		{"peer bad addr", func(c *Config) {
			c.Peers = []PeerCfg{{Node: 9, Addr: "::bad::"}}
		}, "peer 9"},
		{"zero probe interval", func(c *Config) { c.Discovery.ProbeInterval = 0 }, "probe_interval"},
		{"window shorter than probe", func(c *Config) {
			c.Discovery.WindowSpan = Duration(100 * time.Millisecond)
		}, "window_span"},
		{"zero missed limit", func(c *Config) { c.Discovery.MissedProbeLimit = 0 }, "missed_probe_limit"},
		{"zero staleness", func(c *Config) { c.Graph.StalenessWindow = 0 }, "staleness_window"},
		{"quality above one", func(c *Config) { c.Graph.MinQuality = 1.5 }, "min_quality"},
		{"unknown model", func(c *Config) { c.Conflict.Model = "three_hop" }, "unknown interference model"},
		{"zero refresh", func(c *Config) { c.Conflict.RefreshInterval = 0 }, "refresh_interval"},
		{"zero retries", func(c *Config) { c.Transport.MaxRetries = 0 }, "max_retries"},
		{"inverted backoff", func(c *Config) {
			c.Transport.MaxBackoff = Duration(10 * time.Millisecond)
		}, "backoff"},
		{"zero reorder window", func(c *Config) { c.Transport.ReorderWindow = 0 }, "reorder_window"},
		{"zero gap flush", func(c *Config) { c.Transport.GapFlush = 0 }, "gap_flush"},
		{"zero round timeout", func(c *Config) { c.Coord.RoundTimeout = 0 }, "round_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected a validation error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected error to wrap ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error mentioning %q, got %q", tc.want, err)
			}
		})
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected the base config to validate, got %v", err)
	}
}

func TestHintsFile(t *testing.T) {
	hints := writeFile(t, "topo.dot", `Graph G {
	"1" -- "2" [label = "40"]
	"2" -- "3" [label = "44"]
}
`)
	cfg := validConfig()
	cfg.Graph.HintsFile = hints
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with hints: %v", err)
	}
	got, err := cfg.Hints()
	if err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 hints, got %d", len(got))
	}
	if got[0].A != 1 || got[0].B != 2 || got[0].Channel != 40 {
		t.Errorf("Expected hint 1--2 on channel 40, got %+v", got[0])
	}
}

func TestHintsRejectUnknownChannel(t *testing.T) {
	hints := writeFile(t, "topo.dot", `Graph G {
	"1" -- "2" [label = "15"]
}
`)
	cfg := validConfig()
	cfg.Graph.HintsFile = hints
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected a validation error for channel 15")
	}
	if !strings.Contains(err.Error(), "unknown channel 15") {
		t.Errorf("Expected unknown channel error, got %v", err)
	}
}
