package sim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/mesh"
)

// fastScenario shrinks a default scenario so a run finishes in about a
// second of wall time.
func fastScenario(nodes int) *Scenario {
	sc := DefaultScenario()
	sc.Nodes = nodes
	sc.Duration = config.Duration(time.Second)
	sc.Timing = TimingCfg{
		ProbeInterval:   config.Duration(50 * time.Millisecond),
		WindowSpan:      config.Duration(500 * time.Millisecond),
		GossipInterval:  config.Duration(150 * time.Millisecond),
		StalenessWindow: config.Duration(2 * time.Second),
		RefreshInterval: config.Duration(150 * time.Millisecond),
		RoundTimeout:    config.Duration(500 * time.Millisecond),
		JoinStagger:     config.Duration(10 * time.Millisecond),
	}
	return sc
}

func TestRunnerGridConverges(t *testing.T) {
	sc := fastScenario(3)
	r, err := NewRunner(sc)
	require.NoError(t, err)

	summary, err := r.Run()
	require.NoError(t, err)

	require.Equal(t, "grid", summary.Scenario)
	require.Len(t, summary.PerNode, 3)
	for _, ns := range summary.PerNode {
		require.GreaterOrEqual(t, ns.Neighbors, 1, "node %d found no neighbors", ns.Node)
		require.GreaterOrEqual(t, ns.Links, 1, "node %d measured no links", ns.Node)
		require.Equal(t, mesh.ChannelID(40), ns.Channel, "node %d channel", ns.Node)
		require.GreaterOrEqual(t, ns.ConflictVertices, 1, "node %d conflict graph empty", ns.Node)
	}
	require.Greater(t, summary.Counters.NeighborsUp, uint64(0))
	require.Greater(t, summary.Counters.GraphChanges, uint64(0))
	require.Zero(t, summary.Counters.AssignmentsApplied)

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, summary.Flush(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Summary
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, summary.Scenario, back.Scenario)
	require.Equal(t, summary.Duration, back.Duration)
	require.Len(t, back.PerNode, 3)
}

func TestRunnerStrategyRetunes(t *testing.T) {
	sc := fastScenario(3)
	sc.Name = "crowded-channel"
	sc.Channels = []mesh.ChannelID{40, 44}
	sc.StartChannel = 40
	sc.Strategy = StrategyLeastUsed
	sc.Duration = config.Duration(2 * time.Second)

	r, err := NewRunner(sc)
	require.NoError(t, err)

	summary, err := r.Run()
	require.NoError(t, err)

	require.Equal(t, StrategyLeastUsed, summary.Strategy)
	require.GreaterOrEqual(t, summary.Counters.RoundsCompleted, uint64(1))
	require.GreaterOrEqual(t, summary.Counters.AssignmentsApplied, uint64(1))

	moved := 0
	for _, ns := range summary.PerNode {
		if ns.Channel == 44 {
			moved++
		}
	}
	require.GreaterOrEqual(t, moved, 1, "no node ever left the crowded channel")
}

func TestRunnerRejectsBrokenScenario(t *testing.T) {
	sc := fastScenario(1)
	_, err := NewRunner(sc)
	require.ErrorIs(t, err, config.ErrInvalid)
}
