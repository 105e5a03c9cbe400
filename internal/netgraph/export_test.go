package netgraph

import (
	"strings"
	"testing"
	"time"
)

func seededGraph() *Graph {
	g := NewGraph(1, 30*time.Second, nil, nil)
	g.SetRadioChannel(ref(1, 0), 40, baseTime)
	g.SetRadioChannel(ref(2, 0), 40, baseTime)
	g.ApplyLink(LinkUpdate{
		Key: link(ref(1, 0), ref(2, 0)), ETX: 1.5, Forward: 0.9, Reverse: 0.75, At: baseTime,
	})
	return g
}

func TestDOTOutput(t *testing.T) {
	s := seededGraph().Snapshot(baseTime.Add(time.Second))

	dot := s.DOT("")
	if !strings.HasPrefix(dot, "Graph G {\n") || !strings.HasSuffix(dot, "}\n") {
		t.Fatalf("Malformed dot output:\n%s", dot)
	}
	if !strings.Contains(dot, "\t\"1\" -- \"2\" [label = \"40\"]\n") {
		t.Errorf("Edge line missing:\n%s", dot)
	}

	labelled := s.DOT("round 3")
	if !strings.Contains(labelled, "graph [label = \"round 3\", labelloc=t]") {
		t.Errorf("Graph label missing:\n%s", labelled)
	}
}

func TestReadDOTRoundTrip(t *testing.T) {
	s := seededGraph().Snapshot(baseTime.Add(time.Second))

	hints, err := ReadDOT(strings.NewReader(s.DOT("testbed")))
	if err != nil {
		t.Fatalf("ReadDOT failed: %v", err)
	}
	if len(hints) != 1 {
		t.Fatalf("Expected 1 hint, got %d", len(hints))
	}
	h := hints[0]
	if h.A != 1 || h.B != 2 || h.Channel != 40 {
		t.Errorf("Expected hint 1--2 on channel 40, got %+v", h)
	}
}

func TestReadDOTRejectsBadIDs(t *testing.T) {
	in := "Graph G {\n\t\"t9-035\" -- \"2\" [label = \"40\"]\n}\n"
	if _, err := ReadDOT(strings.NewReader(in)); err == nil {
		t.Fatal("Expected an error for a non-numeric node id")
	}

	in = "\t\"1\" -- \"2\" [label = \"ch40\"]\n"
	if _, err := ReadDOT(strings.NewReader(in)); err == nil {
		t.Fatal("Expected an error for a non-numeric channel")
	}
}

func TestApplyHintsSeedsGraph(t *testing.T) {
	g := NewGraph(1, 30*time.Second, nil, nil)
	g.ApplyHints([]TopologyHint{{A: 1, B: 2, Channel: 44}}, baseTime)

	nodes, links := g.Counts()
	if nodes != 2 || links != 2 {
		t.Fatalf("Expected 2 nodes and 2 directed links, got %d and %d", nodes, links)
	}
	snap := g.Snapshot(baseTime.Add(time.Second))
	if ch, ok := snap.RadioChannel(ref(1, 0)); !ok || ch != 44 {
		t.Errorf("Expected radio 1.0 on channel 44, got %d (present=%v)", ch, ok)
	}
	l, ok := snap.Links[link(ref(2, 0), ref(1, 0))]
	if !ok || l.ETX != 1 {
		t.Errorf("Expected optimistic reverse link, got %+v (present=%v)", l, ok)
	}
}

func TestAdjacencyMatrix(t *testing.T) {
	s := seededGraph().Snapshot(baseTime.Add(time.Second))
	m := s.AdjacencyMatrix()

	lines := strings.Split(strings.TrimRight(m, "\n"), "\n")
	// Header, separator, one row per node.
	if len(lines) != 4 {
		t.Fatalf("Expected 4 lines, got %d:\n%s", len(lines), m)
	}
	if !strings.Contains(lines[0], "1") || !strings.Contains(lines[0], "2") {
		t.Errorf("Header missing node ids: %q", lines[0])
	}
	if !strings.Contains(lines[1], "-+-") {
		t.Errorf("Separator malformed: %q", lines[1])
	}
	if !strings.Contains(m, "40") {
		t.Errorf("Channel value missing from matrix:\n%s", m)
	}
}
