package netgraph

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// DOT renders the snapshot as an undirected graphviz graph, one edge per
// canonical link labelled with its channel. The dialect matches what ReadDOT
// parses, so dumps can be fed back in as topology hints.
func (s *Snapshot) DOT(label string) string {
	var b strings.Builder
	b.WriteString("Graph G {\n")
	if label != "" {
		fmt.Fprintf(&b, "\tgraph [label = \"%s\", labelloc=t]\n", label)
	}
	for _, key := range s.CanonicalLinks() {
		fmt.Fprintf(&b, "\t\"%d\" -- \"%d\" [label = \"%d\"]\n",
			key.From.Node, key.To.Node, s.LinkChannel(key))
	}
	b.WriteString("}\n")
	return b.String()
}

// AdjacencyMatrix renders the node-level adjacency as a formatted table,
// cells holding the channel of the connecting link.
func (s *Snapshot) AdjacencyMatrix() string {
	ids := make([]mesh.NodeID, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cell := make(map[[2]mesh.NodeID]string)
	for _, key := range s.CanonicalLinks() {
		pair := [2]mesh.NodeID{key.From.Node, key.To.Node}
		rev := [2]mesh.NodeID{key.To.Node, key.From.Node}
		if _, ok := cell[pair]; !ok {
			text := strconv.Itoa(int(s.LinkChannel(key)))
			cell[pair] = text
			cell[rev] = text
		}
	}

	maxlen := 4
	for _, id := range ids {
		if n := len(strconv.FormatUint(uint64(id), 10)); n > maxlen {
			maxlen = n
		}
	}

	var b strings.Builder
	b.WriteString(pad("", maxlen) + " |")
	for i, id := range ids {
		b.WriteString(" " + pad(strconv.FormatUint(uint64(id), 10), maxlen))
		if i < len(ids)-1 {
			b.WriteString(" |")
		}
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", maxlen) + "-+")
	for i := range ids {
		b.WriteString(strings.Repeat("-", maxlen+2))
		if i < len(ids)-1 {
			b.WriteString("+")
		}
	}
	b.WriteString("\n")
	for _, v1 := range ids {
		name := strconv.FormatUint(uint64(v1), 10)
		b.WriteString(name + strings.Repeat(" ", maxlen-len(name)) + " |")
		for i, v2 := range ids {
			b.WriteString(" " + pad(cell[[2]mesh.NodeID{v1, v2}], maxlen))
			if i < len(ids)-1 {
				b.WriteString(" |")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TopologyHint seeds the graph with an expected link before any measurement
// has confirmed it. Hints name nodes; the link is assumed on radio 0.
type TopologyHint struct {
	A, B    mesh.NodeID
	Channel mesh.ChannelID
}

// Matches lines like:  "12" -- "35" [label = "40"]
var dotEdgeRe = regexp.MustCompile(`^\s*"([^"]+)" -- "([^"]+)" \[label = "([^"]+)"\]`)

// ReadDOT parses topology hints from a graphviz file in the dialect DOT
// emits. Lines that are not edges are skipped; an edge line with a
// non-numeric node id or channel is a configuration error.
func ReadDOT(r io.Reader) ([]TopologyHint, error) {
	var hints []TopologyHint
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		m := dotEdgeRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		a, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("topology hints line %d: bad node id %q: %w", lineNo, m[1], err)
		}
		b, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("topology hints line %d: bad node id %q: %w", lineNo, m[2], err)
		}
		ch, err := strconv.ParseUint(m[3], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("topology hints line %d: bad channel %q: %w", lineNo, m[3], err)
		}
		hints = append(hints, TopologyHint{
			A:       mesh.NodeID(a),
			B:       mesh.NodeID(b),
			Channel: mesh.ChannelID(ch),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading topology hints: %w", err)
	}
	return hints, nil
}

// ApplyHints seeds the graph from static topology hints: both radios are
// assumed tuned to the hinted channel and the link starts with a perfect
// metric. Real measurements will overwrite or age these out.
func (g *Graph) ApplyHints(hints []TopologyHint, at time.Time) {
	for _, h := range hints {
		ra := mesh.RadioRef{Node: h.A, Radio: 0}
		rb := mesh.RadioRef{Node: h.B, Radio: 0}
		g.SetRadioChannel(ra, h.Channel, at)
		g.SetRadioChannel(rb, h.Channel, at)
		g.ApplyLink(LinkUpdate{
			Key: mesh.LinkKey{From: ra, To: rb}, ETX: 1, Forward: 1, Reverse: 1, At: at,
		})
		g.ApplyLink(LinkUpdate{
			Key: mesh.LinkKey{From: rb, To: ra}, ETX: 1, Forward: 1, Reverse: 1, At: at,
		})
	}
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
