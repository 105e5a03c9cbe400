package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// DOT renders the conflict graph as an undirected graphviz graph: one node
// per link vertex labelled with its channel, one edge per conflict labelled
// with its weight. Output is sorted so equal graphs render identically.
func (g *Graph) DOT(label string) string {
	var b strings.Builder
	b.WriteString("Graph C {\n")
	if label != "" {
		fmt.Fprintf(&b, "\tgraph [label = \"%s\", labelloc=t]\n", label)
	}

	verts := make([]Vertex, 0, len(g.Vertices))
	for _, v := range g.Vertices {
		verts = append(verts, v)
	}
	sort.Slice(verts, func(i, j int) bool { return linkLess(verts[i].Link, verts[j].Link) })
	for _, v := range verts {
		fmt.Fprintf(&b, "\t\"%s\" [label = \"%s ch%d\"]\n", v.Link, v.Link, v.Channel)
	}

	edges := make([]EdgeKey, 0, len(g.Edges))
	for key := range g.Edges {
		edges = append(edges, key)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return linkLess(edges[i].A, edges[j].A)
		}
		return linkLess(edges[i].B, edges[j].B)
	})
	for _, key := range edges {
		fmt.Fprintf(&b, "\t\"%s\" -- \"%s\" [label = \"%.2f\"]\n", key.A, key.B, g.Edges[key])
	}
	b.WriteString("}\n")
	return b.String()
}

// Matrix renders the conflict graph as a formatted table, cells holding the
// conflict weight between the row and column links.
func (g *Graph) Matrix() string {
	verts := make([]mesh.LinkKey, 0, len(g.Vertices))
	for key := range g.Vertices {
		verts = append(verts, key)
	}
	sort.Slice(verts, func(i, j int) bool { return linkLess(verts[i], verts[j]) })

	width := 4
	for _, v := range verts {
		if n := len(v.String()); n > width {
			width = n
		}
	}

	var b strings.Builder
	b.WriteString(pad("", width) + " |")
	for i, v := range verts {
		b.WriteString(" " + pad(v.String(), width))
		if i < len(verts)-1 {
			b.WriteString(" |")
		}
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", width) + "-+")
	for i := range verts {
		b.WriteString(strings.Repeat("-", width+2))
		if i < len(verts)-1 {
			b.WriteString("+")
		}
	}
	b.WriteString("\n")
	for _, row := range verts {
		name := row.String()
		b.WriteString(name + strings.Repeat(" ", width-len(name)) + " |")
		for i, col := range verts {
			cell := ""
			if row != col {
				if w, ok := g.Edges[NewEdgeKey(row, col)]; ok {
					cell = fmt.Sprintf("%.2f", w)
				}
			}
			b.WriteString(" " + pad(cell, width))
			if i < len(verts)-1 {
				b.WriteString(" |")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
