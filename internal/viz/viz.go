// Package viz is the observation server: a websocket stream of agent events
// plus DOT and JSON dumps of the network and conflict graphs, for browsers
// and scripts watching a running agent.
package viz

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/des-testbed/des-chan/internal/conflict"
	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// Allow any origin; the server is reachable only inside the testbed network.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GraphSource supplies current graph views. Implementations must be safe to
// call from the HTTP goroutines.
type GraphSource interface {
	NetworkSnapshot() *netgraph.Snapshot
	ConflictGraph() *conflict.Graph
}

type Server struct {
	bus    *eventbus.EventBus
	source GraphSource
	mux    *http.ServeMux
	srv    *http.Server
}

func NewServer(listen string, bus *eventbus.EventBus, source GraphSource) *Server {
	s := &Server{bus: bus, source: source, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.wsHandler)
	s.mux.HandleFunc("/graph", s.graphJSON)
	s.mux.HandleFunc("/graph/dot", s.graphDOT)
	s.mux.HandleFunc("/graph/adjacency", s.graphMatrix)
	s.mux.HandleFunc("/conflicts", s.conflictJSON)
	s.mux.HandleFunc("/conflicts/dot", s.conflictDOT)
	s.mux.HandleFunc("/conflicts/adjacency", s.conflictMatrix)
	s.srv = &http.Server{Addr: listen, Handler: s.mux}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves in the background until Close.
func (s *Server) Start() {
	go func() {
		log.Printf("[viz] observation server on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[viz] server: %v", err)
		}
	}()
}

func (s *Server) Close() error { return s.srv.Close() }

// wsHandler upgrades the connection and pushes agent events until the client
// goes away.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[viz] upgrade: %v", err)
		return
	}
	defer conn.Close()

	events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(events)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

type nodeDump struct {
	ID       mesh.NodeID                     `json:"id"`
	Radios   map[mesh.RadioID]mesh.ChannelID `json:"radios"`
	LastSeen time.Time                       `json:"last_seen"`
}

type linkDump struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	ETX     float64 `json:"etx"`
	Forward float64 `json:"forward"`
	Reverse float64 `json:"reverse"`
	AgeMs   int64   `json:"age_ms"`
}

type graphDump struct {
	At    time.Time   `json:"at"`
	Self  mesh.NodeID `json:"self"`
	Nodes []nodeDump  `json:"nodes"`
	Links []linkDump  `json:"links"`
}

func networkDump(s *netgraph.Snapshot) graphDump {
	dump := graphDump{At: s.At, Self: s.Self}
	for _, n := range s.Nodes {
		dump.Nodes = append(dump.Nodes, nodeDump{ID: n.ID, Radios: n.Radios, LastSeen: n.LastSeen})
	}
	sort.Slice(dump.Nodes, func(i, j int) bool { return dump.Nodes[i].ID < dump.Nodes[j].ID })
	for _, l := range s.Links {
		dump.Links = append(dump.Links, linkDump{
			From:    l.Key.From.String(),
			To:      l.Key.To.String(),
			ETX:     l.ETX,
			Forward: l.Forward,
			Reverse: l.Reverse,
			AgeMs:   l.Age(s.At).Milliseconds(),
		})
	}
	sort.Slice(dump.Links, func(i, j int) bool {
		if dump.Links[i].From != dump.Links[j].From {
			return dump.Links[i].From < dump.Links[j].From
		}
		return dump.Links[i].To < dump.Links[j].To
	})
	return dump
}

type conflictVertexDump struct {
	Link    string         `json:"link"`
	Channel mesh.ChannelID `json:"channel"`
}

type conflictEdgeDump struct {
	A      string  `json:"a"`
	B      string  `json:"b"`
	Weight float64 `json:"weight"`
}

type conflictGraphDump struct {
	Vertices []conflictVertexDump `json:"vertices"`
	Edges    []conflictEdgeDump   `json:"edges"`
}

func conflictDump(g *conflict.Graph) conflictGraphDump {
	var dump conflictGraphDump
	for _, v := range g.Vertices {
		dump.Vertices = append(dump.Vertices, conflictVertexDump{Link: v.Link.String(), Channel: v.Channel})
	}
	sort.Slice(dump.Vertices, func(i, j int) bool { return dump.Vertices[i].Link < dump.Vertices[j].Link })
	for key, w := range g.Edges {
		dump.Edges = append(dump.Edges, conflictEdgeDump{A: key.A.String(), B: key.B.String(), Weight: w})
	}
	sort.Slice(dump.Edges, func(i, j int) bool {
		if dump.Edges[i].A != dump.Edges[j].A {
			return dump.Edges[i].A < dump.Edges[j].A
		}
		return dump.Edges[i].B < dump.Edges[j].B
	})
	return dump
}

func (s *Server) graphJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.source.NetworkSnapshot()
	if snap == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, networkDump(snap))
}

func (s *Server) graphDOT(w http.ResponseWriter, r *http.Request) {
	snap := s.source.NetworkSnapshot()
	if snap == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, snap.DOT(fmt.Sprintf("node %d at %s", snap.Self, snap.At.Format(time.RFC3339))))
}

func (s *Server) graphMatrix(w http.ResponseWriter, r *http.Request) {
	snap := s.source.NetworkSnapshot()
	if snap == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, snap.AdjacencyMatrix())
}

func (s *Server) conflictJSON(w http.ResponseWriter, r *http.Request) {
	cg := s.source.ConflictGraph()
	if cg == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, conflictDump(cg))
}

func (s *Server) conflictDOT(w http.ResponseWriter, r *http.Request) {
	cg := s.source.ConflictGraph()
	if cg == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, cg.DOT("conflicts"))
}

func (s *Server) conflictMatrix(w http.ResponseWriter, r *http.Request) {
	cg := s.source.ConflictGraph()
	if cg == nil {
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, cg.Matrix())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[viz] encoding response: %v", err)
	}
}
