// Package metrics exposes the Prometheus instrumentation for a channel
// assignment agent. All collectors live on a private registry so that
// several agents can coexist in one process (the simulator runs dozens).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the agent records into.
type Registry struct {
	registry *prometheus.Registry

	// Transport.
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Duplicates       prometheus.Counter
	Retransmits      prometheus.Counter
	Unreachable      prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	TransientErrors  prometheus.Counter

	// Discovery.
	ProbesSent    prometheus.Counter
	NeighborsLost prometheus.Counter
	LinksStale    prometheus.Gauge

	// Network graph.
	GraphNodes prometheus.Gauge
	GraphLinks prometheus.Gauge

	// Conflict graph.
	ConflictVertices prometheus.Gauge
	ConflictEdges    prometheus.Gauge
	Recomputes       *prometheus.CounterVec

	// Coordination rounds.
	RoundsTotal   *prometheus.CounterVec
	RoundDuration prometheus.Histogram
	VotesReceived *prometheus.CounterVec

	// Assignments.
	AssignmentsApplied prometheus.Counter
}

// NewRegistry creates a Registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_transport_messages_sent_total",
			Help: "Frames handed to the medium, by message type.",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_transport_messages_received_total",
			Help: "Frames delivered to handlers, by message type.",
		}, []string{"type"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_transport_duplicates_total",
			Help: "Frames discarded as duplicates of already delivered sequence numbers.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_transport_retransmits_total",
			Help: "Acknowledged-delivery frames sent again after an ack timeout.",
		}),
		Unreachable: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_transport_unreachable_total",
			Help: "Reliable sends abandoned after the retransmit budget was spent.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_transport_protocol_errors_total",
			Help: "Frames dropped as unusable, by reason.",
		}, []string{"reason"}),
		TransientErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_transport_transient_errors_total",
			Help: "Medium send errors that were absorbed and retried.",
		}),

		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_discovery_probes_sent_total",
			Help: "Broadcast probe frames sent across all radios.",
		}),
		NeighborsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_discovery_neighbors_lost_total",
			Help: "Neighbor links deleted after consecutive missed probes.",
		}),
		LinksStale: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deschan_discovery_links_stale",
			Help: "Neighbor links currently excluded from snapshots as stale.",
		}),

		GraphNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deschan_graph_nodes",
			Help: "Nodes currently present in the network graph.",
		}),
		GraphLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deschan_graph_links",
			Help: "Directed links currently present in the network graph.",
		}),

		ConflictVertices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deschan_conflict_vertices",
			Help: "Vertices in the interference conflict graph.",
		}),
		ConflictEdges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deschan_conflict_edges",
			Help: "Edges in the interference conflict graph.",
		}),
		Recomputes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_conflict_recomputes_total",
			Help: "Conflict graph recomputations, by mode (full or incremental).",
		}, []string{"mode"}),

		RoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_coord_rounds_total",
			Help: "Completed negotiation rounds, by result.",
		}, []string{"result"}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deschan_coord_round_duration_seconds",
			Help:    "Wall time from proposal broadcast to round completion.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		VotesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deschan_coord_votes_received_total",
			Help: "Proposal votes received, by verdict.",
		}, []string{"verdict"}),

		AssignmentsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "deschan_assignments_applied_total",
			Help: "Channel assignments applied to local radios.",
		}),
	}

	return r
}

// Handler returns an http.Handler serving the registry in the Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
