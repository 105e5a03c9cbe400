// Package telemetry publishes graph and assignment history to an MQTT broker
// as msgpack records. The sink is fire and forget: a dead broker costs a
// counter tick, never a blocked agent.
package telemetry

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
)

type assignmentMsg struct {
	Node    uint32 `msgpack:"node"`
	Radio   uint8  `msgpack:"radio"`
	Channel uint16 `msgpack:"channel"`
	AtMicro int64  `msgpack:"at_us"`
}

type linkMsg struct {
	FromNode  uint32  `msgpack:"from_node"`
	FromRadio uint8   `msgpack:"from_radio"`
	ToNode    uint32  `msgpack:"to_node"`
	ToRadio   uint8   `msgpack:"to_radio"`
	Etx       float64 `msgpack:"etx"`
	AtMicro   int64   `msgpack:"at_us"`
}

type linkBatchMsg struct {
	Node    uint32    `msgpack:"node"`
	AtMicro int64     `msgpack:"at_us"`
	Links   []linkMsg `msgpack:"links"`
}

// Sink appends history records by publishing them under
// <prefix>/<node>/assignments and <prefix>/<node>/links.
type Sink struct {
	client mqtt.Client
	prefix string
	reg    *metrics.Registry
}

var _ mesh.HistorySink = (*Sink)(nil)

// NewSink connects to the broker and returns a ready sink. A connection
// failure is returned to the caller; the agent runs without history then.
func NewSink(broker, prefix, clientID string, reg *metrics.Registry) (*Sink, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, token.Error())
	}
	log.Printf("[telemetry] history sink connected to %s", broker)
	return newSinkWithClient(client, prefix, reg), nil
}

func newSinkWithClient(client mqtt.Client, prefix string, reg *metrics.Registry) *Sink {
	if prefix == "" {
		prefix = "des-chan"
	}
	return &Sink{client: client, prefix: prefix, reg: reg}
}

func (s *Sink) AppendAssignment(rec mesh.AssignmentRecord) {
	s.publish(fmt.Sprintf("%s/%d/assignments", s.prefix, rec.Node), assignmentMsg{
		Node:    uint32(rec.Node),
		Radio:   uint8(rec.Radio),
		Channel: uint16(rec.Channel),
		AtMicro: rec.At.UnixMicro(),
	})
}

func (s *Sink) AppendLinks(node mesh.NodeID, at time.Time, links []mesh.LinkRecord) {
	batch := linkBatchMsg{
		Node:    uint32(node),
		AtMicro: at.UnixMicro(),
		Links:   make([]linkMsg, 0, len(links)),
	}
	for _, l := range links {
		batch.Links = append(batch.Links, linkMsg{
			FromNode:  uint32(l.From.Node),
			FromRadio: uint8(l.From.Radio),
			ToNode:    uint32(l.To.Node),
			ToRadio:   uint8(l.To.Radio),
			Etx:       l.ETX,
			AtMicro:   l.At.UnixMicro(),
		})
	}
	s.publish(fmt.Sprintf("%s/%d/links", s.prefix, node), batch)
}

func (s *Sink) publish(topic string, rec interface{}) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		log.Printf("[telemetry] encoding record for %s: %v", topic, err)
		return
	}
	token := s.client.Publish(topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			s.reg.TransientErrors.Inc()
		}
	}()
}

// Close disconnects from the broker after letting in-flight publishes drain.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
