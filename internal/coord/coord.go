// Package coord runs the negotiation primitive assignment strategies use to
// agree on channel switches: a proposal goes to a set of neighbors, each votes
// within a bounded round, and the caller gets one terminal outcome per target.
// The core makes no agreement decision itself; majority or unanimity rules
// belong to the strategy.
package coord

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/transport"
	"github.com/des-testbed/des-chan/internal/wire"
)

// DefaultRoundTimeout bounds how long a proposer waits for votes.
const DefaultRoundTimeout = 3 * time.Second

// Outcome is the per-target result of a negotiation round.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeAck
	OutcomeNack
	// OutcomeNonResponsive means no vote arrived within the round. The
	// target is not necessarily unreachable; the strategy decides whether
	// to proceed without it.
	OutcomeNonResponsive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeNonResponsive:
		return "non_responsive"
	default:
		return "pending"
	}
}

// Proposal is one requested channel switch.
type Proposal struct {
	Radio   mesh.RadioID
	Channel mesh.ChannelID
}

// Result summarizes a completed round.
type Result struct {
	ProposalID uuid.UUID
	Proposal   Proposal
	Outcomes   map[mesh.NodeID]Outcome
	Duration   time.Duration
}

// AllAcked reports whether every target voted ack.
func (r Result) AllAcked() bool {
	for _, o := range r.Outcomes {
		if o != OutcomeAck {
			return false
		}
	}
	return true
}

type round struct {
	id       uuid.UUID
	proposal Proposal
	outcomes map[mesh.NodeID]Outcome
	voted    int
	started  time.Time
	deadline sched.TimerID
	done     func(Result)
}

// ProposalHandler evaluates an inbound proposal and returns whether this node
// accepts it. It runs on the agent loop and must not block.
type ProposalHandler func(from mesh.NodeID, p Proposal) bool

// NotifyHandler consumes a post-decision assignment notification.
type NotifyHandler func(from mesh.NodeID, radio mesh.RadioID, ch mesh.ChannelID)

// Coordinator implements the proposal protocol for one agent. Loop-owned.
type Coordinator struct {
	self    mesh.NodeID
	loop    *sched.Loop
	ep      *transport.Endpoint
	bus     *eventbus.EventBus
	reg     *metrics.Registry
	timeout time.Duration

	onProposal ProposalHandler
	onNotify   NotifyHandler
	rounds     map[uuid.UUID]*round
}

func NewCoordinator(self mesh.NodeID, loop *sched.Loop, ep *transport.Endpoint, bus *eventbus.EventBus, reg *metrics.Registry, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	c := &Coordinator{
		self:    self,
		loop:    loop,
		ep:      ep,
		bus:     bus,
		reg:     reg,
		timeout: timeout,
		rounds:  make(map[uuid.UUID]*round),
	}
	ep.RegisterHandler(wire.MSG_PROPOSAL, c.onProposalFrame)
	ep.RegisterHandler(wire.MSG_PROPOSAL_VOTE, c.onVoteFrame)
	ep.RegisterHandler(wire.MSG_NOTIFY, c.onNotifyFrame)
	return c
}

// SetProposalHandler installs the strategy's vote function. Without one every
// inbound proposal is nacked.
func (c *Coordinator) SetProposalHandler(h ProposalHandler) { c.onProposal = h }

// SetNotifyHandler installs the consumer of assignment notifications.
func (c *Coordinator) SetNotifyHandler(h NotifyHandler) { c.onNotify = h }

// ActiveRounds reports how many proposals are awaiting completion.
func (c *Coordinator) ActiveRounds() int { return len(c.rounds) }

// Propose starts a negotiation round. done is invoked on the loop exactly
// once: early if every target votes, otherwise at the round timeout with
// missing votes marked NonResponsive.
func (c *Coordinator) Propose(targets []mesh.NodeID, p Proposal, done func(Result)) uuid.UUID {
	id := uuid.New()
	r := &round{
		id:       id,
		proposal: p,
		outcomes: make(map[mesh.NodeID]Outcome),
		started:  c.loop.Now(),
		done:     done,
	}
	for _, t := range targets {
		r.outcomes[t] = OutcomePending
	}
	if len(r.outcomes) == 0 {
		c.finish(r, "empty")
		return id
	}
	c.rounds[id] = r

	pid := [16]byte(id)
	for target := range r.outcomes {
		frame, err := wire.CreateProposalFrame(target, c.self, c.ep.NextSeq(), c.ep.NowMicro(), wire.REQ_ACK, pid, p.Radio, p.Channel)
		if err != nil {
			log.Printf("[coord] node %d: building proposal for %d failed: %v", c.self, target, err)
			continue
		}
		err = c.ep.SendReliable(target, frame, func(o transport.Outcome) {
			if o != transport.OutcomeUnreachable {
				return
			}
			// The target may still vote later; pre-mark it so the
			// deadline does not have to guess, but keep the round
			// open until then.
			if cur, ok := c.rounds[id]; ok && cur.outcomes[target] == OutcomePending {
				cur.outcomes[target] = OutcomeNonResponsive
			}
		})
		if err != nil {
			log.Printf("[coord] node %d: sending proposal to %d failed: %v", c.self, target, err)
		}
	}
	r.deadline = c.loop.After(c.timeout, func() {
		c.finish(r, "timeout")
	})
	return id
}

// NotifyAssignment broadcasts a decided channel switch so neighbors can update
// their graphs without waiting for gossip. Best effort.
func (c *Coordinator) NotifyAssignment(radio mesh.RadioID, ch mesh.ChannelID) {
	frame, err := wire.CreateNotifyFrame(c.self, c.ep.NextSeq(), c.ep.NowMicro(), radio, ch)
	if err != nil {
		log.Printf("[coord] node %d: building notify failed: %v", c.self, err)
		return
	}
	if err := c.ep.Broadcast(frame); err != nil {
		log.Printf("[coord] node %d: notify broadcast failed: %v", c.self, err)
	}
}

func (c *Coordinator) onProposalFrame(bh wire.BaseHeader, frame []byte) {
	_, ph, err := wire.DeserialiseProposalFrame(frame)
	if err != nil {
		c.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[coord] node %d: bad proposal from %d: %v", c.self, bh.SrcNodeID, err)
		return
	}
	accept := false
	if c.onProposal != nil {
		accept = c.onProposal(bh.SrcNodeID, Proposal{Radio: ph.Radio, Channel: ph.Channel})
	}
	vote := wire.VOTE_NACK
	if accept {
		vote = wire.VOTE_ACK
	}
	reply, err := wire.CreateVoteFrame(bh.SrcNodeID, c.self, c.ep.NextSeq(), c.ep.NowMicro(), wire.REQ_ACK, ph.ProposalID, vote)
	if err != nil {
		log.Printf("[coord] node %d: building vote failed: %v", c.self, err)
		return
	}
	if err := c.ep.SendReliable(bh.SrcNodeID, reply, nil); err != nil {
		log.Printf("[coord] node %d: sending vote to %d failed: %v", c.self, bh.SrcNodeID, err)
	}
}

func (c *Coordinator) onVoteFrame(bh wire.BaseHeader, frame []byte) {
	_, vh, err := wire.DeserialiseVoteFrame(frame)
	if err != nil {
		c.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[coord] node %d: bad vote from %d: %v", c.self, bh.SrcNodeID, err)
		return
	}
	id := uuid.UUID(vh.ProposalID)
	r, ok := c.rounds[id]
	if !ok {
		// The round is over; its timeout already decided this target.
		c.reg.VotesReceived.WithLabelValues("late").Inc()
		log.Printf("[coord] node %d: discarding late vote from %d for round %s", c.self, bh.SrcNodeID, id)
		return
	}
	prev, ok := r.outcomes[bh.SrcNodeID]
	if !ok {
		c.reg.ProtocolErrors.WithLabelValues("stray_vote").Inc()
		return
	}
	if prev == OutcomeAck || prev == OutcomeNack {
		return // transport dedup already filters retries; this is a re-vote
	}
	if vh.Vote == wire.VOTE_ACK {
		r.outcomes[bh.SrcNodeID] = OutcomeAck
		c.reg.VotesReceived.WithLabelValues("ack").Inc()
	} else {
		r.outcomes[bh.SrcNodeID] = OutcomeNack
		c.reg.VotesReceived.WithLabelValues("nack").Inc()
	}
	r.voted++
	if r.voted == len(r.outcomes) {
		c.loop.Cancel(r.deadline)
		c.finish(r, "all votes in")
	}
}

func (c *Coordinator) onNotifyFrame(bh wire.BaseHeader, frame []byte) {
	_, nh, err := wire.DeserialiseNotifyFrame(frame)
	if err != nil {
		c.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[coord] node %d: bad notify from %d: %v", c.self, bh.SrcNodeID, err)
		return
	}
	if c.onNotify != nil {
		c.onNotify(bh.SrcNodeID, nh.Radio, nh.Channel)
	}
}

func (c *Coordinator) finish(r *round, why string) {
	delete(c.rounds, r.id)
	result := "accepted"
	for t, o := range r.outcomes {
		if o == OutcomePending {
			r.outcomes[t] = OutcomeNonResponsive
			o = OutcomeNonResponsive
		}
		switch o {
		case OutcomeNonResponsive:
			result = "timeout"
		case OutcomeNack:
			if result == "accepted" {
				result = "rejected"
			}
		}
	}
	duration := c.loop.Now().Sub(r.started)
	c.reg.RoundsTotal.WithLabelValues(result).Inc()
	c.reg.RoundDuration.Observe(duration.Seconds())
	log.Printf("[coord] node %d: round %s finished (%s): %s", c.self, r.id, why, result)
	c.bus.Publish(eventbus.Event{
		Type:      eventbus.EventRoundCompleted,
		NodeID:    c.self,
		Reason:    result,
		Timestamp: c.loop.Now(),
	})
	if r.done != nil {
		r.done(Result{
			ProposalID: r.id,
			Proposal:   r.proposal,
			Outcomes:   r.outcomes,
			Duration:   duration,
		})
	}
}
