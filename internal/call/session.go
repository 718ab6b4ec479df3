// Package call owns the lifecycle of active calls: port allocation, the two
// ingress receivers and speaker pipelines of each call, and the metadata
// events that bracket it.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/aicc/internal/ingress"
	"github.com/MrWong99/aicc/internal/pipeline"
	"github.com/MrWong99/aicc/internal/portpool"
	"github.com/MrWong99/aicc/pkg/types"
)

// Info is what the telephony side tells us when it registers a call.
type Info struct {
	CallID         string `json:"call_id"`
	CustomerNumber string `json:"customer_number,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// Processor consumes the decoded frames of one call leg.
// *pipeline.Speaker implements it.
type Processor interface {
	ingress.FrameHandler
	Stats() pipeline.SpeakerStats
	Close(ctx context.Context) error
}

// leg is one direction of a call.
type leg struct {
	proc Processor
	rx   *ingress.Receiver
}

// Session is one registered call. Its metadata can change while it runs;
// everything else is fixed at registration.
type Session struct {
	CallID    string
	Ports     portpool.Allocation
	StartedAt time.Time

	customer leg
	agent    leg
	cancel   context.CancelFunc

	mu             sync.Mutex
	customerNumber string
	agentID        string
	cleaned        bool
	startSent      bool
}

// Metadata returns the customer number and agent id.
func (s *Session) Metadata() (customerNumber, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerNumber, s.agentID
}

func (s *Session) setMetadata(customerNumber, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if customerNumber != "" {
		s.customerNumber = customerNumber
	}
	if agentID != "" {
		s.agentID = agentID
	}
}

func (s *Session) leg(sp types.Speaker) leg {
	if sp == types.SpeakerAgent {
		return s.agent
	}
	return s.customer
}

// LegSnapshot is the state of one direction of a call.
type LegSnapshot struct {
	Port    int                   `json:"port"`
	Ingress ingress.Stats         `json:"ingress"`
	Turns   pipeline.SpeakerStats `json:"turns"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	CallID         string      `json:"call_id"`
	CustomerNumber string      `json:"customer_number,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	CustomerPort   int         `json:"customer_port"`
	AgentPort      int         `json:"agent_port"`
	StartedAt      time.Time   `json:"started_at"`
	DurationSec    float64     `json:"duration_sec"`
	Customer       LegSnapshot `json:"customer"`
	Agent          LegSnapshot `json:"agent"`
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	customer, agent := s.Metadata()
	return Snapshot{
		CallID:         s.CallID,
		CustomerNumber: customer,
		AgentID:        agent,
		CustomerPort:   s.Ports.Customer,
		AgentPort:      s.Ports.Agent,
		StartedAt:      s.StartedAt,
		DurationSec:    time.Since(s.StartedAt).Round(time.Millisecond).Seconds(),
		Customer:       s.legSnapshot(types.SpeakerCustomer, s.Ports.Customer),
		Agent:          s.legSnapshot(types.SpeakerAgent, s.Ports.Agent),
	}
}

func (s *Session) legSnapshot(sp types.Speaker, port int) LegSnapshot {
	l := s.leg(sp)
	return LegSnapshot{Port: port, Ingress: l.rx.Stats(), Turns: l.proc.Stats()}
}

// IngressStats returns the receiver counters of one leg.
func (s *Session) IngressStats(sp types.Speaker) ingress.Stats {
	return s.leg(sp).rx.Stats()
}

// Healthy reports whether both receive queues have headroom.
func (s *Session) Healthy() bool {
	return s.customer.rx.Healthy() && s.agent.rx.Healthy()
}

// markStarted reports whether this call is the first to announce the
// session.
func (s *Session) markStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startSent {
		return false
	}
	s.startSent = true
	return true
}

// markCleaned reports whether this call is the first to tear the session
// down.
func (s *Session) markCleaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return false
	}
	s.cleaned = true
	return true
}
