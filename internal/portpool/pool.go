// Package portpool hands out the UDP port pairs that carry the customer and
// agent RTP streams of each call.
//
// Pairs are adjacent (even customer port, odd agent port) because the
// telephony side derives the agent port from the customer port. A single
// mutex guards the free set and both lookup maps so they can never disagree.
package portpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrPoolExhausted is returned by Allocate when no pair is free.
	ErrPoolExhausted = errors.New("portpool: pool exhausted")

	// ErrAlreadyAllocated is returned by Allocate when the call already
	// holds a pair.
	ErrAlreadyAllocated = errors.New("portpool: call already has ports")
)

// Allocation is the pair of ports reserved for one call.
type Allocation struct {
	Customer int `json:"customer_port"`
	Agent    int `json:"agent_port"`
}

// Pool is a thread-safe allocator of adjacent UDP port pairs.
type Pool struct {
	start, end int

	mu         sync.Mutex
	free       []int // even base ports, kept sorted ascending
	byCall     map[string]Allocation
	portToCall map[int]string
}

// New creates a pool over the half-open range [start, end). An odd start is
// rounded up so every pair begins on an even port.
func New(start, end int) (*Pool, error) {
	if start%2 != 0 {
		start++
	}
	if start <= 0 || end > 65536 {
		return nil, fmt.Errorf("portpool: range [%d, %d) outside valid ports", start, end)
	}
	if end-start < 2 {
		return nil, fmt.Errorf("portpool: range [%d, %d) holds no port pair", start, end)
	}
	p := &Pool{
		start:      start,
		end:        end,
		byCall:     make(map[string]Allocation),
		portToCall: make(map[int]string),
	}
	for port := start; port+1 < end; port += 2 {
		p.free = append(p.free, port)
	}
	return p, nil
}

// Allocate reserves the lowest free pair for callID. On error the pool is
// left unchanged.
func (p *Pool) Allocate(callID string) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byCall[callID]; ok {
		return Allocation{}, fmt.Errorf("%w: %s", ErrAlreadyAllocated, callID)
	}
	if len(p.free) == 0 {
		return Allocation{}, ErrPoolExhausted
	}
	base := p.free[0]
	p.free = p.free[1:]

	a := Allocation{Customer: base, Agent: base + 1}
	p.byCall[callID] = a
	p.portToCall[a.Customer] = callID
	p.portToCall[a.Agent] = callID
	return a, nil
}

// Release returns the pair held by callID to the pool. Unknown ids and
// repeated calls are no-ops.
func (p *Pool) Release(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byCall[callID]
	if !ok {
		return
	}
	delete(p.byCall, callID)
	delete(p.portToCall, a.Customer)
	delete(p.portToCall, a.Agent)

	i := sort.SearchInts(p.free, a.Customer)
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = a.Customer
}

// LookupCall returns the call that owns port.
func (p *Pool) LookupCall(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.portToCall[port]
	return id, ok
}

// Lookup returns the pair held by callID.
func (p *Pool) Lookup(callID string) (Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byCall[callID]
	return a, ok
}

// Available returns the number of free pairs.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated returns the number of pairs in use.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byCall)
}

// Capacity returns the total number of pairs in the range.
func (p *Pool) Capacity() int {
	return (p.end - p.start) / 2
}
