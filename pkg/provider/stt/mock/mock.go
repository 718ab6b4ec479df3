// Package mock provides a test double for stt.Provider.
//
// Script the provider with Results and Errors; each Transcribe call consumes
// the entry at its call index. Use Gate to hold calls until the test releases
// them, which is how dispatcher tests exercise shutdown and cancellation.
//
// Example:
//
//	p := &mock.Provider{
//	    Errors:  []error{errors.New("timeout"), nil},
//	    Results: []stt.Result{{}, {Text: "네 알겠습니다", Confidence: 0.9}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/aicc/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results holds the result for each call index. Calls beyond the slice
	// reuse the last entry; an empty slice yields a zero Result.
	Results []stt.Result

	// Errors holds the error for each call index. Calls beyond the slice
	// reuse Err.
	Errors []error

	// Err is returned by calls not covered by Errors.
	Err error

	// Gate, when non-nil, blocks every call until a value is received from it
	// or ctx is done.
	Gate chan struct{}

	// Calls records every request in call order.
	Calls []stt.Request
}

// Transcribe records req and returns the scripted outcome.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	idx := len(p.Calls)
	req.Audio = slices.Clone(req.Audio)
	p.Calls = append(p.Calls, req)
	gate := p.Gate
	var err error
	if idx < len(p.Errors) {
		err = p.Errors[idx]
	} else {
		err = p.Err
	}
	var res stt.Result
	switch {
	case idx < len(p.Results):
		res = p.Results[idx]
	case len(p.Results) > 0:
		res = p.Results[len(p.Results)-1]
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
