// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the insight path sends correct
// CompletionRequests and to feed controlled responses without a live model
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/crosstalkhq/crosstalk/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CompleteResult is one scripted outcome for a Complete call.
type CompleteResult struct {
	// Resp is the response to return. May be nil.
	Resp *llm.CompletionResponse
	// Err is the error to return.
	Err error
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause Complete to return nil, nil. Set
// CompleteErr to inject a constant error, or Script to drive a sequence of
// outcomes (fail twice, then succeed, and so on).
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Script, if non-empty, supplies the outcomes of successive Complete
	// calls in order. Once exhausted, Complete falls back to
	// CompleteResponse/CompleteErr.
	Script []CompleteResult

	// CompleteResponse is returned by Complete when no scripted outcome
	// applies. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete when no
	// scripted outcome applies.
	CompleteErr error

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	next int
}

// Complete records the call and returns the next scripted outcome, or
// CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.next < len(p.Script) {
		r := p.Script[p.next]
		p.next++
		return r.Resp, r.Err
	}
	return p.CompleteResponse, p.CompleteErr
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
