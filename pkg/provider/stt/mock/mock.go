// Package mock provides test doubles for the stt package interfaces.
//
// Use Engine to verify that the caller opens recognizers with the expected
// Config. Use Recognizer to script the results successive Accept calls return
// and to inspect which audio chunks were delivered.
//
// Example:
//
//	rec := &mock.Recognizer{
//	    Results: []types.Transcript{{Text: "hello", IsFinal: true}},
//	}
//	e := &mock.Engine{Recognizer: rec}
//	r, _ := e.NewRecognizer(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// NewRecognizerCall records a single invocation of Engine.NewRecognizer.
type NewRecognizerCall struct {
	// Ctx is the context passed to NewRecognizer.
	Ctx context.Context
	// Cfg is the Config passed to NewRecognizer.
	Cfg stt.Config
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Recognizer is returned by every NewRecognizer call. If nil, each call
	// returns a fresh default Recognizer, which is also appended to Created so
	// tests can script and inspect it.
	Recognizer stt.Recognizer

	// NewRecognizerErr, if non-nil, is returned as the error from NewRecognizer.
	NewRecognizerErr error

	// NewRecognizerCalls records every call to NewRecognizer.
	NewRecognizerCalls []NewRecognizerCall

	// Created holds the default Recognizers handed out when Recognizer is nil,
	// in creation order.
	Created []*Recognizer
}

// NewRecognizer records the call and returns Recognizer, NewRecognizerErr.
func (e *Engine) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewRecognizerCalls = append(e.NewRecognizerCalls, NewRecognizerCall{Ctx: ctx, Cfg: cfg})
	if e.NewRecognizerErr != nil {
		return nil, e.NewRecognizerErr
	}
	if e.Recognizer != nil {
		return e.Recognizer, nil
	}
	r := &Recognizer{}
	e.Created = append(e.Created, r)
	return r, nil
}

// Reset clears all recorded calls and created recognizers. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewRecognizerCalls = nil
	e.Created = nil
}

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)

// AcceptCall records a single invocation of Recognizer.Accept.
type AcceptCall struct {
	// Chunk is a copy of the audio bytes that were passed to Accept.
	Chunk []byte
}

// Recognizer is a mock implementation of stt.Recognizer.
// Callers pre-populate Results with the Transcript values successive Accept
// calls should return; once exhausted, Accept returns the zero Transcript.
type Recognizer struct {
	mu sync.Mutex

	// Results are returned by successive Accept calls in order.
	Results []types.Transcript

	// FlushResult is returned by every Flush call.
	FlushResult types.Transcript

	// AcceptErr, if non-nil, is returned by every Accept call.
	AcceptErr error

	// FlushErr, if non-nil, is returned by every Flush call.
	FlushErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// AcceptCalls records every call to Accept in order.
	AcceptCalls []AcceptCall

	// FlushCallCount is the number of times Flush was called.
	FlushCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// Accept records the call and returns the next scripted result, AcceptErr.
func (r *Recognizer) Accept(pcm []byte) (types.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.AcceptCalls = append(r.AcceptCalls, AcceptCall{Chunk: cp})
	if r.AcceptErr != nil {
		return types.Transcript{}, r.AcceptErr
	}
	if r.next < len(r.Results) {
		t := r.Results[r.next]
		r.next++
		return t, nil
	}
	return types.Transcript{}, nil
}

// Flush records the call and returns FlushResult, FlushErr.
func (r *Recognizer) Flush() (types.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FlushCallCount++
	if r.FlushErr != nil {
		return types.Transcript{}, r.FlushErr
	}
	return r.FlushResult, nil
}

// Close records the call and returns CloseErr.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return r.CloseErr
}

// AcceptCallCount returns the number of Accept calls. Thread-safe.
func (r *Recognizer) AcceptCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.AcceptCalls)
}

// ResetCalls clears all recorded calls and rewinds the scripted results.
// Thread-safe.
func (r *Recognizer) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AcceptCalls = nil
	r.FlushCallCount = 0
	r.CloseCallCount = 0
	r.next = 0
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
