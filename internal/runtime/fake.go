package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeOutcome scripts the behavior of one execution unit started through a
// Fake runtime.
type FakeOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Delay before the unit exits.
	Delay time.Duration

	// BlockUntilCancelled simulates a runaway process: Wait only returns
	// when the caller's context does.
	BlockUntilCancelled bool

	// LaunchErr makes Start fail with a *LaunchError.
	LaunchErr error
}

// Fake is an in-memory Runtime for tests. Outcomes are consumed in Start
// order; it records every start, kill and removal so tests can assert the
// cleanup invariants.
type Fake struct {
	mu       sync.Mutex
	outcomes []FakeOutcome
	next     int

	Started []LaunchSpec
	Killed  []string
	Removed []string
	live    int
}

// NewFake creates a Fake runtime that plays back the given outcomes.
func NewFake(outcomes ...FakeOutcome) *Fake {
	return &Fake{outcomes: outcomes}
}

// Enqueue appends more scripted outcomes.
func (f *Fake) Enqueue(outcomes ...FakeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomes...)
}

// Live reports how many units have been started but not yet removed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Start implements Runtime.
func (f *Fake) Start(ctx context.Context, spec LaunchSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.next >= len(f.outcomes) {
		return nil, &LaunchError{Image: spec.Image, Err: fmt.Errorf("fake: no outcome scripted for %s", spec.Name)}
	}
	outcome := f.outcomes[f.next]
	f.next++

	if outcome.LaunchErr != nil {
		return nil, &LaunchError{Image: spec.Image, Err: outcome.LaunchErr}
	}

	f.Started = append(f.Started, spec)
	f.live++
	return &fakeHandle{fake: f, name: spec.Name, outcome: outcome}, nil
}

type fakeHandle struct {
	fake    *Fake
	name    string
	outcome FakeOutcome

	mu      sync.Mutex
	removed bool
}

func (h *fakeHandle) ID() string { return h.name }

func (h *fakeHandle) Wait(ctx context.Context) (ExitStatus, error) {
	if h.outcome.BlockUntilCancelled {
		<-ctx.Done()
		return ExitStatus{ExitCode: -1}, ctx.Err()
	}
	if h.outcome.Delay > 0 {
		select {
		case <-time.After(h.outcome.Delay):
		case <-ctx.Done():
			return ExitStatus{ExitCode: -1}, ctx.Err()
		}
	}
	return ExitStatus{ExitCode: h.outcome.ExitCode}, nil
}

func (h *fakeHandle) Kill(ctx context.Context) error {
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	h.fake.Killed = append(h.fake.Killed, h.name)
	return nil
}

func (h *fakeHandle) Output(ctx context.Context) (string, string, error) {
	return h.outcome.Stdout, h.outcome.Stderr, nil
}

func (h *fakeHandle) Remove(ctx context.Context) error {
	h.mu.Lock()
	alreadyRemoved := h.removed
	h.removed = true
	h.mu.Unlock()

	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	h.fake.Removed = append(h.fake.Removed, h.name)
	if !alreadyRemoved {
		h.fake.live--
	}
	return nil
}
