package publisher

import (
	"context"
	"sync"
)

// FakePublisher records every published Message so tests can inspect them.
// It is safe for concurrent use.
type FakePublisher struct {
	mu           sync.Mutex
	msgs         []Message
	PublishError error
	Closed       bool
	// Stall makes Publish wait for its context, like a broker that never
	// acknowledges.
	Stall bool
}

// Publish appends the message to the recorded list, or returns PublishError
// if set.
func (f *FakePublisher) Publish(ctx context.Context, msg Message) error {
	f.mu.Lock()
	stall := f.Stall
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// SetStall switches Stall while other goroutines may be publishing.
func (f *FakePublisher) SetStall(stall bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stall = stall
}

// Messages returns a copy of the recorded messages.
func (f *FakePublisher) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

// Find returns the last Message whose Topic matches, plus a found bool.
func (f *FakePublisher) Find(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return f.msgs[i], true
		}
	}
	return Message{}, false
}

// Reset clears all recorded state so the fake can be reused between sub-tests.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
	f.PublishError = nil
	f.Closed = false
	f.Stall = false
}
