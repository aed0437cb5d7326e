// Package relaytest provides an in-memory Relay for testing feature
// consumers without a network.
package relaytest

import (
	"context"
	"sync"

	"github.com/lisuiheng/terrimatch-go/core"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

var _ interfaces.Relay = (*Relay)(nil)

// Relay records outbound envelopes and lets tests inject inbound ones through
// a real core.Dispatcher.
type Relay struct {
	dispatcher *core.Dispatcher

	mu         sync.Mutex
	open       bool
	connects   int
	sent       []interfaces.Envelope
	users      int
	ConnectErr error
	SendErr    error
}

func New() *Relay {
	return &Relay{dispatcher: core.NewDispatcher(logger.Discard())}
}

func (r *Relay) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.ConnectErr != nil {
		return r.ConnectErr
	}
	r.open = true
	return nil
}

func (r *Relay) Send(env interfaces.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return interfaces.ErrNotOpen
	}
	if r.SendErr != nil {
		return r.SendErr
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *Relay) On(eventType string, h interfaces.Handler) interfaces.HandlerID {
	return r.dispatcher.On(eventType, h)
}

func (r *Relay) Off(eventType string, id interfaces.HandlerID) bool {
	return r.dispatcher.Off(eventType, id)
}

func (r *Relay) Acquire() func() {
	r.mu.Lock()
	r.users++
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.users--
			r.mu.Unlock()
		})
	}
}

// SetOpen flips the simulated connection state.
func (r *Relay) SetOpen(open bool) {
	r.mu.Lock()
	r.open = open
	r.mu.Unlock()
}

// Inject dispatches a raw frame as if it arrived from the server and returns
// the number of handlers invoked.
func (r *Relay) Inject(raw string) int {
	return r.dispatcher.DispatchFrame([]byte(raw))
}

// Emit builds an envelope from payload and dispatches it.
func (r *Relay) Emit(eventType string, payload any) int {
	env, err := interfaces.NewEnvelope(eventType, payload)
	if err != nil {
		panic(err)
	}
	return r.dispatcher.Dispatch(env)
}

func (r *Relay) Sent() []interfaces.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Relay) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *Relay) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users
}

func (r *Relay) HandlerCount(eventType string) int {
	return r.dispatcher.HandlerCount(eventType)
}
