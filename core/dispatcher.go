package core

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lisuiheng/terrimatch-go/metrics"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

type registration struct {
	id      interfaces.HandlerID
	handler interfaces.Handler
}

// Dispatcher fans decoded envelopes out to the handlers registered for their
// type. Handlers of one type run in registration order on the caller's
// goroutine; a failing handler never stops the ones after it.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   interfaces.HandlerID
	handlers map[string][]registration
	logger   *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]registration),
		logger:   log,
	}
}

func (d *Dispatcher) On(eventType string, h interfaces.Handler) interfaces.HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], registration{id: id, handler: h})
	return id
}

// Off removes exactly the registration identified by id. It reports whether
// anything was removed.
func (d *Dispatcher) Off(eventType string, id interfaces.HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventType]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		// copy so snapshots held by an in-flight Dispatch stay intact
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, eventType)
		} else {
			d.handlers[eventType] = next
		}
		return true
	}
	return false
}

func (d *Dispatcher) HandlerCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}

// DispatchFrame decodes a text frame and dispatches it. Undecodable frames are
// logged and dropped.
func (d *Dispatcher) DispatchFrame(data []byte) int {
	env, err := interfaces.DecodeEnvelope(data)
	if err != nil {
		metrics.ClientFramesDropped.WithLabelValues("decode").Inc()
		sample := data
		if len(sample) > 256 {
			sample = sample[:256]
		}
		d.logger.Warn("Dropping undecodable frame", "error", err, "sample", string(sample), "len", len(data))
		return 0
	}
	return d.Dispatch(env)
}

// Dispatch invokes every handler registered for env.Type and returns how many
// ran.
func (d *Dispatcher) Dispatch(env interfaces.Envelope) int {
	d.mu.RLock()
	regs := d.handlers[env.Type]
	d.mu.RUnlock()

	metrics.ClientFramesReceived.WithLabelValues(env.Type).Inc()
	if len(regs) == 0 {
		d.logger.Debug("No handler for envelope", "type", env.Type)
		return 0
	}

	for _, reg := range regs {
		if err := d.invoke(env, reg); err != nil {
			metrics.ClientHandlerFailures.WithLabelValues(env.Type).Inc()
			d.logger.Error("Handler failed", "type", env.Type, "handler", reg.id, "error", err)
		}
	}
	return len(regs)
}

func (d *Dispatcher) invoke(env interfaces.Envelope, reg registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return reg.handler(env)
}
