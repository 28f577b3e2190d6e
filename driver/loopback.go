// Package driver provides bus adapters for the transport engine: an
// in-memory loopback medium for tests and co-located nodes, and a QUIC
// bridge that carries frames between hosts.
package driver

import (
	"sync"

	"github.com/LoveWonYoung/cantt/tp"
)

// Loopback is an in-memory broadcast medium. Every frame sent through one
// endpoint is queued at every other endpoint, in send order, the way a
// shared bus delivers traffic to all listeners.
type Loopback struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	history   []tp.Frame
	snoop     func(tp.Frame)
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// Endpoint attaches a new node to the medium and returns its bus adapter.
func (l *Loopback) Endpoint() *Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep := &Endpoint{bus: l}
	l.endpoints = append(l.endpoints, ep)
	return ep
}

// Snoop installs a hook observing every frame placed on the medium.
func (l *Loopback) Snoop(fn func(tp.Frame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snoop = fn
}

// History returns a copy of every frame sent through the medium so far.
func (l *Loopback) History() []tp.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]tp.Frame{}, l.history...)
}

func (l *Loopback) broadcast(from *Endpoint, f tp.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, f)
	if l.snoop != nil {
		l.snoop(f)
	}
	for _, ep := range l.endpoints {
		if ep == from {
			continue
		}
		ep.enqueue(f)
	}
}

// Endpoint is one node's attachment to a Loopback. It implements tp.Bus.
type Endpoint struct {
	bus *Loopback

	mu    sync.Mutex
	queue []tp.Frame

	// FailSends and FailReads make the adapter report failures, for
	// exercising the engine's fault paths.
	FailSends bool
	FailReads bool
}

func (ep *Endpoint) Available() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.queue) > 0
}

func (ep *Endpoint) Read(f *tp.Frame) error {
	if ep.FailReads {
		return tp.BusReadError{}
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.queue) == 0 {
		return tp.BusReadError{TransportError: tp.NewTransportError("no frame queued")}
	}
	*f = ep.queue[0]
	ep.queue = ep.queue[1:]
	return nil
}

func (ep *Endpoint) Send(f *tp.Frame) error {
	if ep.FailSends {
		return tp.BusSendError{}
	}
	ep.bus.broadcast(ep, *f)
	return nil
}

// Inject queues a frame at this endpoint only, bypassing the medium.
func (ep *Endpoint) Inject(f tp.Frame) {
	ep.enqueue(f)
}

func (ep *Endpoint) enqueue(f tp.Frame) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.queue = append(ep.queue, f)
}
