// Package pipe is an in-process message channel between the orchestrator and
// a rendering surface. It carries the same encoded payloads as the websocket
// transport, so both sides validate traffic exactly as they would over the
// network.
package pipe

import (
	"errors"
	"log"
	"sync"

	"go-live-preview/internal/contracts"
)

// ErrClosed is returned when sending on a closed pipe.
var ErrClosed = errors.New("pipe closed")

type link struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// End is one side of a pipe. Messages are delivered to the peer in send
// order.
type End struct {
	link *link
	peer *End

	// out is the direction of messages this end sends.
	out contracts.Direction

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

// New returns the orchestrator end and the surface end of a fresh pipe.
func New() (orchestrator, surface *End) {
	l := &link{done: make(chan struct{})}
	orchestrator = &End{link: l, out: contracts.ToSurface, notify: make(chan struct{}, 1)}
	surface = &End{link: l, out: contracts.ToOrchestrator, notify: make(chan struct{}, 1)}
	orchestrator.peer = surface
	surface.peer = orchestrator
	return orchestrator, surface
}

// Send encodes msg and queues it for the peer.
func (e *End) Send(msg contracts.Message) error {
	raw, err := contracts.Encode(e.out, msg)
	if err != nil {
		return err
	}
	return e.SendRaw(raw)
}

// SendRaw queues an already encoded payload for the peer without validating
// it.
func (e *End) SendRaw(raw []byte) error {
	e.link.mu.Lock()
	closed := e.link.closed
	e.link.mu.Unlock()
	if closed {
		return ErrClosed
	}

	p := e.peer
	p.mu.Lock()
	p.queue = append(p.queue, append([]byte(nil), raw...))
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run delivers inbound messages to handle, one at a time and in order, until
// the pipe is closed. Payloads that fail validation are logged and dropped.
func (e *End) Run(handle func(contracts.Message)) {
	in := contracts.ToOrchestrator
	if e.out == contracts.ToOrchestrator {
		in = contracts.ToSurface
	}

	for {
		for _, raw := range e.drain() {
			msg, err := contracts.Decode(in, raw)
			if err != nil {
				log.Printf("[go-live-preview] pipe: drop inbound message: %v", err)
				continue
			}
			handle(msg)
		}

		select {
		case <-e.notify:
		case <-e.link.done:
			return
		}
	}
}

func (e *End) drain() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.queue
	e.queue = nil
	return batch
}

// Close shuts both ends. Messages still queued are discarded.
func (e *End) Close() {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	if e.link.closed {
		return
	}
	e.link.closed = true
	close(e.link.done)
}
