// Package mock provides an in-memory transport for tests and local
// runs. Frames pushed with Push appear on Recv as if a caller sent
// them; frames the engine emits are captured on Sent.
package mock

import (
	"context"
	"sync"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports"
)

type Transport struct {
	mu     sync.Mutex
	closed bool
	recvCh chan frames.Frame
	sentCh chan frames.Frame
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

// Start ties the transport's lifetime to ctx; cancellation stops it.
func (t *Transport) Start(ctx context.Context) error {
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = t.Stop()
		}()
	}
	return nil
}

// Stop closes both channels so the engine's receive loop and any test
// draining Sent observe the end of the session. Push and Send become
// no-ops.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recvCh)
	close(t.sentCh)
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Send captures an outbound frame, dropping it when the capture buffer
// is full so the engine never blocks on a slow test reader.
func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes captured outbound frames.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

var _ transports.Transport = (*Transport)(nil)
