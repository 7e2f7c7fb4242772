package transports

import (
	"context"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// Transport is the vendor-agnostic I/O boundary for audio, text and
// control frames. Implementations own their network lifecycle and
// stamp every inbound frame with a session id the engine routes by.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DTMFSender allows transports to send keypad digits into an active
// session, e.g. to drive a downstream IVR during a transfer.
type DTMFSender interface {
	SendDTMF(ctx context.Context, sessionID, digits string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (sessionID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// StatusCallbackURL receives terminal call status webhooks so the
	// transport can close the session when the far end hangs up.
	StatusCallbackURL string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (sessionID string, err error)
}

// ReadyReporter exposes readiness metadata (e.g. webhook URLs) for
// informational logging at startup.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// TextChannel marks transports whose sessions carry text instead of
// audio. The engine builds them a chain without recognition, turn
// tracking or synthesis.
type TextChannel interface {
	TextOnly() bool
}
