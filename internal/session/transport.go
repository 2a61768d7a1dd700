package session

import (
	"context"
	"errors"
)

// EnvelopeKindMessage is the only envelope kind peers currently exchange.
// Unrecognized kinds are ignored, which keeps the wire format
// forward-compatible.
const EnvelopeKindMessage = "message"

// Envelope is the typed wire frame exchanged between connected peers.
type Envelope struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// ConnHandlers receives connection events. The transport invokes handlers
// from its own goroutines, never synchronously from Connect, and never
// before the handlers have been attached. Nil handlers are skipped.
type ConnHandlers struct {
	OnOpen  func()
	OnData  func(Envelope)
	OnClose func()
	OnError func(error)
}

// Conn is one peer-to-peer data connection.
type Conn interface {
	// Peer returns the remote endpoint identifier.
	Peer() string
	// Send transmits one envelope. Only valid once the connection is open.
	Send(Envelope) error
	Close() error
}

// InboundHandler is invoked for every connection a remote peer opens to the
// local endpoint. The returned handlers are attached before any events for
// that connection are delivered.
type InboundHandler func(Conn) ConnHandlers

// Endpoint is a transport endpoint bound to one identity, capable of
// accepting and initiating connections.
type Endpoint interface {
	// ID returns the identifier the transport actually assigned.
	ID() string
	// Connect dials target. The returned Conn is not yet open; h.OnOpen
	// fires when it is.
	Connect(target string, h ConnHandlers) (Conn, error)
	// Close destroys the endpoint and releases its identifier.
	Close() error
}

// EndpointFactory constructs endpoints. New blocks until the transport
// confirms or rejects the identifier binding.
type EndpointFactory interface {
	New(ctx context.Context, id string, onInbound InboundHandler) (Endpoint, error)
}

var (
	// ErrIDUnavailable signals the requested endpoint identifier is already
	// bound elsewhere. Retryable: the caller tries a suffixed identifier.
	ErrIDUnavailable = errors.New("endpoint identifier unavailable")
	// ErrIdentifierConflict signals the endpoint initialization retry budget
	// was exhausted by identifier conflicts.
	ErrIdentifierConflict = errors.New("endpoint identifier conflict: retry attempts exhausted")
	// ErrNotIdle is returned by Call when a session is already in progress.
	// Calling while not idle is a caller error.
	ErrNotIdle = errors.New("call already in progress")
	// ErrNotInitialized is returned by Call before InitializeEndpoint
	// succeeded.
	ErrNotInitialized = errors.New("endpoint not initialized")
)
