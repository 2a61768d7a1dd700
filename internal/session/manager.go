package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timing defaults. The dial timeout is deliberately 5s: the value the state
// table was built around, even though a commented-out 10s variant existed.
const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultResetDelay      = 1 * time.Second
	DefaultRetryDelay      = 1 * time.Second
	DefaultMaxInitAttempts = 5
)

// Options tunes manager timing. Zero values fall back to the defaults above;
// tests shrink them.
type Options struct {
	DialTimeout     time.Duration
	ResetDelay      time.Duration
	RetryDelay      time.Duration
	MaxInitAttempts int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = DefaultResetDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxInitAttempts <= 0 {
		o.MaxInitAttempts = DefaultMaxInitAttempts
	}
	return o
}

// MessageKind classifies entries in the session message log.
type MessageKind string

const (
	MessageSystem   MessageKind = "system"
	MessageSent     MessageKind = "sent"
	MessageReceived MessageKind = "received"
)

// Message is one entry in the append-only log scoped to the current session.
// The log is cleared whenever the session resets to idle.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusSink observes call-state milestones so presence can follow the call.
// Invocations are asynchronous and best-effort; implementations must be
// idempotent.
type StatusSink interface {
	CallConnected(remote string)
	CallEnded()
}

// Manager owns the local transport endpoint and drives the call state
// machine for one session at a time.
//
// All mutation is serialized under mu: transport callbacks and timer
// firings each take the lock, so no two state mutations run concurrently.
// Every timer and connection handler captures the session generation at
// schedule time and no-ops when the session has since moved on.
type Manager struct {
	factory EndpointFactory
	sink    StatusSink
	logger  *slog.Logger
	opts    Options

	mu         sync.Mutex
	endpoint   Endpoint
	endpointID string
	conn       Conn
	state      CallState
	remote     string
	outbound   bool
	generation uint64
	messages   []Message
	busyMarked bool
	dialStart  time.Time
}

// NewManager creates a session manager. sink may be nil.
func NewManager(factory EndpointFactory, sink StatusSink, logger *slog.Logger, opts Options) *Manager {
	return &Manager{
		factory: factory,
		sink:    sink,
		logger:  logger.With("component", "session_manager"),
		opts:    opts.withDefaults(),
		state:   StateIdle,
	}
}

// InitializeEndpoint binds a transport endpoint to identity, retrying with a
// suffixed identifier ("identity-1", "identity-2", ...) on conflict, with a
// delay between attempts. Returns the identifier the transport assigned, or
// ErrIdentifierConflict once the attempt budget is spent. Non-conflict
// transport failures propagate immediately, without retry.
func (m *Manager) InitializeEndpoint(ctx context.Context, identity string) (string, error) {
	m.mu.Lock()
	if m.endpoint != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("endpoint already initialized as %q", m.endpointID)
	}
	m.mu.Unlock()

	for attempt := 0; attempt < m.opts.MaxInitAttempts; attempt++ {
		id := identity
		if attempt > 0 {
			id = fmt.Sprintf("%s-%d", identity, attempt)
		}

		ep, err := m.factory.New(ctx, id, m.acceptInbound)
		if err == nil {
			m.mu.Lock()
			m.endpoint = ep
			m.endpointID = ep.ID()
			m.mu.Unlock()
			m.logger.InfoContext(ctx, "Endpoint initialized", "endpoint_id", ep.ID(), "attempt", attempt+1)
			return ep.ID(), nil
		}
		if !errors.Is(err, ErrIDUnavailable) {
			return "", fmt.Errorf("transport endpoint init failed: %w", err)
		}

		m.logger.WarnContext(ctx, "Endpoint identifier taken, retrying with suffix", "endpoint_id", id, "attempt", attempt+1)
		if attempt == m.opts.MaxInitAttempts-1 {
			break
		}
		select {
		case <-time.After(m.opts.RetryDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", ErrIdentifierConflict
}

// Call dials target. Only legal from idle. Transport failures after this
// point are absorbed into state transitions; callers observe State(), they
// never catch call errors.
func (m *Manager) Call(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.endpoint == nil {
		return ErrNotInitialized
	}
	if m.state != StateIdle {
		return ErrNotIdle
	}

	m.generation++
	gen := m.generation
	m.remote = target
	m.outbound = true
	m.dialStart = time.Now()
	callsCounter.WithLabelValues("outbound").Inc()
	m.applyLocked(eventCall, gen)

	m.logger.Info("Dialing", "target", target)
	conn, err := m.endpoint.Connect(target, m.connHandlers(gen))
	if err != nil {
		m.logger.Error("Dial failed to start", "target", target, "error", err)
		m.applyLocked(eventConnError, gen)
		return nil
	}
	m.conn = conn
	return nil
}

// SendMessage sends one text message on the active connection. Returns false
// without error when there is no open connection or the text is blank.
func (m *Manager) SendMessage(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := strings.TrimSpace(text)
	if m.conn == nil || m.state != StateConnected || trimmed == "" {
		return false
	}
	if err := m.conn.Send(Envelope{Kind: EnvelopeKindMessage, Text: trimmed}); err != nil {
		m.logger.Error("Failed to send message", "peer", m.remote, "error", err)
		return false
	}
	m.appendMessageLocked(MessageSent, trimmed)
	return true
}

// HangUp closes the transport connection if present and resets to idle.
func (m *Manager) HangUp() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.applyLocked(eventHangUp, m.generation)
}

// Destroy additionally closes the transport endpoint and clears the bound
// identity. Safe to call multiple times.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.applyLocked(eventDestroy, m.generation)

	if m.endpoint != nil {
		if err := m.endpoint.Close(); err != nil {
			m.logger.Warn("Error closing endpoint", "endpoint_id", m.endpointID, "error", err)
		}
		m.endpoint = nil
		m.endpointID = ""
	}
}

// State returns the current call state.
func (m *Manager) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Remote returns the identity of the current session's peer, if any.
func (m *Manager) Remote() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// EndpointID returns the identifier the transport assigned, or "".
func (m *Manager) EndpointID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpointID
}

// Messages returns a snapshot of the current session's message log.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// acceptInbound is the InboundHandler given to the endpoint. An unsolicited
// connection is accepted only from idle; in any other state the session
// already owns a connection (or is tearing one down), so the new one is
// closed and the current session is left untouched.
func (m *Manager) acceptInbound(conn Conn) ConnHandlers {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.logger.Warn("Rejecting inbound connection", "peer", conn.Peer(), "state", m.state)
		callOutcomesCounter.WithLabelValues("inbound_rejected").Inc()
		go conn.Close()
		return ConnHandlers{}
	}

	m.generation++
	gen := m.generation
	m.conn = conn
	m.remote = conn.Peer()
	m.outbound = false
	callsCounter.WithLabelValues("inbound").Inc()
	m.logger.Info("Inbound connection received", "peer", conn.Peer())
	m.applyLocked(eventInbound, gen)
	return m.connHandlers(gen)
}

// connHandlers builds the connection event handlers for one session
// generation. Each handler re-checks the generation under the lock, so
// events from a superseded connection never touch the current session.
func (m *Manager) connHandlers(gen uint64) ConnHandlers {
	return ConnHandlers{
		OnOpen: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.generation {
				return
			}
			m.applyLocked(eventConnOpen, gen)
		},
		OnData: func(env Envelope) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.generation {
				return
			}
			if env.Kind != EnvelopeKindMessage {
				m.logger.Debug("Ignoring unrecognized envelope kind", "kind", env.Kind)
				return
			}
			m.appendMessageLocked(MessageReceived, env.Text)
		},
		OnClose: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.generation {
				return
			}
			m.logger.Info("Connection closed by peer", "peer", m.remote)
			m.applyLocked(eventConnClose, gen)
		},
		OnError: func(err error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.generation {
				return
			}
			m.logger.Error("Connection error", "peer", m.remote, "error", err)
			m.applyLocked(eventConnError, gen)
		},
	}
}

// applyLocked runs the pure transition for ev and executes its effects.
// Callers hold mu.
func (m *Manager) applyLocked(ev event, gen uint64) {
	next, effects := transition(m.state, ev, m.outbound)
	if next == m.state && len(effects) == 0 {
		return
	}

	prev := m.state
	m.state = next
	m.logger.Debug("State transition", "from", prev, "to", next, "event", ev.String())

	if prev == StateDialing && next == StateUnavailable {
		if ev == eventDialTimeout {
			callOutcomesCounter.WithLabelValues("timeout").Inc()
		} else {
			callOutcomesCounter.WithLabelValues("error").Inc()
		}
	}

	for _, fx := range effects {
		switch fx {
		case effectStartDialTimer:
			m.scheduleLocked(m.opts.DialTimeout, eventDialTimeout, gen)
		case effectStartResetTimer:
			m.scheduleLocked(m.opts.ResetDelay, eventResetElapsed, gen)
		case effectCloseConn:
			m.closeConnLocked()
		case effectReset:
			m.resetLocked()
		case effectAnnounceConnected:
			callOutcomesCounter.WithLabelValues("connected").Inc()
			if m.outbound {
				dialDurationHist.Observe(time.Since(m.dialStart).Seconds())
			}
			m.appendMessageLocked(MessageSystem, "Connected with "+m.remote)
			m.markBusyLocked()
		}
	}
}

// scheduleLocked arms a one-shot timer that re-enters the state machine.
// The generation captured here is the cancellation mechanism: HangUp,
// Destroy and every new session bump the generation, so a stale firing
// is discarded before it can mutate anything.
func (m *Manager) scheduleLocked(d time.Duration, ev event, gen uint64) {
	time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			return
		}
		m.applyLocked(ev, gen)
	})
}

func (m *Manager) closeConnLocked() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(); err != nil {
		m.logger.Debug("Error closing connection", "peer", m.remote, "error", err)
	}
	m.conn = nil
}

// resetLocked returns the session to idle and clears the message log. It
// never closes the connection itself; effectCloseConn handles that where
// the transition calls for it.
func (m *Manager) resetLocked() {
	m.conn = nil
	m.remote = ""
	m.outbound = false
	m.messages = nil
	m.state = StateIdle

	if m.busyMarked {
		m.busyMarked = false
		if m.sink != nil {
			go m.sink.CallEnded()
		}
	}
}

func (m *Manager) markBusyLocked() {
	m.busyMarked = true
	if m.sink != nil {
		remote := m.remote
		go m.sink.CallConnected(remote)
	}
}

func (m *Manager) appendMessageLocked(kind MessageKind, text string) {
	m.messages = append(m.messages, Message{
		ID:        uuid.New(),
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	messagesCounter.WithLabelValues(string(kind)).Inc()
}
