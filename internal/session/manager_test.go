package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeConn struct {
	mu      sync.Mutex
	peer    string
	sent    []Envelope
	sendErr error
	closed  int
}

func (c *fakeConn) Peer() string { return c.peer }

func (c *fakeConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentEnvelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeEndpoint struct {
	mu       sync.Mutex
	id       string
	conns    []*fakeConn
	handlers []ConnHandlers
	closed   int
}

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) Connect(target string, h ConnHandlers) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := &fakeConn{peer: target}
	e.conns = append(e.conns, conn)
	e.handlers = append(e.handlers, h)
	return conn, nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEndpoint) lastConn() *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[len(e.conns)-1]
}

func (e *fakeEndpoint) lastHandlers() ConnHandlers {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[len(e.handlers)-1]
}

func (e *fakeEndpoint) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	conflicts int // leading New calls that report an unavailable id
	otherErr  error
	requested []string
	endpoint  *fakeEndpoint
	inbound   InboundHandler
}

func (f *fakeFactory) New(ctx context.Context, id string, onInbound InboundHandler) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, id)
	if f.otherErr != nil {
		return nil, f.otherErr
	}
	if len(f.requested) <= f.conflicts {
		return nil, ErrIDUnavailable
	}
	f.inbound = onInbound
	f.endpoint = &fakeEndpoint{id: id}
	return f.endpoint, nil
}

func (f *fakeFactory) requestedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requested))
	copy(out, f.requested)
	return out
}

func (f *fakeFactory) inboundHandler() InboundHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbound
}

type recordingSink struct {
	mu        sync.Mutex
	connected []string
	ended     int
}

func (s *recordingSink) CallConnected(remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, remote)
}

func (s *recordingSink) CallEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
}

func (s *recordingSink) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.connected))
	copy(out, s.connected)
	return out, s.ended
}

// --- Test setup ---

func testOptions() Options {
	return Options{
		DialTimeout:     40 * time.Millisecond,
		ResetDelay:      25 * time.Millisecond,
		RetryDelay:      time.Millisecond,
		MaxInitAttempts: 5,
	}
}

func setupManagerTest(t *testing.T, factory *fakeFactory, sink StatusSink) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(factory, sink, logger, testOptions())
}

func initManager(t *testing.T, m *Manager, identity string) {
	t.Helper()
	_, err := m.InitializeEndpoint(context.Background(), identity)
	require.NoError(t, err)
}

// connectCall dials target and simulates the transport's open event.
func connectCall(t *testing.T, m *Manager, factory *fakeFactory, target string) *fakeConn {
	t.Helper()
	require.NoError(t, m.Call(target))
	factory.endpoint.lastHandlers().OnOpen()
	require.Equal(t, StateConnected, m.State())
	return factory.endpoint.lastConn()
}

// --- InitializeEndpoint ---

func TestManager_InitializeEndpoint(t *testing.T) {
	t.Run("FirstAttemptSucceeds", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)

		id, err := m.InitializeEndpoint(context.Background(), "12345")
		require.NoError(t, err)
		assert.Equal(t, "12345", id)
		assert.Equal(t, "12345", m.EndpointID())
		assert.Equal(t, []string{"12345"}, factory.requestedIDs())
	})

	t.Run("RetriesWithSuffixOnConflict", func(t *testing.T) {
		factory := &fakeFactory{conflicts: 4}
		m := setupManagerTest(t, factory, nil)

		id, err := m.InitializeEndpoint(context.Background(), "123")
		require.NoError(t, err)
		assert.Equal(t, "123-4", id)
		assert.Equal(t, []string{"123", "123-1", "123-2", "123-3", "123-4"}, factory.requestedIDs())
	})

	t.Run("ExhaustsRetryBudget", func(t *testing.T) {
		factory := &fakeFactory{conflicts: 5}
		m := setupManagerTest(t, factory, nil)

		_, err := m.InitializeEndpoint(context.Background(), "123")
		require.ErrorIs(t, err, ErrIdentifierConflict)
		assert.Len(t, factory.requestedIDs(), 5)
	})

	t.Run("NonConflictErrorPropagatesWithoutRetry", func(t *testing.T) {
		transportErr := errors.New("ice servers unreachable")
		factory := &fakeFactory{otherErr: transportErr}
		m := setupManagerTest(t, factory, nil)

		_, err := m.InitializeEndpoint(context.Background(), "123")
		require.ErrorIs(t, err, transportErr)
		assert.Len(t, factory.requestedIDs(), 1)
	})

	t.Run("CancelledDuringRetryDelay", func(t *testing.T) {
		factory := &fakeFactory{conflicts: 5}
		m := NewManager(factory, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
			RetryDelay:      time.Minute,
			MaxInitAttempts: 5,
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := m.InitializeEndpoint(ctx, "123")
		require.ErrorIs(t, err, context.Canceled)
	})
}

// --- Outbound call lifecycle ---

func TestManager_Call(t *testing.T) {
	t.Run("RequiresInitializedEndpoint", func(t *testing.T) {
		m := setupManagerTest(t, &fakeFactory{}, nil)
		require.ErrorIs(t, m.Call("99999"), ErrNotInitialized)
	})

	t.Run("DialsFromIdle", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		require.NoError(t, m.Call("99999"))
		assert.Equal(t, StateDialing, m.State())
		assert.Equal(t, "99999", m.Remote())
	})

	t.Run("RejectsCallWhileNotIdle", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		require.NoError(t, m.Call("99999"))
		require.ErrorIs(t, m.Call("88888"), ErrNotIdle)
	})

	t.Run("OpenConnects", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		connectCall(t, m, factory, "99999")

		messages := m.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, MessageSystem, messages[0].Kind)
		assert.Equal(t, "Connected with 99999", messages[0].Text)
	})

	t.Run("DialTimeoutGoesUnavailableThenIdle", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		require.NoError(t, m.Call("99999"))
		conn := factory.endpoint.lastConn()

		require.Eventually(t, func() bool {
			return m.State() == StateUnavailable
		}, time.Second, 2*time.Millisecond, "dial timeout should park the session in unavailable")
		assert.Equal(t, 1, conn.closeCount())

		require.Eventually(t, func() bool {
			return m.State() == StateIdle
		}, time.Second, 2*time.Millisecond, "unavailable should reset to idle automatically")
		assert.Empty(t, m.Messages())
	})

	t.Run("ConnectionErrorGoesUnavailableThenIdle", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		connectCall(t, m, factory, "99999")
		factory.endpoint.lastHandlers().OnError(errors.New("transport broke"))

		assert.Equal(t, StateUnavailable, m.State())
		require.Eventually(t, func() bool {
			return m.State() == StateIdle
		}, time.Second, 2*time.Millisecond)
	})

	t.Run("RemoteCloseLingersInConnectClose", func(t *testing.T) {
		factory := &fakeFactory{}
		m := setupManagerTest(t, factory, nil)
		initManager(t, m, "12345")

		connectCall(t, m, factory, "99999")
		factory.endpoint.lastHandlers().OnClose()

		assert.Equal(t, StateConnectClose, m.State())
		require.Eventually(t, func() bool {
			return m.State() == StateIdle
		}, time.Second, 2*time.Millisecond)
	})
}

// --- Messaging ---

func TestManager_SendMessage(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")

	t.Run("RejectedBeforeConnected", func(t *testing.T) {
		assert.False(t, m.SendMessage("hi"))
	})

	conn := connectCall(t, m, factory, "99999")
	logLen := len(m.Messages())

	t.Run("RejectsBlankText", func(t *testing.T) {
		assert.False(t, m.SendMessage(""))
		assert.False(t, m.SendMessage("   "))
		assert.Len(t, m.Messages(), logLen, "rejected sends must not touch the log")
	})

	t.Run("SendsTrimmedEnvelope", func(t *testing.T) {
		require.True(t, m.SendMessage("  hi  "))

		sent := conn.sentEnvelopes()
		require.Len(t, sent, 1)
		assert.Equal(t, Envelope{Kind: EnvelopeKindMessage, Text: "hi"}, sent[0])

		messages := m.Messages()
		last := messages[len(messages)-1]
		assert.Equal(t, MessageSent, last.Kind)
		assert.Equal(t, "hi", last.Text)
	})

	t.Run("SendFailureReportsFalse", func(t *testing.T) {
		conn.mu.Lock()
		conn.sendErr = errors.New("channel closed")
		conn.mu.Unlock()
		before := len(m.Messages())
		assert.False(t, m.SendMessage("hello"))
		assert.Len(t, m.Messages(), before)
	})
}

func TestManager_ReceiveMessage(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")

	connectCall(t, m, factory, "99999")
	handlers := factory.endpoint.lastHandlers()

	handlers.OnData(Envelope{Kind: EnvelopeKindMessage, Text: "oi"})
	messages := m.Messages()
	last := messages[len(messages)-1]
	assert.Equal(t, MessageReceived, last.Kind)
	assert.Equal(t, "oi", last.Text)

	// Unrecognized envelope kinds are a forward-compatible no-op.
	handlers.OnData(Envelope{Kind: "typing-indicator"})
	assert.Len(t, m.Messages(), len(messages))
}

// --- Teardown ---

func TestManager_HangUp(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")

	conn := connectCall(t, m, factory, "99999")
	require.True(t, m.SendMessage("hi"))

	m.HangUp()

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.Messages())
	assert.Empty(t, m.Remote())
	assert.Equal(t, 1, conn.closeCount())
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")

	connectCall(t, m, factory, "99999")
	endpoint := factory.endpoint

	m.Destroy()
	m.Destroy()

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.EndpointID())
	assert.Equal(t, 1, endpoint.closeCount())
}

// --- Generation guard ---

func TestManager_StaleConnectionEventsIgnored(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")

	require.NoError(t, m.Call("11111"))
	stale := factory.endpoint.lastHandlers()

	m.HangUp()
	require.NoError(t, m.Call("22222"))

	// The superseded connection's open event must not touch the new session.
	stale.OnOpen()
	assert.Equal(t, StateDialing, m.State())
	assert.Equal(t, "22222", m.Remote())

	factory.endpoint.lastHandlers().OnOpen()
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "22222", m.Remote())
}

func TestManager_StaleDialTimeoutIgnored(t *testing.T) {
	factory := &fakeFactory{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// A long reset delay makes a wrongly-fired timeout stick out: the session
	// would be stuck in unavailable when we check.
	m := NewManager(factory, nil, logger, Options{
		DialTimeout:     20 * time.Millisecond,
		ResetDelay:      time.Hour,
		RetryDelay:      time.Millisecond,
		MaxInitAttempts: 5,
	})
	initManager(t, m, "12345")

	require.NoError(t, m.Call("99999"))
	m.HangUp()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateIdle, m.State(), "a dial timeout from a superseded generation must not fire")
}

// --- Inbound sessions ---

func TestManager_InboundConnection(t *testing.T) {
	factory := &fakeFactory{}
	m := setupManagerTest(t, factory, nil)
	initManager(t, m, "12345")
	accept := factory.inboundHandler()
	require.NotNil(t, accept)

	t.Run("AcceptedFromIdle", func(t *testing.T) {
		conn := &fakeConn{peer: "55555"}
		handlers := accept(conn)

		assert.Equal(t, StateIncoming, m.State())
		assert.Equal(t, "55555", m.Remote())

		handlers.OnOpen()
		assert.Equal(t, StateConnected, m.State())

		// An inbound session's remote close resets directly to idle, no
		// connect-close detour.
		handlers.OnClose()
		assert.Equal(t, StateIdle, m.State())
		assert.Empty(t, m.Messages())
	})

	t.Run("RejectedWhileBusy", func(t *testing.T) {
		first := &fakeConn{peer: "55555"}
		accept(first).OnOpen()
		require.Equal(t, StateConnected, m.State())

		intruder := &fakeConn{peer: "66666"}
		accept(intruder)

		assert.Equal(t, StateConnected, m.State())
		assert.Equal(t, "55555", m.Remote())
		require.Eventually(t, func() bool {
			return intruder.closeCount() == 1
		}, time.Second, 2*time.Millisecond, "the competing connection must be closed")
	})
}

// --- Presence mirroring ---

func TestManager_StatusSink(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := setupManagerTest(t, factory, sink)
	initManager(t, m, "12345")

	connectCall(t, m, factory, "99999")
	require.Eventually(t, func() bool {
		connected, _ := sink.snapshot()
		return len(connected) == 1 && connected[0] == "99999"
	}, time.Second, 2*time.Millisecond)

	m.HangUp()
	require.Eventually(t, func() bool {
		_, ended := sink.snapshot()
		return ended == 1
	}, time.Second, 2*time.Millisecond)
}
