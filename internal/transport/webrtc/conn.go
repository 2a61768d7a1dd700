package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/chatbip/chatbip/internal/session"
)

// connEvent carries one transport event through the per-connection
// dispatcher.
type connEvent struct {
	kind eventKind
	env  session.Envelope
	err  error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventData
	eventClose
	eventError
)

// dataChannelConn adapts a pion data channel to session.Conn. Events are
// funneled through a single dispatch goroutine so handlers observe them in
// arrival order and are never invoked from pion's callback goroutines
// while a caller holds its own locks.
type dataChannelConn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	peer   string
	logger *slog.Logger

	events    chan connEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newDataChannelConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, peer string, logger *slog.Logger) *dataChannelConn {
	return &dataChannelConn{
		pc:     pc,
		dc:     dc,
		peer:   peer,
		logger: logger,
		events: make(chan connEvent, 32),
		done:   make(chan struct{}),
	}
}

// attach wires the pion callbacks and starts the dispatcher. Must be called
// exactly once, before any events can arrive (i.e. before the remote
// description is set on the dialing side, and inside OnDataChannel on the
// answering side).
func (c *dataChannelConn) attach(h session.ConnHandlers) {
	c.dc.OnOpen(func() {
		c.enqueue(connEvent{kind: eventOpen})
	})
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env session.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.logger.Debug("Discarding malformed envelope", "peer", c.peer, "error", err)
			return
		}
		c.enqueue(connEvent{kind: eventData, env: env})
	})
	c.dc.OnClose(func() {
		c.enqueue(connEvent{kind: eventClose})
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			c.enqueue(connEvent{kind: eventError, err: errors.New("peer connection failed")})
		}
	})

	go c.dispatch(h)
}

func (c *dataChannelConn) enqueue(ev connEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *dataChannelConn) dispatch(h session.ConnHandlers) {
	for {
		select {
		case ev := <-c.events:
			switch ev.kind {
			case eventOpen:
				if h.OnOpen != nil {
					h.OnOpen()
				}
			case eventData:
				if h.OnData != nil {
					h.OnData(ev.env)
				}
			case eventClose:
				if h.OnClose != nil {
					h.OnClose()
				}
			case eventError:
				if h.OnError != nil {
					h.OnError(ev.err)
				}
			}
		case <-c.done:
			return
		}
	}
}

// fail reports a setup failure (before the channel ever opened) as a
// connection error event.
func (c *dataChannelConn) fail(err error) {
	c.enqueue(connEvent{kind: eventError, err: err})
}

func (c *dataChannelConn) Peer() string {
	return c.peer
}

func (c *dataChannelConn) Send(env session.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("data channel send failed: %w", err)
	}
	return nil
}

func (c *dataChannelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if dcErr := c.dc.Close(); dcErr != nil {
			err = dcErr
		}
		if pcErr := c.pc.Close(); pcErr != nil && err == nil {
			err = pcErr
		}
	})
	return err
}
