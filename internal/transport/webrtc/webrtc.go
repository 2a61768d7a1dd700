package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chatbip/chatbip/internal/session"
)

// Compile-time interface checks.
var (
	_ session.EndpointFactory = (*Factory)(nil)
	_ session.Endpoint        = (*endpoint)(nil)
	_ session.Conn            = (*dataChannelConn)(nil)
)

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before giving up on the session description.
const iceGatherTimeout = 15 * time.Second

// Factory builds WebRTC data-channel endpoints. Signaling goes through the
// Signaler; connection establishment uses vanilla ICE, so all candidates
// are gathered before the SDP is exchanged and signaling needs exactly one
// round-trip per call.
type Factory struct {
	signaler   Signaler
	iceServers []string
	logger     *slog.Logger
}

func NewFactory(signaler Signaler, iceServers []string, logger *slog.Logger) *Factory {
	return &Factory{
		signaler:   signaler,
		iceServers: iceServers,
		logger:     logger.With("component", "webrtc_transport"),
	}
}

// New claims id with the signaler and returns an endpoint bound to it.
// A competing claim surfaces as session.ErrIDUnavailable so the session
// manager can retry with a suffixed identifier.
func (f *Factory) New(ctx context.Context, id string, onInbound session.InboundHandler) (session.Endpoint, error) {
	ep := &endpoint{
		id:         id,
		signaler:   f.signaler,
		iceServers: f.iceServers,
		onInbound:  onInbound,
		logger:     f.logger.With("endpoint_id", id),
		conns:      make(map[*dataChannelConn]struct{}),
	}

	claim, err := f.signaler.Claim(ctx, id, ep.answer)
	if err != nil {
		if errors.Is(err, ErrIDTaken) {
			return nil, fmt.Errorf("%w: %s", session.ErrIDUnavailable, id)
		}
		return nil, err
	}
	ep.claim = claim
	return ep, nil
}

type endpoint struct {
	id         string
	signaler   Signaler
	iceServers []string
	onInbound  session.InboundHandler
	logger     *slog.Logger

	mu     sync.Mutex
	claim  io.Closer
	conns  map[*dataChannelConn]struct{}
	closed bool
}

func (e *endpoint) ID() string {
	return e.id
}

func (e *endpoint) webrtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(e.iceServers))
	for _, url := range e.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Connect opens a reliable ordered data channel to target. The returned
// connection is not yet open; the offer/answer exchange and ICE
// establishment run in the background and report through h.
func (e *endpoint) Connect(target string, h session.ConnHandlers) (session.Conn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("endpoint closed")
	}
	e.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(e.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	// Defaults give an ordered, reliable channel.
	dc, err := pc.CreateDataChannel("chat", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	conn := newDataChannelConn(pc, dc, target, e.logger)
	conn.attach(h)
	e.track(conn)

	go e.dial(conn, target)
	return conn, nil
}

// dial runs the offer side of the signaling exchange. Failures surface as
// connection error events, never as panics or returned errors; the session
// state machine absorbs them.
func (e *endpoint) dial(conn *dataChannelConn, target string) {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		conn.fail(fmt.Errorf("failed to create offer: %w", err))
		return
	}

	gatherDone := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		conn.fail(fmt.Errorf("failed to set local description: %w", err))
		return
	}
	select {
	case <-gatherDone:
	case <-time.After(iceGatherTimeout):
		conn.fail(errors.New("ICE gathering timed out"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), offerTimeout)
	defer cancel()
	answerSDP, err := e.signaler.Offer(ctx, e.id, target, conn.pc.LocalDescription().SDP)
	if err != nil {
		conn.fail(err)
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		conn.fail(fmt.Errorf("failed to set remote description: %w", err))
		return
	}
	// From here the data channel's OnOpen drives the rest.
}

// answer runs the answering side: it is invoked by the signaler for every
// inbound offer and returns the complete local SDP.
func (e *endpoint) answer(from, offerSDP string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errors.New("endpoint closed")
	}
	e.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(e.webrtcConfig())
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn := newDataChannelConn(pc, dc, from, e.logger)
		h := e.onInbound(conn)
		conn.attach(h)
		e.track(conn)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		pc.Close()
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherDone:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return "", errors.New("ICE gathering timed out")
	}

	e.logger.Info("Answered inbound offer", "from", from)
	return pc.LocalDescription().SDP, nil
}

func (e *endpoint) track(conn *dataChannelConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn] = struct{}{}
}

// Close releases the signaling claim and tears down every live connection.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	claim := e.claim
	conns := make([]*dataChannelConn, 0, len(e.conns))
	for conn := range e.conns {
		conns = append(conns, conn)
	}
	e.conns = map[*dataChannelConn]struct{}{}
	e.mu.Unlock()

	var err error
	if claim != nil {
		err = claim.Close()
	}
	for _, conn := range conns {
		if closeErr := conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	e.logger.Info("Endpoint closed")
	return err
}
