package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatbip/chatbip/internal/platform/messagebroker"
)

// signalSubjectPrefix is the NATS subject prefix for per-identity signaling.
// The endpoint bound to identity X answers requests on "bip.signal.X".
const signalSubjectPrefix = "bip.signal."

// claimProbeTimeout is how long a claim probe waits for a competing
// responder before concluding the identifier is free.
const claimProbeTimeout = 1 * time.Second

// offerTimeout is the maximum time to wait for an SDP answer after sending
// an offer.
const offerTimeout = 30 * time.Second

const (
	signalKindProbe  = "probe"
	signalKindPong   = "pong"
	signalKindOffer  = "offer"
	signalKindAnswer = "answer"
	signalKindError  = "error"
)

type signalRequest struct {
	Kind string `json:"kind"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp,omitempty"`
}

type signalReply struct {
	Kind  string `json:"kind"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrIDTaken signals that another live endpoint already answers signaling
// requests for the identifier.
var ErrIDTaken = errors.New("signaling identifier already claimed")

// AnswerFunc produces an SDP answer for an inbound offer.
type AnswerFunc func(from, offerSDP string) (string, error)

// Signaler exchanges session descriptions between endpoints. The signaling
// model is vanilla ICE: all candidates are gathered before the SDP is sent,
// so connection establishment takes exactly one request-reply round-trip.
type Signaler interface {
	// Claim registers this endpoint as the responder for id. Returns
	// ErrIDTaken when a live responder already serves id. The returned
	// closer releases the claim.
	Claim(ctx context.Context, id string, answer AnswerFunc) (io.Closer, error)

	// Offer sends an SDP offer to target and returns the answer SDP.
	Offer(ctx context.Context, from, target, sdp string) (string, error)
}

// NATSSignaler implements Signaler over NATS request-reply.
type NATSSignaler struct {
	client *messagebroker.NATSClient
	logger *slog.Logger
}

func NewNATSSignaler(client *messagebroker.NATSClient, logger *slog.Logger) *NATSSignaler {
	return &NATSSignaler{client: client, logger: logger.With("component", "nats_signaler")}
}

func (s *NATSSignaler) Claim(ctx context.Context, id string, answer AnswerFunc) (io.Closer, error) {
	subject := signalSubjectPrefix + id

	// Probe first: a reply means a live endpoint already owns the id.
	probe, err := json.Marshal(signalRequest{Kind: signalKindProbe})
	if err != nil {
		return nil, err
	}
	_, err = s.client.Request(subject, probe, claimProbeTimeout)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, id)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout):
		// Free.
	default:
		return nil, fmt.Errorf("claim probe failed: %w", err)
	}

	sub, err := s.client.Conn.Subscribe(subject, func(msg *nats.Msg) {
		s.handleSignal(msg, answer)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for signaling: %w", err)
	}
	s.logger.InfoContext(ctx, "Signaling identifier claimed", "id", id)
	return &subscriptionCloser{sub: sub}, nil
}

func (s *NATSSignaler) handleSignal(msg *nats.Msg, answer AnswerFunc) {
	var req signalRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Debug("Discarding malformed signaling request", "error", err)
		return
	}

	switch req.Kind {
	case signalKindProbe:
		s.respond(msg, signalReply{Kind: signalKindPong})
	case signalKindOffer:
		sdp, err := answer(req.From, req.SDP)
		if err != nil {
			s.logger.Warn("Failed to answer inbound offer", "from", req.From, "error", err)
			s.respond(msg, signalReply{Kind: signalKindError, Error: err.Error()})
			return
		}
		s.respond(msg, signalReply{Kind: signalKindAnswer, SDP: sdp})
	default:
		s.logger.Debug("Ignoring unrecognized signaling kind", "kind", req.Kind)
	}
}

func (s *NATSSignaler) respond(msg *nats.Msg, reply signalReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("Failed to respond to signaling request", "error", err)
	}
}

func (s *NATSSignaler) Offer(ctx context.Context, from, target, sdp string) (string, error) {
	data, err := json.Marshal(signalRequest{Kind: signalKindOffer, From: from, SDP: sdp})
	if err != nil {
		return "", err
	}

	msg, err := s.client.Request(signalSubjectPrefix+target, data, offerTimeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return "", fmt.Errorf("peer %s is unreachable: %w", target, err)
		}
		return "", fmt.Errorf("signaling offer failed: %w", err)
	}

	var reply signalReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("malformed signaling answer: %w", err)
	}
	switch reply.Kind {
	case signalKindAnswer:
		return reply.SDP, nil
	case signalKindError:
		return "", fmt.Errorf("peer %s rejected the offer: %s", target, reply.Error)
	default:
		return "", fmt.Errorf("unexpected signaling reply kind %q", reply.Kind)
	}
}

type subscriptionCloser struct {
	sub *nats.Subscription
}

func (c *subscriptionCloser) Close() error {
	return c.sub.Drain()
}
