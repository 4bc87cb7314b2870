package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/validation"
)

// Envelope is the signaling wire frame shared by both transports.
type Envelope struct {
	Type     ports.EventType `json:"type"`
	StreamID domain.StreamID `json:"streamId,omitempty"`
	From     domain.PartyID  `json:"from,omitempty"`
	To       domain.PartyID  `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	StreamID domain.StreamID `json:"streamId"`
	IsHost   bool            `json:"isHost"`
	PartyID  domain.PartyID  `json:"partyId"`
}

type OfferPayload struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PartyPayload struct {
	PartyID domain.PartyID `json:"partyId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RelayError is an error reported by the relay in an error frame.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	if e.Code == "" {
		return "relay: " + e.Message
	}
	return fmt.Sprintf("relay: %s (%s)", e.Message, e.Code)
}

// NewEnvelope marshals payload into a frame. A nil payload leaves the
// payload field out.
func NewEnvelope(t ports.EventType, streamID domain.StreamID, from, to domain.PartyID, payload any) (Envelope, error) {
	env := Envelope{Type: t, StreamID: streamID, From: from, To: to}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// EncodeNegotiation frames a negotiation message with its routing.
func EncodeNegotiation(msg domain.NegotiationMessage) (Envelope, error) {
	r := msg.Routing()
	switch m := msg.(type) {
	case domain.Offer:
		return NewEnvelope(ports.EventOffer, r.StreamID, r.From, r.To, OfferPayload{Offer: m.Description})
	case domain.Answer:
		return NewEnvelope(ports.EventAnswer, r.StreamID, r.From, r.To, AnswerPayload{Answer: m.Description})
	case domain.Candidate:
		return NewEnvelope(ports.EventICECandidate, r.StreamID, r.From, r.To, CandidatePayload{Candidate: m.Candidate})
	case domain.RenegotiateRequest:
		return NewEnvelope(ports.EventRenegotiate, r.StreamID, r.From, r.To, struct{}{})
	}
	return Envelope{}, fmt.Errorf("%w: unknown negotiation message %T", domain.ErrMalformedMessage, msg)
}

// DecodeEvent validates a frame at the boundary and converts it into an
// event. Anything malformed is rejected with domain.ErrMalformedMessage.
func DecodeEvent(env Envelope) (ports.Event, error) {
	ev := ports.Event{
		Type:     env.Type,
		StreamID: env.StreamID,
		From:     env.From,
		To:       env.To,
	}
	route := domain.Route{StreamID: env.StreamID, From: env.From, To: env.To}

	switch env.Type {
	case ports.EventOffer:
		var p OfferPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		if err := validateDescription(p.Offer, webrtc.SDPTypeOffer); err != nil {
			return ev, err
		}
		ev.Negotiation = domain.Offer{Route: route, Description: p.Offer}

	case ports.EventAnswer:
		var p AnswerPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		if err := validateDescription(p.Answer, webrtc.SDPTypeAnswer); err != nil {
			return ev, err
		}
		ev.Negotiation = domain.Answer{Route: route, Description: p.Answer}

	case ports.EventICECandidate:
		var p CandidatePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		if p.Candidate.Candidate == "" {
			return ev, fmt.Errorf("%w: empty candidate", domain.ErrMalformedMessage)
		}
		if err := validation.ValidateCandidate(p.Candidate.Candidate); err != nil {
			return ev, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
		}
		ev.Negotiation = domain.Candidate{Route: route, Candidate: p.Candidate}

	case ports.EventRenegotiate:
		ev.Negotiation = domain.RenegotiateRequest{Route: route}

	case ports.EventJoinStream:
		var p JoinPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		if p.StreamID == "" {
			p.StreamID = env.StreamID
		}
		if err := validation.ValidateStreamID(string(p.StreamID)); err != nil {
			return ev, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
		}
		ev.StreamID = p.StreamID
		ev.PartyID = p.PartyID

	case ports.EventLeaveStream:

	case ports.EventViewerJoined, ports.EventViewerLeft:
		var p PartyPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		if p.PartyID == "" {
			return ev, fmt.Errorf("%w: %s without partyId", domain.ErrMalformedMessage, env.Type)
		}
		ev.PartyID = p.PartyID

	case ports.EventParticipantCount:
		var count int
		if err := unmarshalPayload(env, &count); err != nil {
			return ev, err
		}
		if count < 0 {
			return ev, fmt.Errorf("%w: negative participant count", domain.ErrMalformedMessage)
		}
		ev.Count = count

	case ports.EventChatMessage:
		var msg domain.ChatMessage
		if err := unmarshalPayload(env, &msg); err != nil {
			return ev, err
		}
		if err := validation.ValidateChatText(msg.Text); err != nil {
			return ev, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
		}
		msg.StreamID = env.StreamID
		msg.From = env.From
		ev.Chat = &msg

	case ports.EventError:
		var p ErrorPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return ev, err
		}
		ev.Err = &RelayError{Code: p.Code, Message: p.Message}

	default:
		return ev, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, env.Type)
	}
	return ev, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", domain.ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedMessage, env.Type, err)
	}
	return nil
}

func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s description, got %s", domain.ErrMalformedMessage, want, desc.Type)
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}
