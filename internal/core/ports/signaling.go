package ports

import (
	"context"

	"livestage/internal/core/domain"
)

type EventType string

const (
	EventJoinStream       EventType = "join-stream"
	EventLeaveStream      EventType = "leave-stream"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "ice-candidate"
	EventRenegotiate      EventType = "renegotiate"
	EventViewerJoined     EventType = "viewer-joined"
	EventViewerLeft       EventType = "viewer-left"
	EventParticipantCount EventType = "participant-count"
	EventChatMessage      EventType = "chat-message"
	EventError            EventType = "error"
)

// Event is an inbound signaling message after boundary validation.
// Exactly the fields relevant to Type are set.
type Event struct {
	Type        EventType
	StreamID    domain.StreamID
	From        domain.PartyID
	To          domain.PartyID
	Negotiation domain.NegotiationMessage
	PartyID     domain.PartyID // viewer-joined / viewer-left
	Count       int            // participant-count
	Chat        *domain.ChatMessage
	Err         error // relay-reported error
}

// NegotiationSender is the part of the signaling client a peer session needs.
type NegotiationSender interface {
	SendNegotiation(ctx context.Context, msg domain.NegotiationMessage) error
}

type SignalingClient interface {
	NegotiationSender

	// Connect dials the relay and joins the stream room. It gives up after
	// the configured connect ceiling with domain.ErrSignalingUnreachable.
	Connect(ctx context.Context, streamID domain.StreamID, role domain.Role) error
	Send(ctx context.Context, eventType EventType, to domain.PartyID, payload any) error
	// On registers a handler; handlers run on the client's delivery goroutine in arrival order.
	On(eventType EventType, handler func(Event))
	OnStateChange(handler func(domain.SignalingState))
	// Errors carries transport failures that did not end the session.
	Errors() <-chan error
	State() domain.SignalingState
	LocalID() domain.PartyID
	Disconnect() error
}
