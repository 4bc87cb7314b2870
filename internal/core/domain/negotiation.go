package domain

import "github.com/pion/webrtc/v4"

type NegotiationType string

const (
	NegotiationOffer       NegotiationType = "offer"
	NegotiationAnswer      NegotiationType = "answer"
	NegotiationCandidate   NegotiationType = "ice-candidate"
	NegotiationRenegotiate NegotiationType = "renegotiate"
)

// Route addresses a negotiation message. An empty To means every other
// party in the room.
type Route struct {
	StreamID StreamID
	From     PartyID
	To       PartyID
}

// NegotiationMessage is the closed set of offer, answer, candidate and
// renegotiate messages. Only this package can add variants.
type NegotiationMessage interface {
	Type() NegotiationType
	Routing() Route
	isNegotiation()
}

type Offer struct {
	Route
	Description webrtc.SessionDescription
}

type Answer struct {
	Route
	Description webrtc.SessionDescription
}

type Candidate struct {
	Route
	Candidate webrtc.ICECandidateInit
}

// RenegotiateRequest asks the offering side to rebuild and offer again.
type RenegotiateRequest struct {
	Route
}

func (Offer) Type() NegotiationType              { return NegotiationOffer }
func (Answer) Type() NegotiationType             { return NegotiationAnswer }
func (Candidate) Type() NegotiationType          { return NegotiationCandidate }
func (RenegotiateRequest) Type() NegotiationType { return NegotiationRenegotiate }

func (m Offer) Routing() Route              { return m.Route }
func (m Answer) Routing() Route             { return m.Route }
func (m Candidate) Routing() Route          { return m.Route }
func (m RenegotiateRequest) Routing() Route { return m.Route }

func (Offer) isNegotiation()              {}
func (Answer) isNegotiation()             {}
func (Candidate) isNegotiation()          {}
func (RenegotiateRequest) isNegotiation() {}
