package services

import (
	"sync"
	"time"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// Session is the in-memory state of one started stream: the local capture,
// the peer sessions keyed by remote party, and the sinks consuming the
// capture.
type Session struct {
	StreamID  domain.StreamID
	Role      domain.Role
	LocalID   domain.PartyID
	StartedAt time.Time

	mu          sync.Mutex
	local       *domain.LocalStream
	peers       map[domain.PartyID]ports.PeerSession
	sinks       []ports.MediaSink
	lockCleared bool
	hadVideo    bool
	hadAudio    bool
}

func NewSession(streamID domain.StreamID, role domain.Role, localID domain.PartyID) *Session {
	return &Session{
		StreamID:  streamID,
		Role:      role,
		LocalID:   localID,
		StartedAt: time.Now(),
		peers:     make(map[domain.PartyID]ports.PeerSession),
	}
}

func (s *Session) SetLocal(stream *domain.LocalStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = stream
	if len(stream.VideoTracks()) > 0 {
		s.hadVideo = true
	}
	if len(stream.AudioTracks()) > 0 {
		s.hadAudio = true
	}
}

func (s *Session) Local() *domain.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) AttachSink(sink ports.MediaSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// TakeSinks returns the attached sinks and forgets them.
func (s *Session) TakeSinks() []ports.MediaSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	sinks := s.sinks
	s.sinks = nil
	return sinks
}

func (s *Session) Peer(party domain.PartyID) (ports.PeerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[party]
	return p, ok
}

func (s *Session) PutPeer(party domain.PartyID, peer ports.PeerSession) {
	s.mu.Lock()
	s.peers[party] = peer
	s.mu.Unlock()
}

func (s *Session) RemovePeer(party domain.PartyID) (ports.PeerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[party]
	delete(s.peers, party)
	return p, ok
}

// TakePeers returns every peer session and empties the map.
func (s *Session) TakePeers() []ports.PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.PeerSession, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.peers = make(map[domain.PartyID]ports.PeerSession)
	return out
}

func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// claimLockRelease reports the captured kinds the first time it is called
// after a capture, and ok=false afterwards.
func (s *Session) claimLockRelease() (req domain.MediaRequest, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockCleared || (!s.hadVideo && !s.hadAudio) {
		return req, false
	}
	s.lockCleared = true
	return domain.MediaRequest{Video: s.hadVideo, Audio: s.hadAudio}, true
}
