package domain

import (
	"fmt"
	"time"
)

type StreamID string
type PartyID string

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleViewer
}

// Stream is the metadata record kept by the stream API.
type Stream struct {
	ID        StreamID  `json:"id"`
	Title     string    `json:"title"`
	HostID    PartyID   `json:"hostId"`
	IsLive    bool      `json:"isLive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant is a member of a relay room.
type Participant struct {
	ID       PartyID   `json:"id"`
	StreamID StreamID  `json:"streamId"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
}

type QualityTier int

const (
	QualityLow QualityTier = iota
	QualityMedium
	QualityHigh
)

// VideoConstraints is the ideal capture shape for a tier.
type VideoConstraints struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
}

var tierConstraints = map[QualityTier]VideoConstraints{
	QualityLow:    {Width: 640, Height: 360, FrameRate: 15},
	QualityMedium: {Width: 1280, Height: 720, FrameRate: 30},
	QualityHigh:   {Width: 1920, Height: 1080, FrameRate: 30},
}

func (q QualityTier) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	}
	return fmt.Sprintf("tier(%d)", int(q))
}

func (q QualityTier) Constraints() VideoConstraints {
	return tierConstraints[q]
}

// Lower returns the next tier down, or q itself at the bottom.
func (q QualityTier) Lower() QualityTier {
	if q <= QualityLow {
		return QualityLow
	}
	return q - 1
}

// Higher returns the next tier up, or q itself at the top.
func (q QualityTier) Higher() QualityTier {
	if q >= QualityHigh {
		return QualityHigh
	}
	return q + 1
}

func ParseQualityTier(s string) (QualityTier, error) {
	switch s {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	}
	return QualityLow, fmt.Errorf("unknown quality tier %q", s)
}

// StreamStats summarises a relay room.
type StreamStats struct {
	StreamID    StreamID      `json:"streamId"`
	IsLive      bool          `json:"isLive"`
	HostPresent bool          `json:"hostPresent"`
	Viewers     int           `json:"viewers"`
	LiveFor     time.Duration `json:"liveFor"`
}
