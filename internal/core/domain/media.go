package domain

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// MediaTrack is one captured track. Once stopped it stays ended; a new
// track has to be acquired.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Live() bool
	Stop() error
	// ApplyConstraints reshapes a live video track in place.
	ApplyConstraints(c VideoConstraints) error
	Settings() VideoConstraints
	// Local is the handle attached to peer connection senders.
	Local() webrtc.TrackLocal
}

// LocalStream groups the tracks of one acquisition.
type LocalStream struct {
	id     string
	tracks []MediaTrack
}

func NewLocalStream(id string, tracks ...MediaTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

// EmptyStream is the explicit "nothing captured" result.
func EmptyStream() *LocalStream {
	return &LocalStream{}
}

func (s *LocalStream) ID() string {
	return s.id
}

func (s *LocalStream) Tracks() []MediaTrack {
	if s == nil {
		return nil
	}
	out := make([]MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) VideoTracks() []MediaTrack {
	return s.byKind(TrackKindVideo)
}

func (s *LocalStream) AudioTracks() []MediaTrack {
	return s.byKind(TrackKindAudio)
}

func (s *LocalStream) byKind(kind TrackKind) []MediaTrack {
	if s == nil {
		return nil
	}
	var out []MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) Empty() bool {
	return s == nil || len(s.tracks) == 0
}

// Active reports whether any track is still live.
func (s *LocalStream) Active() bool {
	if s == nil {
		return false
	}
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

// LiveTracks counts tracks that have not ended.
func (s *LocalStream) LiveTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Live() {
			n++
		}
	}
	return n
}

type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
	Codec    string    `json:"codec"`
}

// RemoteStream is what one remote party sends us.
type RemoteStream struct {
	PartyID PartyID       `json:"partyId"`
	Tracks  []RemoteTrack `json:"tracks"`
}

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

type Permissions struct {
	Camera     PermissionState `json:"camera"`
	Microphone PermissionState `json:"microphone"`
}

type DeviceAvailability struct {
	HasVideo bool `json:"hasVideo"`
	HasAudio bool `json:"hasAudio"`
}

type DeviceInfo struct {
	ID    string
	Label string
	Kind  TrackKind
}

// MediaRequest is one capture attempt. A nil Constraints with Video set
// means "any camera, default shape".
type MediaRequest struct {
	Video       bool
	Audio       bool
	Constraints *VideoConstraints
}

func (r MediaRequest) String() string {
	switch {
	case r.Video && r.Audio && r.Constraints != nil:
		return fmt.Sprintf("audio+video@%dx%d", r.Constraints.Width, r.Constraints.Height)
	case r.Video && r.Audio:
		return "audio+video"
	case r.Video:
		return "video-only"
	case r.Audio:
		return "audio-only"
	}
	return "none"
}

// RuntimeProfile selects the acquisition strategy for a capture runtime.
type RuntimeProfile string

const (
	ProfileChromium RuntimeProfile = "chromium"
	ProfileFirefox  RuntimeProfile = "firefox"
	ProfileSafari   RuntimeProfile = "safari"
	ProfileNative   RuntimeProfile = "native"
	ProfileGeneric  RuntimeProfile = "generic"
)

type WarningReason string

const (
	WarningNoCamera           WarningReason = "no-camera"
	WarningNoMicrophone       WarningReason = "no-microphone"
	WarningNoDevices          WarningReason = "no-devices"
	WarningPermissionDenied   WarningReason = "permission-denied"
	WarningDeviceBusy         WarningReason = "device-busy"
	WarningUnsupportedRuntime WarningReason = "unsupported-runtime"
)

// AcquisitionWarning describes what capture could not deliver.
type AcquisitionWarning struct {
	Reason WarningReason
	Kind   ErrorKind
	Err    error
}

func (w *AcquisitionWarning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("%s: %v", w.Reason, w.Err)
	}
	return string(w.Reason)
}

func (w *AcquisitionWarning) Unwrap() error {
	return w.Err
}
