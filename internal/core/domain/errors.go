package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNoDeviceFound        = errors.New("no capture device found")
	ErrDeviceBusy           = errors.New("device busy")
	ErrUnsupportedRuntime   = errors.New("media capture unsupported")
	ErrSignalingUnreachable = errors.New("signaling unreachable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrConnectionLost       = errors.New("connection lost")

	ErrPeerUnavailable        = errors.New("peer connection unavailable")
	ErrUnexpectedAnswer       = errors.New("answer without pending offer")
	ErrSessionClosed          = errors.New("session closed")
	ErrSessionActive          = errors.New("session already started")
	ErrMalformedMessage       = errors.New("malformed signaling message")
	ErrNotConnected           = errors.New("signaling not connected")
	ErrStreamNotFound         = errors.New("stream not found")
	ErrPermissionsUnavailable = errors.New("permissions query unavailable")
)

// ErrorKind is the category surfaced to the application layer.
type ErrorKind string

const (
	KindPermissionDenied     ErrorKind = "permission-denied"
	KindNoDeviceFound        ErrorKind = "no-device"
	KindDeviceBusy           ErrorKind = "device-busy"
	KindUnsupportedRuntime   ErrorKind = "unsupported-runtime"
	KindSignalingUnreachable ErrorKind = "signaling-unreachable"
	KindNegotiationFailed    ErrorKind = "negotiation-failed"
	KindConnectionLost       ErrorKind = "connection-lost"
)

var kindSentinels = map[ErrorKind]error{
	KindPermissionDenied:     ErrPermissionDenied,
	KindNoDeviceFound:        ErrNoDeviceFound,
	KindDeviceBusy:           ErrDeviceBusy,
	KindUnsupportedRuntime:   ErrUnsupportedRuntime,
	KindSignalingUnreachable: ErrSignalingUnreachable,
	KindNegotiationFailed:    ErrNegotiationFailed,
	KindConnectionLost:       ErrConnectionLost,
}

// Sentinel returns the package error matching k.
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}

// Recoverable kinds are retried internally and only surfaced once retries run out.
func (k ErrorKind) Recoverable() bool {
	return k == KindConnectionLost || k == KindSignalingUnreachable
}

// RequiresUser kinds need user action and are reported once, immediately.
func (k ErrorKind) RequiresUser() bool {
	switch k {
	case KindPermissionDenied, KindNoDeviceFound, KindDeviceBusy, KindUnsupportedRuntime:
		return true
	}
	return false
}

// KindOf classifies err against the taxonomy sentinels.
func KindOf(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	for _, k := range []ErrorKind{
		KindPermissionDenied, KindDeviceBusy, KindNoDeviceFound, KindUnsupportedRuntime,
		KindSignalingUnreachable, KindNegotiationFailed, KindConnectionLost,
	} {
		if errors.Is(err, kindSentinels[k]) {
			return k, true
		}
	}
	return "", false
}

// SessionError is the error value carried by the session's error event.
type SessionError struct {
	Kind     ErrorKind
	PartyID  PartyID
	Terminal bool
	Err      error
}

func NewSessionError(kind ErrorKind, party PartyID, err error) *SessionError {
	return &SessionError{Kind: kind, PartyID: party, Err: err}
}

func (e *SessionError) Error() string {
	msg := string(e.Kind)
	if e.PartyID != "" {
		msg = fmt.Sprintf("%s (party %s)", msg, e.PartyID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNegotiationFailed) match by kind.
func (e *SessionError) Is(target error) bool {
	return target != nil && target == e.Kind.Sentinel()
}
