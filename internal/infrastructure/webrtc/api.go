package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"livestage/pkg/retry"
)

// Config configures peer sessions.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	GatherTimeout   time.Duration
	DisconnectGrace time.Duration
	TrickleICE      bool
	StatsInterval   time.Duration
	// Reconnect paces connection rebuilds; MaxAttempts bounds them.
	Reconnect retry.Config
}

func DefaultConfig() Config {
	cfg := Config{
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		GatherTimeout:   5 * time.Second,
		DisconnectGrace: 5 * time.Second,
		StatsInterval:   2 * time.Second,
		Reconnect:       retry.ReconnectConfig(),
	}
	return cfg
}

// NewAPI builds the pion API shared by every peer connection: default
// codecs, the default interceptor chain (NACK, RTCP reports, stats) and the
// configured UDP port range.
func NewAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
