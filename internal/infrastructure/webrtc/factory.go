package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"livestage/internal/core/ports"
)

// Factory builds pion-backed peer sessions that share one API instance.
type Factory struct {
	api     *webrtc.API
	cfg     Config
	quality ports.QualityController
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

var _ ports.PeerSessionFactory = (*Factory)(nil)

func NewFactory(
	cfg Config,
	quality ports.QualityController,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) (*Factory, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &Factory{
		api:     api,
		cfg:     cfg,
		quality: quality,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (f *Factory) NewPeerSession(params ports.PeerSessionParams) (ports.PeerSession, error) {
	if params.RemoteID == "" {
		return nil, fmt.Errorf("remote party is required")
	}
	if !params.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", params.Role)
	}
	return newPeerSession(params, f.api, f.cfg, f.quality, f.metrics, f.logger), nil
}
