package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ResourceReleaseGuard is the only component that stops tracks of an active
// session. ReleaseAll may be called any number of times.
type ResourceReleaseGuard struct {
	acquisition *MediaAcquisition
	logger      *zap.SugaredLogger
}

func NewResourceReleaseGuard(acquisition *MediaAcquisition, logger *zap.SugaredLogger) *ResourceReleaseGuard {
	return &ResourceReleaseGuard{acquisition: acquisition, logger: logger}
}

// ReleaseAll stops the local capture, detaches sinks, tears down every peer
// and, on runtimes that keep the device locked, runs one acquire-and-stop
// cycle. Every step is best effort.
func (g *ResourceReleaseGuard) ReleaseAll(ctx context.Context, s *Session) {
	if s == nil {
		return
	}

	local := s.Local()
	for _, track := range local.Tracks() {
		g.step("disable_track", func() { track.SetEnabled(false) })
	}
	for _, track := range local.Tracks() {
		g.step("stop_track", func() {
			if err := track.Stop(); err != nil {
				g.logger.Warnw("failed to stop track", "track_id", track.ID(), "error", err)
			}
		})
	}

	for _, sink := range s.TakeSinks() {
		g.step("detach_sink", sink.Detach)
	}

	for _, peer := range s.TakePeers() {
		g.step("teardown_peer", func() {
			if err := peer.Teardown(); err != nil {
				g.logger.Warnw("failed to tear down peer",
					"stream_id", s.StreamID,
					"party_id", peer.RemoteID(),
					"error", err,
				)
			}
		})
	}

	if g.acquisition != nil && g.acquisition.Strategy().HoldsDeviceLock {
		if req, ok := s.claimLockRelease(); ok {
			g.step("force_release", func() { g.acquisition.ForceRelease(ctx, req) })
		}
	}

	g.logger.Debugw("session resources released", "stream_id", s.StreamID)
}

func (g *ResourceReleaseGuard) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorw("release step panicked", "step", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
