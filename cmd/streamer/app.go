package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/internal/core/services"
	"livestage/internal/infrastructure/api"
	"livestage/internal/infrastructure/media/devices"
	"livestage/internal/infrastructure/media/synthetic"
	"livestage/internal/infrastructure/monitoring"
	"livestage/internal/infrastructure/signal"
	"livestage/internal/infrastructure/webrtc"
	"livestage/pkg/config"
	"livestage/pkg/retry"
	"livestage/pkg/tracing"
)

const defaultVideoBitrate = 2_000_000

// app is everything one streamer process needs to run a session.
type app struct {
	cfg          *config.Config
	log          *zap.SugaredLogger
	provider     ports.CapabilityProvider
	probe        *services.MediaCapabilityProbe
	signaling    *signal.Client
	streams      *api.StreamClient
	orchestrator *services.StreamSessionOrchestrator
	metrics      *monitoring.PrometheusCollector

	metricsSrv *http.Server
	tracer     *tracing.TracerProvider
}

func newProvider(cfg *config.Config, log *zap.SugaredLogger) (ports.CapabilityProvider, error) {
	switch cfg.Media.Provider {
	case "synthetic":
		opts := synthetic.DefaultOptions()
		if cfg.Media.Profile != "" {
			opts.Profile = domain.RuntimeProfile(cfg.Media.Profile)
		}
		faults, err := synthetic.ParseFaults(faultSpec)
		if err != nil {
			return nil, err
		}
		opts.Faults = faults
		return synthetic.NewProvider(opts, log.With("provider", "synthetic")), nil
	case "", "devices":
		if faultSpec != "" {
			return nil, errors.New("--fault requires the synthetic provider")
		}
		return devices.NewProvider(defaultVideoBitrate, log.With("provider", "devices")), nil
	}
	return nil, fmt.Errorf("unknown media provider %q", cfg.Media.Provider)
}

func signalingConfig(cfg *config.Config) signal.ClientConfig {
	sc := signal.DefaultClientConfig()
	sc.URL = cfg.Signaling.URL
	sc.PollURL = cfg.Signaling.PollURL
	sc.Transports = cfg.Signaling.Transports
	sc.ConnectTimeout = cfg.Signaling.ConnectTimeout
	sc.MaxConnectAttempts = cfg.Signaling.MaxConnectAttempts
	sc.MaxReconnectAttempts = cfg.Signaling.MaxReconnectAttempts
	sc.Backoff.InitialDelay = cfg.Signaling.InitialBackoff
	sc.Backoff.MaxDelay = cfg.Signaling.MaxBackoff
	sc.PingInterval = cfg.Signaling.PingInterval
	sc.WriteTimeout = cfg.Signaling.WriteTimeout
	return sc
}

func peerConfig(cfg *config.Config) webrtc.Config {
	pc := webrtc.DefaultConfig()
	pc.ICEServers = pc.ICEServers[:0]
	for _, s := range cfg.WebRTC.ICEServers {
		pc.ICEServers = append(pc.ICEServers, pionwebrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc.PortRange.Min = cfg.WebRTC.PortRange.Min
	pc.PortRange.Max = cfg.WebRTC.PortRange.Max
	pc.GatherTimeout = cfg.WebRTC.GatherTimeout
	pc.DisconnectGrace = cfg.WebRTC.DisconnectGrace
	pc.TrickleICE = cfg.WebRTC.TrickleICE
	pc.StatsInterval = cfg.Quality.StatsInterval
	pc.Reconnect = retry.Config{
		Enabled:      true,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		InitialDelay: cfg.Reconnect.BaseDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   2,
	}
	return pc
}

func newApp(cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livestage-streamer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	provider, err := newProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	initial, err := domain.ParseQualityTier(cfg.Quality.InitialTier)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, provider: provider, tracer: tp}
	a.metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	quality := services.NewAdaptiveQualityService(
		services.NewQualityService(services.QualityThresholds{
			HighLossRatio:      cfg.Quality.HighLossRatio,
			LowLossRatio:       cfg.Quality.LowLossRatio,
			LowBitrateFloor:    cfg.Quality.LowBitrateFloor,
			HighBitrateCeiling: cfg.Quality.HighBitrateCeiling,
		}),
		initial, a.metrics, log.With("service", "quality"),
	)
	quality.SetMinTimeBetweenSwitches(cfg.Quality.MinSwitchInterval)

	peers, err := webrtc.NewFactory(peerConfig(cfg), quality, a.metrics, log.With("service", "peer"))
	if err != nil {
		return nil, err
	}

	a.probe = services.NewMediaCapabilityProbe(provider, log.With("service", "probe"))
	acquisition := services.NewMediaAcquisition(provider, nil, services.AcquisitionConfig{
		Options:     services.CascadeOptions{AudioRetryDelay: cfg.Media.AudioRetryDelay},
		StepTimeout: cfg.Media.StepTimeout,
	}, a.metrics, log.With("service", "acquisition"))

	a.signaling = signal.NewClient(signalingConfig(cfg), log.With("service", "signaling"))

	apiCfg := api.DefaultClientConfig(cfg.API.BaseURL)
	apiCfg.Timeout = cfg.API.Timeout
	a.streams = api.NewStreamClient(apiCfg, log.With("service", "stream-api"))

	a.orchestrator = services.NewStreamSessionOrchestrator(services.OrchestratorDeps{
		Probe:       a.probe,
		Acquisition: acquisition,
		Guard:       services.NewResourceReleaseGuard(acquisition, log.With("service", "release")),
		Quality:     quality,
		Signaling:   a.signaling,
		Peers:       peers,
		Metadata:    a.streams,
		Metrics:     a.metrics,
	}, log.With("service", "orchestrator"))

	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: cfg.Monitoring.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}
	return a, nil
}

// events logs every session notification.
func (a *app) events() services.SessionEvents {
	return services.SessionEvents{
		OnLocalStream: func(stream *domain.LocalStream, warning *domain.AcquisitionWarning) {
			if stream == nil {
				return
			}
			if warning != nil {
				a.log.Warnw("local media acquired with warning", "stream", stream.ID(), "reason", warning.Reason, "error", warning.Error())
				return
			}
			a.log.Infow("local media acquired", "stream", stream.ID())
		},
		OnRemoteStream: func(stream domain.RemoteStream) {
			for _, t := range stream.Tracks {
				a.log.Infow("receiving track", "party_id", stream.PartyID, "kind", t.Kind, "codec", t.Codec)
			}
		},
		OnConnectionState: func(party domain.PartyID, state domain.ConnectionState) {
			a.log.Infow("peer connection state", "party_id", party, "state", state)
		},
		OnSignalingState: func(state domain.SignalingState) {
			a.log.Infow("signaling state", "state", state)
		},
		OnMetrics: func(m domain.StreamMetrics) {
			a.log.Debugw("stream metrics",
				"party_id", m.PartyID,
				"tier", m.Tier.String(),
				"video_bps", m.Video.Bitrate,
				"loss_ratio", m.LossRatio,
				"rtt", m.Connection.RTT,
			)
		},
		OnViewerCount: func(count int) {
			a.log.Infow("participants", "count", count)
		},
		OnChatMessage: func(msg domain.ChatMessage) {
			a.log.Infow("chat", "from", msg.From, "text", msg.Text)
		},
		OnStreamInfo: func(stream *domain.Stream) {
			a.log.Infow("stream info", "title", stream.Title, "host_id", stream.HostID, "live", stream.IsLive)
		},
		OnError: func(err *domain.SessionError) {
			a.log.Errorw("session error", "kind", err.Kind, "party_id", err.PartyID, "terminal", err.Terminal, "error", err.Err)
		},
	}
}

// run starts a session and holds it until ctx is done.
func (a *app) run(ctx context.Context, streamID domain.StreamID, role domain.Role) error {
	if err := a.orchestrator.Start(ctx, streamID, role, a.events()); err != nil {
		return err
	}
	a.log.Infow("session started", "stream_id", streamID, "role", role, "party_id", a.signaling.LocalID())

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.orchestrator.Stop(stopCtx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warnw("failed to flush traces", "error", err)
	}
}
