package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"proctorcall/internal/attention"
	"proctorcall/internal/audio"
	"proctorcall/internal/config"
	"proctorcall/internal/domain"
	"proctorcall/internal/logging"
	"proctorcall/internal/metrics"
	"proctorcall/internal/ports"
	"proctorcall/internal/providers/awsstore"
	"proctorcall/internal/providers/localstore"
	"proctorcall/internal/providers/openai"
	"proctorcall/internal/realtime"
	"proctorcall/internal/redact"
	"proctorcall/internal/usecase"
	"proctorcall/internal/vision"
)

// Services is the assembled runtime graph.
type Services struct {
	Coordinator *usecase.SessionCoordinator
	Config      config.Config
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger

	// MetricsAddr is the bound metrics listener, empty when disabled.
	MetricsAddr string

	closers []func()
}

// Close stops the coordinator and releases devices and listeners. Safe to
// call on a zero Services.
func (s Services) Close() {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	if s.Logger != nil {
		_ = s.Logger.Sync()
	}
}

// Build wires all backend dependencies for the current runtime. A nil
// logger is built from the loaded log config.
func Build(events ports.EventSink, surface ports.VideoSurface, logger *zap.SugaredLogger) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	if logger == nil {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return Services{}, err
		}
	}

	redactor, err := redact.New(redact.Options{RulesFile: cfg.Redaction.Path, Rules: cfg.Redaction.Rules})
	if err != nil {
		return Services{}, err
	}

	m := metrics.New("proctorcall")
	services := Services{Config: cfg, Metrics: m, Logger: logger}

	var playback ports.AudioPlayback
	if cfg.Audio.Playback {
		speaker := audio.NewOtoPlayback(cfg.Audio.SampleRate, cfg.Audio.Channels, logger)
		playback = speaker
		services.closers = append(services.closers, func() { _ = speaker.Close() })
	}

	openaiCfg := openai.Config{
		APIKey:       cfg.OpenAI.APIKey,
		APIBaseURL:   cfg.OpenAI.APIBaseURL,
		Model:        cfg.OpenAI.Model,
		Voice:        cfg.OpenAI.Voice,
		Instructions: cfg.OpenAI.Instructions,
	}
	channel := realtime.NewChannel(
		openai.NewSessionIssuer(openaiCfg),
		openai.NewTransportFactory(openaiCfg, cfg.Audio.ChunkSize, logger),
		newCapture(cfg.Audio, logger),
		playback,
		logger,
		m,
		realtime.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			TranscriptionModel: cfg.OpenAI.TranscriptionModel,
			Instructions:       cfg.OpenAI.Instructions,
		},
	)

	monitor := attention.NewMonitor(newEstimator(cfg.Attention.Estimator), attention.MonitorConfig{
		Viewport:      domain.Viewport{Width: cfg.Attention.ViewportWidth, Height: cfg.Attention.ViewportHeight},
		Margin:        cfg.Attention.Margin,
		MaxYaw:        cfg.Attention.MaxYaw,
		MaxPitch:      cfg.Attention.MaxPitch,
		AwayThreshold: cfg.Attention.AwayThreshold,
	}, logger)
	tracker := attention.NewTracker(
		vision.NewProcessSource(cfg.Attention.TrackerCommand, cfg.Attention.TrackerArgs, logger),
		surface,
		monitor,
		cfg.Attention.SampleInterval,
		logger,
		m,
	)

	store, results, err := newPersistence(cfg.Storage, logger)
	if err != nil {
		services.Close()
		return Services{}, err
	}

	services.Coordinator = usecase.NewSessionCoordinator(
		channel,
		tracker,
		store,
		results,
		redactor,
		events,
		logger,
		m,
		usecase.Config{
			Budget:          cfg.Session.Budget,
			ViolationLimit:  cfg.Session.ViolationLimit,
			SettleDelay:     cfg.Session.SettleDelay,
			OpeningMessage:  cfg.Session.OpeningMessage,
			ResultsAttempts: cfg.Session.ResultsAttempts,
			ResultsInterval: cfg.Session.ResultsInterval,
			Model:           cfg.OpenAI.Model,
		},
	)

	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		bound, shutdown, err := serveMetrics(addr, m, logger)
		if err != nil {
			services.Close()
			return Services{}, err
		}
		services.MetricsAddr = bound
		services.closers = append(services.closers, shutdown)
	}

	logger.Infow("services ready",
		"model", cfg.OpenAI.Model,
		"estimator", cfg.Attention.Estimator,
		"audio_backend", cfg.Audio.Backend,
		"redaction_rules", redactor.Len(),
	)
	return services, nil
}

func newCapture(cfg config.AudioConfig, logger *zap.SugaredLogger) ports.AudioCapture {
	if cfg.Backend == config.AudioBackendMalgo {
		return audio.NewMalgoCapture(logger)
	}
	return audio.NewFFMPEGCapture(cfg.RecorderCommand, logger)
}

func newEstimator(name string) attention.Estimator {
	if name == config.EstimatorHeadPose {
		return attention.NewHeadPoseEstimator()
	}
	return attention.NewCalibratedGazeEstimator(attention.DefaultCalibrationPoints)
}

// newPersistence uploads to S3 when a bucket is configured and falls back to
// the local transcript directory otherwise. Results need a table.
func newPersistence(cfg config.StorageConfig, logger *zap.SugaredLogger) (ports.TranscriptStore, ports.ResultsSource, error) {
	var (
		store   ports.TranscriptStore
		results ports.ResultsSource
	)

	if strings.TrimSpace(cfg.Bucket) != "" || strings.TrimSpace(cfg.Table) != "" {
		s3Store, insights, err := awsstore.New(awsstore.Config{Region: cfg.Region, Bucket: cfg.Bucket, Table: cfg.Table})
		if err != nil {
			return nil, nil, err
		}
		if s3Store != nil {
			store = s3Store
		}
		if insights != nil {
			results = insights
		}
	}

	if store == nil && strings.TrimSpace(cfg.TranscriptDir) != "" {
		local, err := localstore.NewTranscriptStore(cfg.TranscriptDir)
		if err != nil {
			return nil, nil, err
		}
		store = local
		logger.Infow("saving transcripts locally", "dir", cfg.TranscriptDir)
	}
	return store, results, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.SugaredLogger) (string, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()
	logger.Infow("serving metrics", "addr", listener.Addr().String())

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	return listener.Addr().String(), shutdown, nil
}
