package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"proctorcall/internal/logging"
	"proctorcall/internal/ports"
)

// MalgoCapture records the default input device through miniaudio, for
// machines without ffmpeg.
type MalgoCapture struct {
	logger *zap.SugaredLogger
}

func NewMalgoCapture(logger *zap.SugaredLogger) *MalgoCapture {
	return &MalgoCapture{logger: logging.OrNop(logger)}
}

func (c *MalgoCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withCaptureDefaults(cfg)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	// two seconds of backlog
	queue := newPCMQueue(cfg.SampleRate * cfg.Channels * 2 * 2)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			_, _ = queue.Write(input)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	session := &malgoSession{queue: queue, device: device, mctx: mctx}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				_ = session.Stop()
			case <-queue.closedCh():
			}
		}()
	}

	c.logger.Infow("microphone capture started", "backend", "malgo", "sample_rate", cfg.SampleRate)
	return session, nil
}

type malgoSession struct {
	queue  *pcmQueue
	device *malgo.Device
	mctx   *malgo.AllocatedContext

	stopOnce sync.Once
}

func (s *malgoSession) Read(p []byte) (int, error) {
	return s.queue.Read(p)
}

func (s *malgoSession) Close() error {
	return s.Stop()
}

func (s *malgoSession) Stop() error {
	s.stopOnce.Do(func() {
		s.device.Uninit()
		_ = s.mctx.Uninit()
		s.mctx.Free()
		s.queue.Close()
	})
	return nil
}
