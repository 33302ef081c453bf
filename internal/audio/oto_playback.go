package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"proctorcall/internal/logging"
)

var errPlaybackClosed = errors.New("playback is closed")

// OtoPlayback plays interviewer PCM through the default output device.
// The device is opened on the first Play so headless runs never touch it.
type OtoPlayback struct {
	sampleRate int
	channels   int
	logger     *zap.SugaredLogger

	initOnce sync.Once
	ctx      *oto.Context
	initErr  error

	mu     sync.Mutex
	queue  *pcmQueue
	player *oto.Player
	closed bool
}

func NewOtoPlayback(sampleRate int, channels int, logger *zap.SugaredLogger) *OtoPlayback {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &OtoPlayback{sampleRate: sampleRate, channels: channels, logger: logging.OrNop(logger)}
}

func (p *OtoPlayback) open() error {
	p.initOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   p.sampleRate,
			ChannelCount: p.channels,
			Format:       oto.FormatSignedInt16LE,
			// 100ms at 24kHz mono
			BufferSize: 4800,
		})
		if err != nil {
			p.initErr = fmt.Errorf("failed to open speaker: %w", err)
			return
		}
		<-ready
		p.ctx = ctx
	})
	return p.initErr
}

func (p *OtoPlayback) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPlaybackClosed
	}
	if err := p.open(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPlaybackClosed
	}
	if p.player == nil {
		p.queue = newPCMQueue(0)
		p.player = p.ctx.NewPlayer(p.queue)
		p.player.Play()
	}
	_, err := p.queue.Write(pcm)
	return err
}

// Flush drops queued audio and stops the current player.
func (p *OtoPlayback) Flush() {
	p.mu.Lock()
	player, queue := p.player, p.queue
	p.player, p.queue = nil, nil
	p.mu.Unlock()

	if player == nil {
		return
	}
	queue.Discard()
	queue.Close()
	player.Pause()
	if err := player.Close(); err != nil {
		p.logger.Debugw("failed to close audio player", "error", err)
	}
}

func (p *OtoPlayback) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Flush()
	return nil
}
