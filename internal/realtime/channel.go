package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/logging"
	"proctorcall/internal/metrics"
	"proctorcall/internal/ports"
)

var (
	ErrChannelClosed = errors.New("realtime channel is closed")
	ErrNotOpen       = errors.New("realtime channel is not open")
)

// Listener receives channel notifications. Calls are made without holding
// channel locks and may come from transport goroutines.
type Listener interface {
	ConnectionChanged(state domain.ConnectionState)
	ActivityChanged(activity domain.Activity)
	EntryAppended(entry domain.TranscriptEntry)
	InterviewerDelta(delta string)
	ChannelWarning(code domain.ErrorCode, detail string)
}

type nopListener struct{}

func (nopListener) ConnectionChanged(domain.ConnectionState) {}
func (nopListener) ActivityChanged(domain.Activity)          {}
func (nopListener) EntryAppended(domain.TranscriptEntry)     {}
func (nopListener) InterviewerDelta(string)                  {}
func (nopListener) ChannelWarning(domain.ErrorCode, string)  {}

// Config controls the conversation session.
type Config struct {
	Audio              ports.AudioConfig
	TranscriptionModel string
	Instructions       string
}

// Channel owns the realtime audio session and reconstructs its transcript.
type Channel struct {
	issuer     ports.CredentialIssuer
	transports ports.TransportFactory
	capture    ports.AudioCapture
	playback   ports.AudioPlayback
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	cfg        Config
	transcript *TranscriptAssembler

	mu         sync.Mutex
	listener   Listener
	gen        uint64
	state      domain.ConnectionState
	activity   domain.Activity
	conn       ports.RealtimeTransport
	mic        ports.AudioSession
	micEnabled bool
}

func NewChannel(
	issuer ports.CredentialIssuer,
	transports ports.TransportFactory,
	capture ports.AudioCapture,
	playback ports.AudioPlayback,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
	cfg Config,
) *Channel {
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	return &Channel{
		issuer:     issuer,
		transports: transports,
		capture:    capture,
		playback:   playback,
		logger:     logging.OrNop(logger),
		metrics:    m,
		cfg:        cfg,
		transcript: NewTranscriptAssembler(nil),
		listener:   nopListener{},
		state:      domain.ConnectionState{Phase: domain.ConnectionIdle},
		activity:   domain.ActivityListening,
		micEnabled: true,
	}
}

func (c *Channel) SetListener(listener Listener) {
	if listener == nil {
		listener = nopListener{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = listener
}

// Start connects the channel. It is a no-op while connecting or open and
// fails with ErrChannelClosed after Stop until Reset is called.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Phase {
	case domain.ConnectionConnecting, domain.ConnectionOpen:
		c.mu.Unlock()
		return nil
	case domain.ConnectionClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.gen++
	gen := c.gen
	c.state = domain.ConnectionState{Phase: domain.ConnectionConnecting}
	state := c.state
	listener := c.listener
	micEnabled := c.micEnabled
	c.mu.Unlock()
	listener.ConnectionChanged(state)

	cred, err := c.issuer.Issue(ctx)
	if err != nil {
		return c.failStart(gen, "credential", nil, nil, fmt.Errorf("failed to obtain realtime credential: %w", err))
	}

	transport, err := c.transports.NewTransport()
	if err != nil {
		return c.failStart(gen, "transport", nil, nil, fmt.Errorf("failed to create realtime transport: %w", err))
	}

	mic, err := c.capture.Start(ctx, c.cfg.Audio)
	if err != nil {
		return c.failStart(gen, "microphone", transport, nil, fmt.Errorf("failed to start microphone: %w", err))
	}
	if err := transport.AttachAudio(mic); err != nil {
		return c.failStart(gen, "microphone", transport, mic, fmt.Errorf("failed to attach microphone: %w", err))
	}
	transport.SetAudioEnabled(micEnabled)

	if err := transport.OpenControl(c.handlers(gen)); err != nil {
		return c.failStart(gen, "control", transport, mic, fmt.Errorf("failed to open control stream: %w", err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = transport.Close()
		_ = mic.Stop()
		return ErrChannelClosed
	}
	c.conn = transport
	c.mic = mic
	c.mu.Unlock()

	if err := transport.Handshake(ctx, cred); err != nil {
		return c.failStart(gen, "handshake", transport, mic, fmt.Errorf("realtime handshake failed: %w", err))
	}

	c.logger.Infow("realtime handshake complete", "model", cred.Model)
	return nil
}

func (c *Channel) failStart(gen uint64, stage string, transport ports.RealtimeTransport, mic ports.AudioSession, err error) error {
	if transport != nil {
		_ = transport.Close()
	}
	if mic != nil {
		_ = mic.Stop()
	}

	c.metrics.RecordConnectionFailure(stage)
	c.logger.Errorw("realtime connection failed", "stage", stage, "error", err)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return err
	}
	c.conn = nil
	c.mic = nil
	c.state = domain.ConnectionState{Phase: domain.ConnectionIdle}
	state := c.state
	listener := c.listener
	c.mu.Unlock()

	listener.ConnectionChanged(state)
	return err
}

func (c *Channel) handlers(gen uint64) ports.TransportHandlers {
	return ports.TransportHandlers{
		OnOpen: func() { c.onOpen(gen) },
		OnMessage: func(payload []byte) {
			if c.current(gen) {
				c.handleMessage(payload)
			}
		},
		OnRemoteAudio: func(pcm []byte) {
			if !c.current(gen) || c.playback == nil {
				return
			}
			if err := c.playback.Play(pcm); err != nil {
				c.logger.Debugw("failed to play interviewer audio", "error", err)
			}
		},
		OnClose: func(err error) { c.onClose(gen, err) },
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) onOpen(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state.Phase != domain.ConnectionConnecting {
		c.mu.Unlock()
		return
	}
	c.state = domain.ConnectionState{Phase: domain.ConnectionOpen, DataChannelReady: true}
	state := c.state
	conn := c.conn
	listener := c.listener
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendJSON(conn, newSessionUpdate(c.cfg.TranscriptionModel, c.cfg.Instructions)); err != nil {
			c.logger.Warnw("failed to configure realtime session", "error", err)
			listener.ChannelWarning(domain.ErrorCodeProtocol, err.Error())
		}
	}

	c.logger.Infow("realtime control stream open")
	listener.ConnectionChanged(state)
}

func (c *Channel) onClose(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state.Phase == domain.ConnectionClosed {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, mic := c.conn, c.mic
	c.conn, c.mic = nil, nil
	c.state = domain.ConnectionState{Phase: domain.ConnectionClosed}
	state := c.state
	listener := c.listener
	c.mu.Unlock()

	c.release(conn, mic)
	if cause != nil {
		c.logger.Warnw("realtime connection closed by remote", "error", cause)
		listener.ChannelWarning(domain.ErrorCodeConnection, cause.Error())
	} else {
		c.logger.Infow("realtime connection closed by remote")
	}
	listener.ConnectionChanged(state)
}

// Stop tears down the transport, microphone and control stream. It is safe
// to call from any state and any number of times.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.gen++
	conn, mic := c.conn, c.mic
	c.conn, c.mic = nil, nil
	changed := false
	if c.state.Phase != domain.ConnectionIdle && c.state.Phase != domain.ConnectionClosed {
		c.state = domain.ConnectionState{Phase: domain.ConnectionClosed}
		changed = true
	}
	state := c.state
	listener := c.listener
	c.mu.Unlock()

	c.release(conn, mic)
	if changed {
		c.logger.Infow("realtime channel stopped")
		listener.ConnectionChanged(state)
	}
}

func (c *Channel) release(conn ports.RealtimeTransport, mic ports.AudioSession) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debugw("failed to close realtime transport", "error", err)
		}
	}
	if mic != nil {
		if err := mic.Stop(); err != nil {
			c.logger.Debugw("failed to stop microphone", "error", err)
		}
	}
	if c.playback != nil {
		c.playback.Flush()
	}
}

// Reset stops the channel and returns it to idle with an empty transcript.
func (c *Channel) Reset() {
	c.Stop()
	c.transcript.Reset()

	c.mu.Lock()
	changed := c.state.Phase != domain.ConnectionIdle
	c.state = domain.ConnectionState{Phase: domain.ConnectionIdle}
	activityChanged := c.activity != domain.ActivityListening
	c.activity = domain.ActivityListening
	c.micEnabled = true
	listener := c.listener
	c.mu.Unlock()

	if changed {
		listener.ConnectionChanged(domain.ConnectionState{Phase: domain.ConnectionIdle})
	}
	if activityChanged {
		listener.ActivityChanged(domain.ActivityListening)
	}
}

// SetMicrophoneEnabled toggles the local track without touching the transport.
func (c *Channel) SetMicrophoneEnabled(enabled bool) {
	c.mu.Lock()
	c.micEnabled = enabled
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.SetAudioEnabled(enabled)
	}
}

// SendOpening injects a candidate message and asks the interviewer to reply.
func (c *Channel) SendOpening(text string) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state.Phase == domain.ConnectionOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	if err := c.sendJSON(conn, newCandidateMessage(text)); err != nil {
		return fmt.Errorf("failed to send opening message: %w", err)
	}
	if err := c.sendJSON(conn, responseCreate{Type: MessageResponseCreate}); err != nil {
		return fmt.Errorf("failed to request interviewer response: %w", err)
	}
	return nil
}

func (c *Channel) sendJSON(conn ports.RealtimeTransport, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Activity() domain.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

func (c *Channel) Entries() []domain.TranscriptEntry {
	return c.transcript.Entries()
}

// FreezeTranscript stops transcript capture. An unfinished interviewer draft
// is discarded; the return value reports whether one was.
func (c *Channel) FreezeTranscript() bool {
	dropped := c.transcript.Freeze()
	if dropped {
		c.logger.Infow("discarded unfinished interviewer draft at freeze")
	}
	return dropped
}

func (c *Channel) handleMessage(payload []byte) {
	event, err := decodeServerEvent(payload)
	if err != nil {
		c.metrics.RecordAnomaly("malformed_event")
		c.logger.Warnw("ignoring malformed realtime event", "error", err)
		return
	}

	listener := c.currentListener()
	switch {
	case event.Type == EventResponseCreated:
		if c.transcript.BeginDraft() {
			c.metrics.RecordAnomaly("orphaned_draft")
			c.logger.Errorw("response started while a draft was open; discarding orphaned draft")
			listener.ChannelWarning(domain.ErrorCodeProtocol, "interviewer response started before the previous one finished")
		}
		c.setActivity(domain.ActivityThinking)

	case isTranscriptDelta(event.Type):
		if event.Delta == "" {
			return
		}
		if c.transcript.AppendDelta(event.Delta) {
			c.metrics.RecordAnomaly("delta_without_draft")
			c.logger.Warnw("transcript delta arrived without an open draft", "type", event.Type)
		}
		listener.InterviewerDelta(event.Delta)

	case event.Type == EventResponseDone:
		if entry, ok := c.transcript.FinalizeDraft(responseText(event.Response)); ok {
			c.appended(listener, entry)
		}
		c.setActivity(domain.ActivityListening)

	case event.Type == EventInputTranscriptionCompleted:
		if entry, ok := c.transcript.AppendCandidate(event.Transcript); ok {
			c.appended(listener, entry)
		}

	case event.Type == EventInputTranscriptionFailed:
		detail := "candidate speech could not be transcribed"
		if event.Error != nil {
			detail = event.Error.describe()
		}
		c.logger.Warnw("candidate transcription failed", "item_id", event.ItemID, "detail", detail)
		listener.ChannelWarning(domain.ErrorCodeTranscription, detail)

	case event.Type == EventAudioDelta:
		c.setActivity(domain.ActivitySpeaking)

	case event.Type == EventSpeechStarted:
		c.setActivity(domain.ActivityListening)

	case event.Type == EventSpeechStopped:
		c.setActivity(domain.ActivityThinking)

	case event.Type == EventError:
		detail := event.Error.describe()
		c.metrics.RecordAnomaly("server_error")
		c.logger.Warnw("realtime service reported an error", "detail", detail)
		listener.ChannelWarning(domain.ErrorCodeProtocol, detail)

	default:
		c.logger.Debugw("ignoring realtime event", "type", event.Type)
	}
}

func (c *Channel) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Channel) appended(listener Listener, entry domain.TranscriptEntry) {
	c.metrics.RecordEntry(string(entry.Role))
	listener.EntryAppended(entry)
}

func (c *Channel) setActivity(activity domain.Activity) {
	c.mu.Lock()
	if c.activity == activity {
		c.mu.Unlock()
		return
	}
	c.activity = activity
	listener := c.listener
	c.mu.Unlock()

	listener.ActivityChanged(activity)
}

// ReplayEvents runs recorded control-stream events, one JSON object per line,
// through transcript assembly and returns the resulting entries.
func ReplayEvents(r io.Reader, listener Listener, logger *zap.SugaredLogger) ([]domain.TranscriptEntry, error) {
	c := NewChannel(nil, nil, nil, nil, logger, nil, Config{})
	c.SetListener(listener)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleMessage([]byte(line))
	}
	if err := scanner.Err(); err != nil {
		return c.Entries(), fmt.Errorf("failed to read recorded events: %w", err)
	}
	return c.Entries(), nil
}
