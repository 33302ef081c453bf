package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proctorcall/internal/logging"
	"proctorcall/internal/ports"
)

var errTransportClosed = errors.New("realtime transport is closed")

// TransportFactory creates websocket transports that carry both microphone
// audio and control events.
type TransportFactory struct {
	cfg       Config
	dialer    *websocket.Dialer
	logger    *zap.SugaredLogger
	chunkSize int
}

func NewTransportFactory(cfg Config, chunkSize int, logger *zap.SugaredLogger) *TransportFactory {
	if chunkSize < 256 {
		chunkSize = 4800
	}
	return &TransportFactory{
		cfg:       cfg.withDefaults(),
		dialer:    websocket.DefaultDialer,
		logger:    logging.OrNop(logger),
		chunkSize: chunkSize,
	}
}

func (f *TransportFactory) NewTransport() (ports.RealtimeTransport, error) {
	return &Transport{
		cfg:       f.cfg,
		dialer:    f.dialer,
		logger:    f.logger,
		chunkSize: f.chunkSize,
		outbound:  make(chan []byte, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Transport is one realtime websocket connection.
type Transport struct {
	cfg       Config
	dialer    *websocket.Dialer
	logger    *zap.SugaredLogger
	chunkSize int

	mu       sync.Mutex
	handlers ports.TransportHandlers
	audio    ports.AudioSession
	conn     *websocket.Conn

	enabled  atomic.Bool
	closing  atomic.Bool
	outbound chan []byte
	stop     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	stopOnce  sync.Once
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (t *Transport) AttachAudio(track ports.AudioSession) error {
	if track == nil {
		return errors.New("no audio track to attach")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = track
	return nil
}

func (t *Transport) OpenControl(handlers ports.TransportHandlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = handlers
	return nil
}

func (t *Transport) SetAudioEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Handshake dials the realtime endpoint and starts the read, write and audio
// loops. OnOpen fires once the socket is usable.
func (t *Transport) Handshake(ctx context.Context, cred ports.Credential) error {
	if t.closing.Load() {
		return errTransportClosed
	}

	model := cred.Model
	if model == "" {
		model = t.cfg.Model
	}
	wsURL, err := buildRealtimeURL(t.cfg.APIBaseURL, model)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Token)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := t.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime websocket: %w", err)
	}

	t.mu.Lock()
	if t.closing.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return errTransportClosed
	}
	t.conn = conn
	handlers := t.handlers
	audio := t.audio
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readLoop(conn, handlers)
	go t.writeLoop(conn)
	go func() {
		t.wg.Wait()
		_ = conn.Close()
		close(t.done)
		if !t.closing.Load() && handlers.OnClose != nil {
			handlers.OnClose(t.waitErr())
		}
	}()
	if audio != nil {
		go t.pumpAudio(audio)
	}

	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return nil
}

func (t *Transport) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	copied := append([]byte(nil), payload...)
	select {
	case <-t.stop:
		return errTransportClosed
	default:
	}
	select {
	case t.outbound <- copied:
		return nil
	case <-t.stop:
		return errTransportClosed
	}
}

// Close ends the connection without firing OnClose. Safe to call repeatedly.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.halt()

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.Close()
		<-t.done
	})
	return nil
}

func (t *Transport) halt() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Transport) waitErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Transport) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *Transport) writeLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-t.outbound:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.setErr(fmt.Errorf("failed to send realtime message: %w", err))
				t.halt()
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, handlers ports.TransportHandlers) {
	defer t.wg.Done()
	defer t.halt()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !t.closing.Load() {
				t.setErr(fmt.Errorf("failed to read realtime event: %w", err))
			}
			return
		}

		if handlers.OnRemoteAudio != nil {
			if pcm, ok := decodeAudioDelta(payload); ok {
				handlers.OnRemoteAudio(pcm)
			}
		}
		if handlers.OnMessage != nil {
			handlers.OnMessage(payload)
		}
	}
}

// pumpAudio streams microphone chunks while audio is enabled. It ends when
// the capture is stopped or the transport closes.
func (t *Transport) pumpAudio(audio ports.AudioSession) {
	buf := make([]byte, t.chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 && t.enabled.Load() {
			if sendErr := t.Send(encodeAudioAppend(buf[:n])); sendErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.closing.Load() {
				t.logger.Warnw("microphone capture ended", "error", err)
			}
			return
		}
		select {
		case <-t.stop:
			return
		default:
		}
	}
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func encodeAudioAppend(pcm []byte) []byte {
	payload, _ := json.Marshal(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	return payload
}

// decodeAudioDelta extracts PCM from a response.audio.delta event.
func decodeAudioDelta(payload []byte) ([]byte, bool) {
	if !strings.Contains(string(payload[:min(len(payload), 64)]), "response.audio.delta") {
		return nil, false
	}
	var event struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(payload, &event); err != nil || event.Type != "response.audio.delta" {
		return nil, false
	}
	pcm, err := base64.StdEncoding.DecodeString(event.Delta)
	if err != nil || len(pcm) == 0 {
		return nil, false
	}
	return pcm, true
}

func buildRealtimeURL(base string, model string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	realtimeURL, err := url.Parse(base + "/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid realtime API base URL: %w", err)
	}
	query := realtimeURL.Query()
	query.Set("model", model)
	realtimeURL.RawQuery = query.Encode()
	return realtimeURL.String(), nil
}
