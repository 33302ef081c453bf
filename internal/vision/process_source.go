// Package vision runs an external face-tracker process and exposes its
// readings as an attention feed.
package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorcall/internal/logging"
	"proctorcall/internal/ports"
)

var ErrTrackerExited = errors.New("face tracker exited")

// ProcessSource starts a tracker command that writes one JSON observation
// per line to stdout, e.g. {"present":true,"gaze":{"x":640,"y":360}}.
type ProcessSource struct {
	command      string
	args         []string
	startupGrace time.Duration
	logger       *zap.SugaredLogger
	now          func() time.Time
}

func NewProcessSource(command string, args []string, logger *zap.SugaredLogger) *ProcessSource {
	return &ProcessSource{
		command:      strings.TrimSpace(command),
		args:         append([]string(nil), args...),
		startupGrace: 200 * time.Millisecond,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

func (s *ProcessSource) Open(ctx context.Context) (ports.AttentionFeed, error) {
	if s.command == "" {
		return nil, errors.New("no face tracker command configured")
	}

	cmd := exec.Command(s.command, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start face tracker: %w", err)
	}

	feed := &processFeed{
		id:      "attention-" + uuid.NewString(),
		process: cmd.Process,
		latest:  make(chan ports.Observation, 1),
		exited:  make(chan struct{}),
		logger:  s.logger,
		now:     s.now,
	}
	go feed.scan(stdout)
	go func() {
		feed.waitErr = cmd.Wait()
		close(feed.exited)
	}()

	select {
	case <-feed.exited:
		return nil, fmt.Errorf("%w before producing readings: %v", ErrTrackerExited, feed.waitErr)
	case <-ctx.Done():
		_ = feed.Close()
		return nil, ctx.Err()
	case <-time.After(s.startupGrace):
	}
	return feed, nil
}

type processFeed struct {
	id      string
	process *os.Process
	latest  chan ports.Observation
	exited  chan struct{}
	waitErr error
	logger  *zap.SugaredLogger
	now     func() time.Time

	closeOnce sync.Once
}

func (f *processFeed) ID() string { return f.id }

// Detect returns the next reading. Readings that arrive while nobody is
// waiting are replaced by newer ones.
func (f *processFeed) Detect(ctx context.Context) (ports.Observation, error) {
	select {
	case obs := <-f.latest:
		return obs, nil
	case <-ctx.Done():
		return ports.Observation{}, ctx.Err()
	case <-f.exited:
		return ports.Observation{}, ErrTrackerExited
	}
}

func (f *processFeed) Close() error {
	f.closeOnce.Do(func() {
		_ = f.process.Signal(os.Interrupt)
		select {
		case <-f.exited:
		case <-time.After(time.Second):
			_ = f.process.Kill()
			<-f.exited
		}
	})
	return nil
}

func (f *processFeed) scan(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obs ports.Observation
		if err := json.Unmarshal([]byte(line), &obs); err != nil {
			f.logger.Debugw("skipping malformed tracker line", "error", err)
			continue
		}
		obs.Timestamp = f.now()
		f.offer(obs)
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warnw("face tracker output ended", "error", err)
	}
}

func (f *processFeed) offer(obs ports.Observation) {
	for {
		select {
		case f.latest <- obs:
			return
		default:
		}
		select {
		case <-f.latest:
		default:
		}
	}
}
