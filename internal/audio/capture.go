// Package audio captures microphone audio through ffmpeg and cuts it into
// relay chunks with a speech-activity level.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/relay"
)

// CaptureConfig configures ffmpeg capture.
type CaptureConfig struct {
	Binary        string // ffmpeg executable
	InputFormat   string // ffmpeg input device format: pulse, alsa, avfoundation, dshow
	Device        string
	ChunkInterval time.Duration
	Level         LevelConfig
}

// source is a running capture process.
type source interface {
	io.Reader
	// Interrupt asks the process to flush and exit.
	Interrupt() error
	Kill() error
	Wait() error
}

// FFmpegCapture implements relay.Capture with one ffmpeg process per stream.
type FFmpegCapture struct {
	cfg    CaptureConfig
	logger zerolog.Logger
	start  func(args []string) (source, error)
}

// NewFFmpegCapture creates a capture device.
func NewFFmpegCapture(cfg CaptureConfig, logger zerolog.Logger) *FFmpegCapture {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.Level.Frame <= 0 {
		cfg.Level = DefaultLevelConfig()
	}

	c := &FFmpegCapture{
		cfg:    cfg,
		logger: logger.With().Str("component", "capture").Logger(),
	}
	c.start = func(args []string) (source, error) {
		return startProcess(c.cfg.Binary, args)
	}
	return c
}

// Acquire starts capturing with constraints.
func (c *FFmpegCapture) Acquire(constraints domain.AudioConstraints, l relay.CaptureListener) (relay.Stream, error) {
	if constraints.SampleRate <= 0 || constraints.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid audio constraints: %+v", constraints)
	}
	if constraints.EchoCancellation {
		c.logger.Debug().Msg("Echo cancellation is not available for ffmpeg capture, ignoring")
	}

	args := ffmpegArgs(c.cfg, constraints)
	src, err := c.start(args)
	if err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	c.logger.Info().Strs("args", args).Msg("Capture started")

	s := newStream(src, constraints, c.cfg, l, c.logger)
	go s.run()
	return s, nil
}

func ffmpegArgs(cfg CaptureConfig, c domain.AudioConstraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	args = append(args, "-i", cfg.Device)

	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	return append(args,
		"-ac", strconv.Itoa(c.ChannelCount),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
}

// stream reads PCM frames from its source into a ring buffer and hands the
// buffered audio to the listener once per chunk interval.
type stream struct {
	src        source
	l          relay.CaptureListener
	buf        *RingBuffer
	meter      *LevelMeter
	interval   time.Duration
	frameBytes int
	mimeType   string
	logger     zerolog.Logger

	stopping    atomic.Bool
	released    atomic.Bool
	stopOnce    sync.Once
	releaseOnce sync.Once
}

func newStream(src source, c domain.AudioConstraints, cfg CaptureConfig, l relay.CaptureListener, logger zerolog.Logger) *stream {
	bytesPerSecond := c.SampleRate * c.ChannelCount * 2
	frameBytes := int(int64(bytesPerSecond) * int64(cfg.Level.Frame) / int64(time.Second))
	frameBytes -= frameBytes % (2 * c.ChannelCount)
	if frameBytes <= 0 {
		frameBytes = 2 * c.ChannelCount
	}
	chunkBytes := int(int64(bytesPerSecond) * int64(cfg.ChunkInterval) / int64(time.Second))

	return &stream{
		src:        src,
		l:          l,
		buf:        NewRingBuffer(4*chunkBytes + frameBytes + 1),
		meter:      NewLevelMeter(cfg.Level),
		interval:   cfg.ChunkInterval,
		frameBytes: frameBytes,
		mimeType:   fmt.Sprintf("audio/pcm;rate=%d;channels=%d", c.SampleRate, c.ChannelCount),
		logger:     logger,
	}
}

func (s *stream) MimeType() string {
	return s.mimeType
}

// Stop lets ffmpeg flush and exit; the remaining audio is delivered before
// Drained.
func (s *stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if err := s.src.Interrupt(); err != nil {
			s.logger.Debug().Err(err).Msg("Interrupt failed, killing capture")
			_ = s.src.Kill()
		}
	})
}

// Release kills the capture; nothing else is delivered.
func (s *stream) Release() {
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		_ = s.src.Kill()
	})
}

func (s *stream) run() {
	readDone := make(chan error, 1)
	go func() { readDone <- s.read() }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.emit()
		case err := <-readDone:
			waitErr := s.src.Wait()
			if s.released.Load() {
				return
			}
			s.emit()
			if s.stopping.Load() {
				s.logger.Debug().Msg("Capture drained")
				s.l.Drained()
				return
			}
			if err == nil {
				err = waitErr
			}
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			s.logger.Warn().Err(err).Msg("Capture ended unexpectedly")
			s.l.Failed(fmt.Errorf("capture ended unexpectedly: %w", err))
			return
		}
	}
}

func (s *stream) read() error {
	frame := make([]byte, s.frameBytes)
	for {
		n, err := io.ReadFull(s.src, frame)
		if n > 0 {
			s.consume(frame[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *stream) consume(frame []byte) {
	if s.released.Load() {
		return
	}
	observability.RecordCapturedBytes(len(frame))
	if written := s.buf.Write(frame); written < len(frame) {
		s.logger.Warn().Int("dropped", len(frame)-written).Msg("Capture buffer overflow")
	}
	if level, changed := s.meter.Process(BytesToSamples(frame)); changed {
		s.l.Level(level)
	}
}

func (s *stream) emit() {
	if s.released.Load() {
		return
	}
	if data := s.buf.Drain(); data != nil {
		s.l.Chunk(data)
	}
}

// process is an ffmpeg child writing PCM to stdout.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
}

func startProcess(binary string, args []string) (*process, error) {
	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return &process{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *process) Read(b []byte) (int, error) { return p.stdout.Read(b) }
func (p *process) Interrupt() error           { return p.cmd.Process.Signal(os.Interrupt) }
func (p *process) Kill() error                { return p.cmd.Process.Kill() }

func (p *process) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
