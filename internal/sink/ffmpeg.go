package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/rs/zerolog"
)

const (
	frameDuration  = 20 * time.Millisecond
	reportInterval = time.Second
	stallAfter     = 3 * time.Second
	eventBuffer    = 64
)

var (
	errRestarted  = errors.New("decoder restarted")
	ErrSinkClosed = errors.New("media sink is closed")
)

// Output receives Opus frames at real-time pace.
type Output interface {
	Ready() bool
	Speaking(speaking bool)
	Send(ctx context.Context, frame []byte) error
}

type Options struct {
	Binary      string
	Output      Output
	LoadTimeout time.Duration
	Headers     func() http.Header
	Registry    *Registry
	Logger      zerolog.Logger
}

// FFmpegSink decodes a remote audio URL with ffmpeg into Ogg/Opus and
// paces the packets into an Output.
type FFmpegSink struct {
	binary      string
	output      Output
	loadTimeout time.Duration
	headers     func() http.Header
	registry    *Registry
	logger      zerolog.Logger
	events      chan music.SinkEvent
	restartCh   chan struct{}

	mu         sync.Mutex
	url        string
	token      uint64
	volume     float64
	duration   time.Duration
	offset     time.Duration
	frames     int64
	dec        *decoder
	paused     bool
	pumping    bool
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	closed     bool
}

type readyResult struct {
	page *oggPage
	err  error
}

type decoder struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	pages   *oggReader
	stderr  *stderrLog
	ready   chan readyResult
	primed  bool
	pending []*oggPage

	waitOnce sync.Once
	waitErr  error
}

func (d *decoder) wait() error {
	d.waitOnce.Do(func() {
		d.waitErr = d.cmd.Wait()
	})
	return d.waitErr
}

func (d *decoder) stop() {
	d.cancel()
	_ = d.wait()
}

// New builds a sink and registers it as the process's only sink.
func New(opts Options) *FFmpegSink {
	binary := opts.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry
	}

	s := &FFmpegSink{
		binary:      binary,
		output:      opts.Output,
		loadTimeout: loadTimeout,
		headers:     opts.Headers,
		registry:    registry,
		logger:      opts.Logger.With().Str("component", "sink").Logger(),
		events:      make(chan music.SinkEvent, eventBuffer),
		restartCh:   make(chan struct{}, 1),
		volume:      1.0,
	}
	registry.Acquire(s)
	return s
}

func (s *FFmpegSink) Events() <-chan music.SinkEvent {
	return s.events
}

// Load replaces whatever is loaded with url and waits until the first audio
// page is decoded. When only the container header arrives in time the load
// proceeds optimistically.
func (s *FFmpegSink) Load(ctx context.Context, url string, token uint64) (time.Duration, error) {
	s.Unload()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSinkClosed
	}
	s.url = url
	s.token = token
	s.offset = 0
	s.frames = 0
	s.duration = 0
	s.paused = false
	volume := s.volume
	s.mu.Unlock()

	d, err := s.startDecoder(url, 0, volume)
	if err != nil {
		return 0, music.NewPlaybackError(music.KindUnknown, "", err)
	}
	if err := s.waitReady(ctx, d); err != nil {
		d.stop()
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != token || s.closed {
		d.stop()
		return 0, music.ErrStaleTransition
	}
	s.dec = d
	s.duration = d.stderr.Duration()
	return s.duration, nil
}

func (s *FFmpegSink) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dec == nil {
		return music.ErrNothingLoaded
	}
	if s.output == nil || !s.output.Ready() {
		return music.NewPlaybackError(music.KindAutoplayBlocked, "", music.ErrAutoplayBlocked)
	}

	s.paused = false
	if s.pumping {
		s.nudge()
		return nil
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	s.pumpDone = make(chan struct{})
	s.pumping = true
	go s.pump(pumpCtx, s.token, s.pumpDone)
	return nil
}

func (s *FFmpegSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	if s.output != nil {
		s.output.Speaking(false)
	}
}

func (s *FFmpegSink) Seek(pos time.Duration) error {
	s.mu.Lock()
	if s.dec == nil {
		s.mu.Unlock()
		return music.ErrNothingLoaded
	}
	if pos < 0 {
		pos = 0
	}
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	url, volume := s.url, s.volume
	s.mu.Unlock()

	return s.restart(url, pos, volume)
}

// SetVolume re-encodes from the current position with the new gain.
func (s *FFmpegSink) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}

	s.mu.Lock()
	if s.volume == v {
		s.mu.Unlock()
		return
	}
	s.volume = v
	loaded := s.dec != nil
	url := s.url
	pos := s.positionLocked()
	s.mu.Unlock()

	if !loaded {
		return
	}
	if err := s.restart(url, pos, v); err != nil {
		s.logger.Warn().Err(err).Float64("volume", v).Msg("failed to apply volume")
	}
}

// Unload stops output and the decoder and forgets the source.
func (s *FFmpegSink) Unload() {
	s.mu.Lock()
	cancel := s.pumpCancel
	done := s.pumpDone
	d := s.dec
	s.dec = nil
	s.pumping = false
	s.pumpCancel = nil
	s.pumpDone = nil
	s.url = ""
	s.token = 0
	s.paused = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d != nil {
		d.stop()
	}
	if done != nil {
		<-done
	}
	if s.output != nil {
		s.output.Speaking(false)
	}
}

func (s *FFmpegSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Unload()
	s.registry.Release(s)
	close(s.events)
	return nil
}

func (s *FFmpegSink) args(url string, offset time.Duration, volume float64) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	}
	if s.headers != nil {
		var b strings.Builder
		for key, values := range s.headers() {
			for _, v := range values {
				fmt.Fprintf(&b, "%s: %s\r\n", key, v)
			}
		}
		if b.Len() > 0 {
			args = append(args, "-headers", b.String())
		}
	}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
	}
	return append(args,
		"-i", url,
		"-af", fmt.Sprintf("volume=%.2f", volume),
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "96k",
		"-vbr", "on",
		"-frame_duration", "20",
		"-application", "audio",
		"-f", "ogg",
		"-loglevel", "info",
		"pipe:1",
	)
}

func (s *FFmpegSink) startDecoder(url string, offset time.Duration, volume float64) (*decoder, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.binary, s.args(url, offset, volume)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d := &decoder{
		cmd:    cmd,
		cancel: cancel,
		pages:  newOggReader(stdout),
		stderr: newStderrLog(),
		ready:  make(chan readyResult, 1),
	}
	go d.stderr.consume(stderr)
	go func() {
		for {
			page, err := d.pages.ReadPage()
			if err != nil {
				d.ready <- readyResult{err: err}
				return
			}
			if !page.isHeader {
				d.ready <- readyResult{page: page}
				return
			}
		}
	}()

	s.logger.Debug().Str("url", redactURL(url)).Dur("offset", offset).Msg("decoder started")
	return d, nil
}

func (s *FFmpegSink) waitReady(ctx context.Context, d *decoder) error {
	timer := time.NewTimer(s.loadTimeout)
	defer timer.Stop()

	select {
	case res := <-d.ready:
		d.primed = true
		if res.err != nil {
			d.stderr.drain()
			_ = d.wait()
			lines := d.stderr.Lines()
			kind := classifyStderr(lines)
			if kind == music.KindUnknown {
				// ffmpeg produced no audio and gave no reason
				kind = music.KindFormatUnsupported
			}
			return sinkError(kind, lines)
		}
		d.pending = append(d.pending, res.page)
		return nil
	case <-timer.C:
		if d.stderr.Duration() > 0 {
			s.logger.Debug().Msg("load slow but metadata arrived, continuing")
			return nil
		}
		return music.NewPlaybackError(music.KindLoadTimeout, "", music.ErrLoadTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FFmpegSink) restart(url string, pos time.Duration, volume float64) error {
	d, err := s.startDecoder(url, pos, volume)
	if err != nil {
		return err
	}
	if err := s.waitReady(context.Background(), d); err != nil {
		d.stop()
		return err
	}

	s.mu.Lock()
	if s.url != url || s.dec == nil {
		s.mu.Unlock()
		d.stop()
		return music.ErrStaleTransition
	}
	old := s.dec
	s.dec = d
	s.offset = pos
	s.frames = 0
	if dur := d.stderr.Duration(); dur > 0 {
		s.duration = dur
	}
	s.mu.Unlock()

	old.stop()
	s.nudge()
	return nil
}

func (s *FFmpegSink) nudge() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

func (s *FFmpegSink) pump(ctx context.Context, token uint64, done chan struct{}) {
	var progress atomic.Int64
	progress.Store(time.Now().UnixNano())

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go s.watchStall(watchCtx, token, &progress, watchDone)
	defer func() {
		stopWatch()
		<-watchDone
		close(done)
	}()

	if s.output != nil {
		s.output.Speaking(true)
	}
	s.emit(ctx, music.SinkEvent{Type: music.SinkStarted, Token: token})

	for {
		s.mu.Lock()
		d := s.dec
		s.mu.Unlock()
		if d == nil {
			return
		}

		err := s.stream(ctx, d, token, &progress)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errRestarted) {
			continue
		}

		d.stderr.drain()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if waitErr := d.wait(); waitErr == nil {
				s.mu.Lock()
				pos := s.positionLocked()
				s.mu.Unlock()
				s.emit(ctx, music.SinkEvent{Type: music.SinkEnded, Token: token, Position: pos})
				return
			}
		} else {
			_ = d.wait()
		}

		lines := d.stderr.Lines()
		kind := classifyStderr(lines)
		if kind == music.KindUnknown {
			kind = music.KindNetworkError
		}
		s.logger.Warn().Str("kind", string(kind)).Strs("stderr", lines).Msg("decoder failed mid-stream")
		s.emit(ctx, music.SinkEvent{Type: music.SinkErrored, Token: token, Kind: kind, Err: sinkError(kind, lines)})
		return
	}
}

func (s *FFmpegSink) stream(ctx context.Context, d *decoder, token uint64, progress *atomic.Int64) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	lastReport := time.Now()

	for {
		page, err := s.nextPage(ctx, d)
		if err != nil {
			if s.superseded(d) {
				return errRestarted
			}
			return err
		}
		if page.isHeader {
			continue
		}

		for _, packet := range page.packets {
			if len(packet) == 0 {
				continue
			}

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.restartCh:
					if s.superseded(d) {
						return errRestarted
					}
				default:
				}

				s.mu.Lock()
				paused := s.paused
				s.mu.Unlock()
				if !paused {
					break
				}
				progress.Store(time.Now().UnixNano())
				time.Sleep(50 * time.Millisecond)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}

			if err := s.output.Send(ctx, packet); err != nil {
				s.logger.Debug().Err(err).Msg("dropped opus frame")
				continue
			}
			progress.Store(time.Now().UnixNano())

			s.mu.Lock()
			s.frames++
			pos, dur := s.positionLocked(), s.duration
			s.mu.Unlock()

			if time.Since(lastReport) >= reportInterval {
				lastReport = time.Now()
				s.emit(ctx, music.SinkEvent{Type: music.SinkTimeAdvanced, Token: token, Position: pos, Duration: dur})
			}
		}
	}
}

func (s *FFmpegSink) nextPage(ctx context.Context, d *decoder) (*oggPage, error) {
	if !d.primed {
		select {
		case res := <-d.ready:
			d.primed = true
			if res.err != nil {
				return nil, res.err
			}
			return res.page, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(d.pending) > 0 {
		page := d.pending[0]
		d.pending = d.pending[1:]
		return page, nil
	}
	return d.pages.ReadPage()
}

func (s *FFmpegSink) superseded(d *decoder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec != d
}

func (s *FFmpegSink) watchStall(ctx context.Context, token uint64, progress *atomic.Int64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, progress.Load()))
			if idle < stallAfter {
				stalled = false
				continue
			}
			if !stalled {
				stalled = true
				s.emit(ctx, music.SinkEvent{Type: music.SinkStalled, Token: token})
			}
		}
	}
}

func (s *FFmpegSink) emit(ctx context.Context, ev music.SinkEvent) {
	if ev.Type == music.SinkTimeAdvanced || ev.Type == music.SinkStalled {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *FFmpegSink) positionLocked() time.Duration {
	return s.offset + time.Duration(s.frames)*frameDuration
}

func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?..."
	}
	return raw
}
