// Package audio records PCM that is interleaved with the video frames of
// a session.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

// ErrNotStarted is returned when audio is grabbed before Start
var ErrNotStarted = errors.New("audio capture not started")

// Format describes interleaved little-endian PCM
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// FormatFrom reads the format from the audio options
func FormatFrom(opts config.AudioOptions) Format {
	return Format{SampleRate: opts.SampleRate, Channels: opts.Channels, BitsPerSample: opts.BitsPerSample}
}

// Validate checks that the format can be recorded
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid audio format %d Hz, %d channels, %d bits", f.SampleRate, f.Channels, f.BitsPerSample)
	}
	return nil
}

// BytesPerFrame is the size of one sample across all channels
func (f Format) BytesPerFrame() int {
	return f.BitsPerSample / 8 * f.Channels
}

// Frames returns the number of whole frames in n bytes
func (f Format) Frames(n int) int {
	if bpf := f.BytesPerFrame(); bpf > 0 {
		return n / bpf
	}
	return 0
}

// Duration returns the play time of n bytes
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.Frames(n)) * int64(time.Second) / int64(f.SampleRate))
}

// Bytes returns the size of d of audio, rounded down to whole frames
func (f Format) Bytes(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.BytesPerFrame()
}

// Source records audio in the background. GrabAudioFrame hands out what
// was recorded since the previous call.
type Source interface {
	Start() error
	// GrabAudioFrame returns the buffered PCM in whole frames. The frame
	// duration is a hint for sources that synthesize audio.
	GrabAudioFrame(frameDuration time.Duration) ([]byte, error)
	// ClearRecordedBytes drops everything buffered, e.g. audio recorded
	// while paused
	ClearRecordedBytes()
	Format() Format
	Close() error
}

// buffer collects PCM written by a capture callback
type buffer struct {
	mu   sync.Mutex
	data []byte
	// bytes written and dropped in total, for logging
	written int64
	dropped int64
	// limit caps the buffered size, the oldest bytes go first
	limit int
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	b.written += int64(len(p))
	if b.limit > 0 && len(b.data) > b.limit {
		over := len(b.data) - b.limit
		b.data = append(b.data[:0], b.data[over:]...)
		b.dropped += int64(over)
	}
	return len(p), nil
}

// grab removes and returns the buffered whole frames
func (b *buffer) grab(frameSize int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.data)
	if frameSize > 0 {
		n -= n % frameSize
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = append(b.data[:0], b.data[n:]...)
	return out
}

func (b *buffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped += int64(len(b.data))
	b.data = b.data[:0]
}

// New creates the configured source. It returns nil when audio is disabled.
func New(opts config.AudioOptions) (Source, error) {
	if !opts.Enabled {
		return nil, nil
	}
	format := FormatFrom(opts)
	if err := format.Validate(); err != nil {
		return nil, err
	}
	src, err := NewPulseSource(format, opts.Source, opts.Microphone)
	if err != nil {
		return nil, err
	}
	return src, nil
}
