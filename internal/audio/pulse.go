package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// maxBuffered bounds the audio kept between two grabs
const maxBuffered = 10 * time.Second

// fragment is the capture granularity requested from the server
const fragment = 20 * time.Millisecond

// pcmCollector implements pulse.Writer
type pcmCollector struct {
	*buffer
	format byte
}

func (p *pcmCollector) Format() byte {
	return p.format
}

// PulseSource records from PulseAudio or PipeWire-Pulse. By default it
// records the monitor of the default sink, i.e. what the desktop plays.
type PulseSource struct {
	format     Format
	name       string
	microphone bool
	log        *zerolog.Logger

	mu        sync.Mutex
	client    *pulse.Client
	stream    *pulse.RecordStream
	collector *pcmCollector
}

// NewPulseSource creates a source. name selects a pulse source by name;
// when empty, microphone picks the default source instead of the default
// sink monitor.
func NewPulseSource(format Format, name string, microphone bool) (*PulseSource, error) {
	if _, err := sampleFormat(format.BitsPerSample); err != nil {
		return nil, err
	}
	if format.Channels > 2 {
		return nil, fmt.Errorf("%d audio channels are not supported, use 1 or 2", format.Channels)
	}
	return &PulseSource{
		format:     format,
		name:       name,
		microphone: microphone,
		log:        logger.WithComponent("audio"),
	}, nil
}

func sampleFormat(bits int) (byte, error) {
	switch bits {
	case 8:
		return proto.FormatUint8, nil
	case 16:
		return proto.FormatInt16LE, nil
	case 32:
		return proto.FormatInt32LE, nil
	default:
		return 0, fmt.Errorf("%d bits per sample are not supported", bits)
	}
}

// Format returns the recorded PCM format
func (s *PulseSource) Format() Format {
	return s.format
}

// Start connects to the server and starts recording
func (s *PulseSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("audio capture already running")
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("screenrecorder"))
	if err != nil {
		return fmt.Errorf("pulse connect: %w", err)
	}

	sf, _ := sampleFormat(s.format.BitsPerSample)
	collector := &pcmCollector{
		buffer: &buffer{limit: s.format.Bytes(maxBuffered)},
		format: sf,
	}
	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(s.format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(s.format.Bytes(fragment))),
		pulse.RecordMediaName("screen recording"),
	}
	if s.format.Channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}

	target, err := s.target(client)
	if err != nil {
		client.Close()
		return err
	}
	opts = append(opts, target)

	stream, err := client.NewRecord(collector, opts...)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create record stream: %w", err)
	}
	stream.Start()

	s.client = client
	s.stream = stream
	s.collector = collector
	s.log.Info().
		Int("rate", s.format.SampleRate).
		Int("channels", s.format.Channels).
		Int("bits", s.format.BitsPerSample).
		Str("source", s.describe()).
		Msg("Audio capture started")
	return nil
}

func (s *PulseSource) target(client *pulse.Client) (pulse.RecordOption, error) {
	switch {
	case s.name != "":
		src, err := client.SourceByID(s.name)
		if err != nil {
			return nil, fmt.Errorf("audio source %q: %w", s.name, err)
		}
		return pulse.RecordSource(src), nil
	case s.microphone:
		src, err := client.DefaultSource()
		if err != nil {
			return nil, fmt.Errorf("default audio source: %w", err)
		}
		return pulse.RecordSource(src), nil
	default:
		sink, err := client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("default audio sink: %w", err)
		}
		return pulse.RecordMonitor(sink), nil
	}
}

func (s *PulseSource) describe() string {
	switch {
	case s.name != "":
		return s.name
	case s.microphone:
		return "default source"
	default:
		return "default sink monitor"
	}
}

// GrabAudioFrame returns what was recorded since the last call
func (s *PulseSource) GrabAudioFrame(time.Duration) ([]byte, error) {
	s.mu.Lock()
	collector, stream := s.collector, s.stream
	s.mu.Unlock()
	if collector == nil {
		return nil, ErrNotStarted
	}
	if err := stream.Error(); err != nil {
		return nil, fmt.Errorf("audio stream: %w", err)
	}
	return collector.grab(s.format.BytesPerFrame()), nil
}

// ClearRecordedBytes drops the buffered audio
func (s *PulseSource) ClearRecordedBytes() {
	s.mu.Lock()
	collector := s.collector
	s.mu.Unlock()
	if collector != nil {
		collector.clear()
	}
}

// Close stops recording and disconnects
func (s *PulseSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	s.stream.Close()
	s.client.Close()

	s.collector.mu.Lock()
	written, dropped := s.collector.written, s.collector.dropped
	s.collector.mu.Unlock()
	s.log.Info().
		Dur("recorded", s.format.Duration(int(written))).
		Int64("dropped_bytes", dropped).
		Msg("Audio capture stopped")

	s.stream = nil
	s.client = nil
	s.collector = nil
	return nil
}
