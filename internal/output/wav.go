package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const wavHeaderSize = 44

// wavWriter writes PCM into a RIFF/WAVE file. The chunk sizes are patched
// on Close.
type wavWriter struct {
	f    afero.File
	size uint32
}

func sidecarPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".wav"
}

func newWAVWriter(fs afero.Fs, path string, format AudioFormat) (*wavWriter, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(wavHeader(format, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &wavWriter{f: f}, nil
}

func wavHeader(format AudioFormat, dataSize uint32) []byte {
	blockAlign := format.Channels * format.BitsPerSample / 8
	h := make([]byte, wavHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36+dataSize)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], uint16(format.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(format.BitsPerSample))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], dataSize)
	return h
}

func (w *wavWriter) Write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.size += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	return nil
}

func (w *wavWriter) Close() error {
	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], 36+w.size)
	_, err1 := w.f.WriteAt(sizes[:], 4)
	binary.LittleEndian.PutUint32(sizes[:], w.size)
	_, err2 := w.f.WriteAt(sizes[:], 40)
	return errors.Join(err1, err2, w.f.Close())
}

func joinErrors(op string, errs []error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
