package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

// OSFrame is a frame handed out by a Duplicator. It stays valid until the
// next ReleaseFrame.
type OSFrame struct {
	// Image is the full frame in frame space
	Image *image.RGBA
	Moves []MoveRegion
	Dirty []image.Rectangle
	// Pointer position is in output space, relative to the output origin
	Pointer   *PointerInfo
	Timestamp time.Time
}

// OutputDesc describes the output a Duplicator mirrors
type OutputDesc struct {
	Name string
	// Bounds of the output on the virtual desktop
	Bounds image.Rectangle
	// Rotation of the output relative to the frames
	Rotation geometry.Rotation
	// FrameSize is the size of delivered frames, before rotation
	FrameSize image.Point
}

// Duplicator is the host primitive mirroring one display output. Exactly
// one frame may be held at a time: AcquireFrame fails with ErrInvalidCall
// until the held frame is released.
type Duplicator interface {
	AcquireFrame(timeout time.Duration) (*OSFrame, error)
	ReleaseFrame() error
	Output() OutputDesc
	Close() error
}

// DuplicatorFactory opens a duplicator for a display source
type DuplicatorFactory func(src config.RecordingSource) (Duplicator, error)

// DuplicationSource captures a display output incrementally. Moved and
// dirty regions reported by the duplicator are applied to a composed
// surface instead of copying the whole output every frame.
type DuplicationSource struct {
	baseSource
	open DuplicatorFactory
	dupl Duplicator

	renderer DiffRenderer
	// staging mirrors the output at native size when the destination
	// needs a crop or resize
	staging *gfx.Surface
	// content is where staging was last placed in the destination
	content image.Rectangle
}

// NewDuplicationSource creates a display source backed by open
func NewDuplicationSource(open DuplicatorFactory, quality gfx.Interpolation) *DuplicationSource {
	return &DuplicationSource{
		baseSource: newBaseSource("duplication", quality),
		open:       open,
	}
}

// StartCapture opens the duplicator for src
func (s *DuplicationSource) StartCapture(src config.RecordingSource) error {
	if s.device == nil {
		return fmt.Errorf("%s: not initialized", s.name)
	}
	d, err := s.open(src)
	if err != nil {
		return fmt.Errorf("failed to open duplicator for %s: %w", src.String(), err)
	}
	s.source = src
	s.dupl = d
	s.invalidated.Store(true)

	out := d.Output()
	s.log.Info().
		Str("output", out.Name).
		Int("width", out.Bounds.Dx()).
		Int("height", out.Bounds.Dy()).
		Int("rotation", int(out.Rotation)).
		Msg("Display duplication started")
	return nil
}

// NativeSize returns the output size after rotation
func (s *DuplicationSource) NativeSize() (image.Point, error) {
	if s.dupl == nil {
		return image.Point{}, ErrNotStarted
	}
	out := s.dupl.Output()
	return geometry.RotatedSize(out.FrameSize, out.Rotation), nil
}

// acquire takes the next OS frame and returns it with the diff to apply.
// The caller must call s.dupl.ReleaseFrame once done with the frame.
func (s *DuplicationSource) acquire(timeout time.Duration) (*OSFrame, OutputDesc, error) {
	if s.dupl == nil {
		return nil, OutputDesc{}, ErrNotStarted
	}
	osf, err := s.dupl.AcquireFrame(timeout)
	if err != nil {
		return nil, OutputDesc{}, err
	}
	return osf, s.dupl.Output(), nil
}

func (s *DuplicationSource) diffFor(osf *OSFrame, out OutputDesc, full bool, offset image.Point) FrameDiff {
	diff := FrameDiff{
		Moves:     osf.Moves,
		Dirty:     osf.Dirty,
		Rotation:  out.Rotation,
		FrameSize: out.FrameSize,
		Offset:    offset,
	}
	if full {
		diff.Moves = nil
		diff.Dirty = []image.Rectangle{{Max: out.FrameSize}}
	}
	return diff
}

// ensureStaging keeps a native-size staging surface, reporting whether it
// was (re)allocated and therefore needs a full repaint
func (s *DuplicationSource) ensureStaging(native image.Point) (bool, error) {
	if s.staging != nil && s.staging.Size() == native {
		return false, nil
	}
	s.staging.Release()
	s.staging = nil
	s.content = image.Rectangle{}
	surf, err := s.device.NewSurface(native)
	if err != nil {
		return false, err
	}
	s.staging = surf
	return true, nil
}

// AcquireNextFrame returns a copy of the whole output
func (s *DuplicationSource) AcquireNextFrame(timeout time.Duration) (_ *CapturedFrame, err error) {
	osf, out, err := s.acquire(timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := s.dupl.ReleaseFrame(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	native := geometry.RotatedSize(out.FrameSize, out.Rotation)
	realloc, err := s.ensureStaging(native)
	if err != nil {
		return nil, err
	}

	frameSurf, err := s.device.Wrap(osf.Image)
	if err != nil {
		return nil, err
	}
	defer frameSurf.Release()

	diff := s.diffFor(osf, out, realloc, image.Point{})
	if _, err := s.renderer.Apply(s.staging, frameSurf, diff); err != nil {
		return nil, err
	}

	cp, err := s.textures.Copy(s.staging)
	if err != nil {
		return nil, err
	}
	return &CapturedFrame{
		Surface:     cp,
		Pointer:     osf.Pointer.Clone(),
		UpdateCount: diff.UpdateCount(),
		FullRefresh: realloc,
		Timestamp:   osf.Timestamp,
	}, nil
}

// WriteNextFrame applies the next frame's moves and dirty regions to dest
// of dst. When dest matches the output size exactly, the diff lands
// directly in dst; otherwise it lands in a native staging surface that is
// then placed into dest.
func (s *DuplicationSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (_ *CapturedFrame, err error) {
	osf, out, err := s.acquire(timeout)
	if err != nil {
		return nil, err
	}
	// The frame must go back to the host on every path, or the next
	// acquisition fails
	defer func() {
		if rerr := s.dupl.ReleaseFrame(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	frameSurf, err := s.device.Wrap(osf.Image)
	if err != nil {
		return nil, err
	}
	defer frameSurf.Release()

	native := geometry.RotatedSize(out.FrameSize, out.Rotation)
	_, cropped := s.cropRect(native)
	full := s.needsFullRefresh(dest, native)

	result := &CapturedFrame{
		FullRefresh: full,
		Timestamp:   osf.Timestamp,
	}

	if !cropped && dest.Size() == native {
		diff := s.diffFor(osf, out, full, dest.Min)
		dst.Lock()
		regions, err := s.renderer.Apply(dst, frameSurf, diff)
		dst.Unlock()
		if err != nil {
			return nil, err
		}
		result.Regions = regions
		result.UpdateCount = diff.UpdateCount()
		result.Pointer = mapPointer(osf.Pointer, native, image.Rectangle{}, dest)
		return result, nil
	}

	realloc, err := s.ensureStaging(native)
	if err != nil {
		return nil, err
	}
	full = full || realloc
	diff := s.diffFor(osf, out, full, image.Point{})
	if _, err := s.renderer.Apply(s.staging, frameSurf, diff); err != nil {
		return nil, err
	}
	result.UpdateCount = diff.UpdateCount()
	result.FullRefresh = full
	if result.UpdateCount == 0 {
		// pointer-only frames still move the cursor
		result.Pointer = mapPointer(osf.Pointer, native, s.source.SourceRectangle(), s.content)
		return result, nil
	}

	content, err := s.paint(dst, dest, s.staging, full)
	if err != nil {
		return nil, err
	}
	s.content = content
	if full {
		result.Regions = []image.Rectangle{dest}
	} else {
		result.Regions = []image.Rectangle{content}
	}
	result.Pointer = mapPointer(osf.Pointer, native, s.source.SourceRectangle(), content)
	return result, nil
}

// StopCapture closes the duplicator and frees the staging surface
func (s *DuplicationSource) StopCapture() error {
	s.staging.Release()
	s.staging = nil
	s.content = image.Rectangle{}
	if s.dupl == nil {
		return nil
	}
	err := s.dupl.Close()
	s.dupl = nil
	return err
}
