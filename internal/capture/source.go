package capture

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// baseSource holds what every backend shares: the device binding, the
// source settings and the placement of full frames into a destination.
type baseSource struct {
	name     string
	quality  gfx.Interpolation
	device   *gfx.Device
	textures *gfx.TextureManager
	source   config.RecordingSource
	log      *zerolog.Logger

	invalidated atomic.Bool
	lastDest    image.Rectangle
	lastNative  image.Point

	wake chan struct{}
}

func newBaseSource(name string, quality gfx.Interpolation) baseSource {
	return baseSource{
		name:    name,
		quality: quality,
		log:     logger.WithComponent("capture-" + name),
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the source name
func (b *baseSource) Name() string {
	return b.name
}

// Initialize binds the source to device
func (b *baseSource) Initialize(device *gfx.Device) error {
	if device == nil {
		return fmt.Errorf("%s: nil graphics device", b.name)
	}
	b.device = device
	b.textures = gfx.NewTextureManager(device, b.quality)
	return nil
}

// Invalidate forces a full repaint on the next frame and wakes a source
// that is idling in waitIdle
func (b *baseSource) Invalidate() {
	b.invalidated.Store(true)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// waitIdle blocks until timeout or Invalidate, whichever comes first
func (b *baseSource) waitIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-b.wake:
	}
}

// needsFullRefresh reports whether the next write must repaint dest
// entirely, and records dest and native for the following call.
func (b *baseSource) needsFullRefresh(dest image.Rectangle, native image.Point) bool {
	full := b.invalidated.Swap(false) || dest != b.lastDest || native != b.lastNative
	b.lastDest = dest
	b.lastNative = native
	return full
}

// cropRect returns the configured crop if it is valid and differs from
// the native frame
func (b *baseSource) cropRect(native image.Point) (image.Rectangle, bool) {
	r := b.source.SourceRectangle()
	if !geometry.IsValidRect(r) || r.Size() == native {
		return image.Rectangle{}, false
	}
	return r, true
}

// place crops frame to the configured source rect, resizes it into dest
// with the configured stretch and draws it at the anchored offset. It
// returns the rectangle of dst that received content.
func (b *baseSource) place(dst *gfx.Surface, dest image.Rectangle, frame *gfx.Surface) (image.Rectangle, error) {
	processed := frame.AddRef()
	defer func() { processed.Release() }()

	if crop, ok := b.cropRect(frame.Size()); ok {
		cropped, err := b.textures.Crop(processed, crop)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("crop: %w", err)
		}
		processed.Release()
		processed = cropped
	}

	content := image.Rectangle{Max: processed.Size()}
	if dest.Size() != processed.Size() {
		resized, contentRect, err := b.textures.Resize(processed, dest.Size(), b.source.Stretch)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("resize: %w", err)
		}
		processed.Release()
		processed = resized
		content = contentRect
	}

	offset := geometry.ContentOffset(b.source.Anchor, dest.Size(), content.Size())
	target := image.Rectangle{Min: dest.Min.Add(offset), Max: dest.Min.Add(offset).Add(content.Size())}
	if err := b.textures.Draw(dst, processed, target); err != nil {
		return image.Rectangle{}, err
	}
	return target, nil
}

// paint places frame into dest while holding the dst lock, clearing dest
// first on a full refresh
func (b *baseSource) paint(dst *gfx.Surface, dest image.Rectangle, frame *gfx.Surface, full bool) (image.Rectangle, error) {
	dst.Lock()
	defer dst.Unlock()
	if full {
		if err := b.textures.Clear(dst, dest); err != nil {
			return image.Rectangle{}, err
		}
	}
	return b.place(dst, dest, frame)
}

// writeFull draws a complete frame into dest, clearing the letterbox
// area when a full refresh is due. It consumes frame.Surface.
func (b *baseSource) writeFull(frame *CapturedFrame, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error) {
	defer frame.Release()

	full := b.needsFullRefresh(dest, frame.Surface.Size())
	content, err := b.paint(dst, dest, frame.Surface, full)
	if err != nil {
		return nil, err
	}

	out := &CapturedFrame{
		Pointer:     mapPointer(frame.Pointer, frame.Surface.Size(), b.source.SourceRectangle(), content),
		UpdateCount: max(frame.UpdateCount, 1),
		FullRefresh: full,
		Timestamp:   frame.Timestamp,
	}
	if full {
		out.Regions = []image.Rectangle{dest}
	} else {
		out.Regions = []image.Rectangle{content}
	}
	return out, nil
}

// mapPointer converts a pointer position from native frame coordinates
// into the coordinates of the content rectangle it was drawn at
func mapPointer(p *PointerInfo, native image.Point, crop image.Rectangle, content image.Rectangle) *PointerInfo {
	if p == nil {
		return nil
	}
	src := image.Rectangle{Max: native}
	if geometry.IsValidRect(crop) && crop.Size() != native {
		src = crop
	}
	if src.Empty() || content.Empty() {
		return nil
	}

	out := p.Clone()
	rel := p.Position.Sub(src.Min)
	out.Position = image.Pt(
		content.Min.X+rel.X*content.Dx()/src.Dx(),
		content.Min.Y+rel.Y*content.Dy()/src.Dy(),
	)
	out.Visible = p.Visible && out.Position.In(content)
	return out
}
