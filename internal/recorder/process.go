package recorder

import (
	"image"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/overlay"
)

// process composes a captured canvas into an output frame: overlays and
// the cursor are drawn onto src, which is then cropped to the input rect
// and fitted into the output size. The caller releases the result.
func (s *session) process(p pipeline, src *gfx.Surface, pointer *capture.PointerInfo, frameNr int) (*gfx.Surface, error) {
	info := overlay.FrameInfo{
		Number:  frameNr,
		Time:    s.r.deps.Now(),
		Elapsed: s.encoder.MediaTimestamp(),
	}
	if err := p.coord.ProcessOverlays(src, info); err != nil {
		s.log.Warn().Err(err).Msg("Failed to render overlays")
	}
	if err := s.mouse.Draw(src, pointer); err != nil {
		s.log.Warn().Err(err).Msg("Failed to draw mouse pointer")
	}

	frame := src.AddRef()
	if p.input != src.Bounds() && !p.input.Empty() {
		cropped, err := p.textures.Crop(src, p.input)
		frame.Release()
		if err != nil {
			return nil, err
		}
		frame = cropped
	}
	if frame.Size() == p.output {
		return frame, nil
	}
	defer frame.Release()
	return fit(p, frame, p.output, s.cfg.Output.Stretch)
}

// fit resizes src into a black frame of the given size, centering the
// content when the stretch mode leaves borders
func fit(p pipeline, src *gfx.Surface, size image.Point, stretch geometry.StretchMode) (*gfx.Surface, error) {
	resized, content, err := p.textures.Resize(src, size, stretch)
	if err != nil {
		return nil, err
	}
	defer resized.Release()
	if content.Size() == size {
		return resized.AddRef(), nil
	}

	dst, err := p.device.NewSurface(size)
	if err != nil {
		return nil, err
	}
	if err := p.textures.Clear(dst, dst.Bounds()); err != nil {
		dst.Release()
		return nil, err
	}
	offset := geometry.ContentOffset(geometry.AnchorCenter, size, content.Size())
	if err := p.device.CopyRegion(dst, offset, resized, resized.Bounds()); err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

// previewActive reports whether preview frames are produced
func (s *session) previewActive() bool {
	if s.r.cb.OnFrameNumberChanged == nil && s.r.deps.Preview == nil {
		return false
	}
	if s.cfg.Output.PreviewSize != nil {
		return true
	}
	for _, src := range s.cfg.Sources {
		if src.Preview {
			return true
		}
	}
	return false
}

// preview scales frame down for display. A preview size with a single
// dimension keeps the frame aspect ratio.
func (s *session) preview(p pipeline, frame *gfx.Surface) image.Image {
	var want image.Point
	if s.cfg.Output.PreviewSize != nil {
		want = s.cfg.Output.PreviewSize.Image()
	}
	size := geometry.CompleteAspect(frame.Size(), want)
	if size == frame.Size() {
		img := frame.Image()
		cp := image.NewRGBA(img.Rect)
		copy(cp.Pix, img.Pix)
		return cp
	}
	resized, _, err := p.textures.Resize(frame, size, geometry.StretchUniform)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to scale preview")
		return nil
	}
	defer resized.Release()
	return resized.Image()
}

func (s *session) publishPreview(img image.Image) {
	if img == nil || s.r.deps.Preview == nil || !s.r.deps.Preview.IsRunning() {
		return
	}
	if err := s.r.deps.Preview.WriteFrame(img); err != nil {
		s.log.Debug().Err(err).Msg("Failed to publish preview")
	}
}
