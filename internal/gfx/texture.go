package gfx

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// Interpolation names a scaling kernel
type Interpolation string

const (
	InterpolationNearest        Interpolation = "nearest"
	InterpolationApproxBiLinear Interpolation = "approx_bilinear"
	InterpolationBiLinear       Interpolation = "bilinear"
	InterpolationCatmullRom     Interpolation = "catmull_rom"
)

func (i Interpolation) interpolator() xdraw.Interpolator {
	switch Interpolation(strings.ToLower(string(i))) {
	case InterpolationNearest:
		return xdraw.NearestNeighbor
	case InterpolationBiLinear:
		return xdraw.BiLinear
	case InterpolationCatmullRom:
		return xdraw.CatmullRom
	default:
		return xdraw.ApproxBiLinear
	}
}

// TextureManager performs the crop, resize and draw steps of composition
type TextureManager struct {
	device *Device
	scaler xdraw.Interpolator
}

// NewTextureManager creates a texture manager bound to device
func NewTextureManager(device *Device, quality Interpolation) *TextureManager {
	return &TextureManager{
		device: device,
		scaler: quality.interpolator(),
	}
}

// Device returns the device the manager allocates from
func (tm *TextureManager) Device() *Device {
	return tm.device
}

// FromImage uploads img into a new surface
func (tm *TextureManager) FromImage(img image.Image) (*Surface, error) {
	b := img.Bounds()
	s, err := tm.device.NewSurface(b.Size())
	if err != nil {
		return nil, err
	}
	draw.Draw(s.img, s.img.Rect, img, b.Min, draw.Src)
	return s, nil
}

// Copy duplicates src into a new surface
func (tm *TextureManager) Copy(src *Surface) (*Surface, error) {
	if err := tm.device.check(src); err != nil {
		return nil, err
	}
	dst, err := tm.device.NewSurface(src.Size())
	if err != nil {
		return nil, err
	}
	copy(dst.img.Pix, src.img.Pix)
	tm.device.drawCalls.Add(1)
	return dst, nil
}

// Crop copies rect of src into a new surface
func (tm *TextureManager) Crop(src *Surface, rect image.Rectangle) (*Surface, error) {
	if err := tm.device.check(src); err != nil {
		return nil, err
	}
	rect = rect.Intersect(src.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop rect outside of %v surface", src.Size())
	}
	dst, err := tm.device.NewSurface(rect.Size())
	if err != nil {
		return nil, err
	}
	draw.Draw(dst.img, dst.img.Rect, src.img, rect.Min, draw.Src)
	tm.device.drawCalls.Add(1)
	return dst, nil
}

// Resize scales src for a destination of the given size. The returned
// surface holds only the content; contentRect is its placement relative
// to a zero-origin destination before anchoring.
func (tm *TextureManager) Resize(src *Surface, size image.Point, stretch geometry.StretchMode) (*Surface, image.Rectangle, error) {
	if err := tm.device.check(src); err != nil {
		return nil, image.Rectangle{}, err
	}
	content := geometry.ContentSize(src.Size(), size, stretch)
	if content.X <= 0 || content.Y <= 0 {
		return nil, image.Rectangle{}, fmt.Errorf("cannot resize %v to %v", src.Size(), size)
	}

	dst, err := tm.device.NewSurface(content)
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	tm.device.drawCalls.Add(1)

	switch stretch {
	case geometry.StretchNone:
		draw.Draw(dst.img, dst.img.Rect, src.img, image.Point{}, draw.Src)
	case geometry.StretchUniformToFill:
		scaled := geometry.ScaledSize(src.Size(), size, stretch)
		tmp := image.NewRGBA(image.Rectangle{Max: scaled})
		tm.scaler.Scale(tmp, tmp.Rect, src.img, src.img.Rect, xdraw.Src, nil)
		off := image.Pt((scaled.X-content.X)/2, (scaled.Y-content.Y)/2)
		draw.Draw(dst.img, dst.img.Rect, tmp, off, draw.Src)
	default:
		tm.scaler.Scale(dst.img, dst.img.Rect, src.img, src.img.Rect, xdraw.Src, nil)
	}
	return dst, image.Rectangle{Max: content}, nil
}

// Draw renders all of src into rect of dst, scaling if the sizes differ
func (tm *TextureManager) Draw(dst, src *Surface, rect image.Rectangle) error {
	if err := tm.device.check(dst, src); err != nil {
		return err
	}
	tm.device.drawCalls.Add(1)
	if rect.Size() == src.Size() {
		draw.Draw(dst.img, rect, src.img, image.Point{}, draw.Src)
		return nil
	}
	tm.scaler.Scale(dst.img, rect, src.img, src.img.Rect, xdraw.Src, nil)
	return nil
}

// DrawImage scales img into rect of dst
func (tm *TextureManager) DrawImage(dst *Surface, img image.Image, rect image.Rectangle) error {
	if err := tm.device.check(dst); err != nil {
		return err
	}
	tm.device.drawCalls.Add(1)
	if rect.Size() == img.Bounds().Size() {
		draw.Draw(dst.img, rect, img, img.Bounds().Min, draw.Src)
		return nil
	}
	tm.scaler.Scale(dst.img, rect, img, img.Bounds(), xdraw.Src, nil)
	return nil
}

// Fill paints rect of dst with c
func (tm *TextureManager) Fill(dst *Surface, rect image.Rectangle, c color.RGBA) error {
	if err := tm.device.check(dst); err != nil {
		return err
	}
	draw.Draw(dst.img, rect, image.NewUniform(c), image.Point{}, draw.Src)
	return nil
}

// Clear paints rect of dst opaque black
func (tm *TextureManager) Clear(dst *Surface, rect image.Rectangle) error {
	return tm.Fill(dst, rect, color.RGBA{A: 0xff})
}
