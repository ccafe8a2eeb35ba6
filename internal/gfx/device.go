// Package gfx is the graphics device the capture pipeline renders with.
//
// A Device hands out reference counted RGBA surfaces and performs the copy
// and draw operations the compositor needs. A device can be marked lost,
// after which every operation fails with ErrDeviceRemoved until the owner
// tears it down and creates a new one.
package gfx

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

var (
	// ErrDeviceRemoved reports that the device is gone and must be recreated
	ErrDeviceRemoved = errors.New("graphics device removed")
	// ErrDeviceReset reports that the device was reset by the host
	ErrDeviceReset = errors.New("graphics device reset")
	// ErrInvalidSurface is returned for nil, released or foreign surfaces
	ErrInvalidSurface = errors.New("invalid surface")
)

var deviceSeq atomic.Uint64

// Device owns surfaces and executes draw operations on them
type Device struct {
	id uint64

	mu   sync.RWMutex
	lost error

	live      atomic.Int64
	drawCalls atomic.Uint64
}

// NewDevice creates a new graphics device
func NewDevice() (*Device, error) {
	return &Device{id: deviceSeq.Add(1)}, nil
}

// ID identifies the device instance, changing every time it is recreated
func (d *Device) ID() uint64 {
	return d.id
}

// Err returns nil while the device is usable
func (d *Device) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lost
}

// Remove marks the device lost. reason is kept in the error chain.
func (d *Device) Remove(reason error) {
	d.markLost(ErrDeviceRemoved, reason)
}

// Reset marks the device as reset by the host
func (d *Device) Reset(reason error) {
	d.markLost(ErrDeviceReset, reason)
}

func (d *Device) markLost(kind, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return
	}
	if reason == nil {
		d.lost = kind
		return
	}
	d.lost = fmt.Errorf("%w: %w", kind, reason)
}

// Close releases the device. Surfaces still alive become unusable.
func (d *Device) Close() {
	d.markLost(ErrDeviceRemoved, errors.New("device closed"))
}

// LiveSurfaces returns how many surfaces have not been released yet
func (d *Device) LiveSurfaces() int64 {
	return d.live.Load()
}

// DrawCalls returns how many draw operations were submitted
func (d *Device) DrawCalls() uint64 {
	return d.drawCalls.Load()
}

// NewSurface allocates a zeroed surface of the given size
func (d *Device) NewSurface(size image.Point) (*Surface, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", size.X, size.Y)
	}
	return d.adopt(image.NewRGBA(image.Rectangle{Max: size})), nil
}

// Wrap adopts img as a surface without copying when it is anchored at the
// origin. The caller must not write to img while the surface is alive.
func (d *Device) Wrap(img *image.RGBA) (*Surface, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Rect.Empty() {
		return nil, ErrInvalidSurface
	}
	if img.Rect.Min != (image.Point{}) {
		rebased := image.NewRGBA(image.Rectangle{Max: img.Rect.Size()})
		draw.Draw(rebased, rebased.Rect, img, img.Rect.Min, draw.Src)
		img = rebased
	}
	return d.adopt(img), nil
}

func (d *Device) adopt(img *image.RGBA) *Surface {
	s := &Surface{img: img, device: d}
	s.refs.Store(1)
	d.live.Add(1)
	return s
}

func (d *Device) check(surfaces ...*Surface) error {
	if err := d.Err(); err != nil {
		return err
	}
	for _, s := range surfaces {
		if s == nil || s.device != d || s.refs.Load() <= 0 {
			return ErrInvalidSurface
		}
	}
	return nil
}

// CopyRegion copies sr of src to dp in dst. src and dst may be the same
// surface with overlapping regions.
func (d *Device) CopyRegion(dst *Surface, dp image.Point, src *Surface, sr image.Rectangle) error {
	if err := d.check(dst, src); err != nil {
		return err
	}
	sr = sr.Intersect(src.img.Rect)
	if sr.Empty() {
		return nil
	}
	d.drawCalls.Add(1)

	if dst == src {
		staging := image.NewRGBA(image.Rectangle{Max: sr.Size()})
		draw.Draw(staging, staging.Rect, src.img, sr.Min, draw.Src)
		draw.Draw(dst.img, image.Rectangle{Min: dp, Max: dp.Add(sr.Size())}, staging, image.Point{}, draw.Src)
		return nil
	}
	draw.Draw(dst.img, image.Rectangle{Min: dp, Max: dp.Add(sr.Size())}, src.img, sr.Min, draw.Src)
	return nil
}

// DrawQuads renders every quad of vb from src into dst in a single call
func (d *Device) DrawQuads(dst, src *Surface, vb *VertexBuffer) error {
	if err := d.check(dst, src); err != nil {
		return err
	}
	if vb.Len() == 0 {
		return nil
	}
	d.drawCalls.Add(1)

	for _, q := range vb.quads {
		drawQuad(dst.img, src.img, q)
	}
	return nil
}

func drawQuad(dst, src *image.RGBA, q Quad) {
	if q.Rotation == geometry.Rotate0 && q.Src.Size() == q.Dst.Size() {
		draw.Draw(dst, q.Dst, src, q.Src.Min, draw.Src)
		return
	}

	size := q.Src.Size()
	clip := q.Dst.Intersect(dst.Rect)
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			local := geometry.InverseRotatePoint(image.Pt(x-q.Dst.Min.X, y-q.Dst.Min.Y), q.Rotation, size)
			sp := local.Add(q.Src.Min)
			if !sp.In(src.Rect) {
				continue
			}
			si := src.PixOffset(sp.X, sp.Y)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
}

// Surface is a scoped handle to device memory. Every owner calls Release
// exactly once; AddRef hands out an additional reference.
type Surface struct {
	img    *image.RGBA
	device *Device
	refs   atomic.Int32
	mu     sync.Mutex
}

// Lock takes exclusive access to the pixels of a surface shared between
// a writer and a reader goroutine. Device operations do not lock.
func (s *Surface) Lock() {
	s.mu.Lock()
}

// Unlock releases Lock
func (s *Surface) Unlock() {
	s.mu.Unlock()
}

// Image exposes the pixels for CPU-side readers and writers
func (s *Surface) Image() *image.RGBA {
	return s.img
}

// Bounds returns the surface rectangle, always anchored at the origin
func (s *Surface) Bounds() image.Rectangle {
	return s.img.Rect
}

// Size returns the surface dimensions
func (s *Surface) Size() image.Point {
	return s.img.Rect.Size()
}

// Device returns the owning device
func (s *Surface) Device() *Device {
	return s.device
}

// AddRef adds a reference and returns s for chaining
func (s *Surface) AddRef() *Surface {
	s.refs.Add(1)
	return s
}

// Release drops a reference. Releasing a nil surface is a no-op.
func (s *Surface) Release() {
	if s == nil {
		return
	}
	if s.refs.Add(-1) == 0 {
		s.device.live.Add(-1)
	}
}
