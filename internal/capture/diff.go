package capture

import (
	"bytes"
	"image"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

// MoveRegion describes a block of pixels that moved since the last frame.
// Source is the top-left corner of the block before the move; Dest is
// where it is now. Both are in frame space.
type MoveRegion struct {
	Source image.Point
	Dest   image.Rectangle
}

// FrameDiff is the change set of one duplicated frame
type FrameDiff struct {
	Moves []MoveRegion
	Dirty []image.Rectangle
	// Rotation of the output relative to the frame
	Rotation geometry.Rotation
	// FrameSize is the size of the frame in frame space
	FrameSize image.Point
	// Offset of the output inside the composed surface
	Offset image.Point
}

// UpdateCount is the number of regions reported by the backend
func (d FrameDiff) UpdateCount() int {
	return len(d.Moves) + len(d.Dirty)
}

// DiffRenderer applies frame diffs to a composed surface. It keeps the
// vertex buffer for dirty rectangles between frames.
type DiffRenderer struct {
	vb gfx.VertexBuffer
}

// Apply updates composed from frame. Moves are applied first, reading
// from the previous content of composed, then every dirty rectangle is
// copied from frame in one batched draw. It returns the rectangles of
// composed that were written. A diff without regions leaves composed
// untouched.
func (r *DiffRenderer) Apply(composed, frame *gfx.Surface, diff FrameDiff) ([]image.Rectangle, error) {
	if diff.UpdateCount() == 0 {
		return nil, nil
	}

	device := composed.Device()
	output := image.Rectangle{Min: diff.Offset, Max: diff.Offset.Add(geometry.RotatedSize(diff.FrameSize, diff.Rotation))}
	bounds := composed.Bounds().Intersect(output)
	touched := make([]image.Rectangle, 0, diff.UpdateCount())

	for _, mv := range diff.Moves {
		src := image.Rectangle{Min: mv.Source, Max: mv.Source.Add(mv.Dest.Size())}
		src = geometry.RotateRect(src, diff.Rotation, diff.FrameSize).Add(diff.Offset)
		dst := geometry.RotateRect(mv.Dest, diff.Rotation, diff.FrameSize).Add(diff.Offset)

		src, dst, ok := clipMove(src, dst, bounds)
		if !ok {
			continue
		}
		if err := device.CopyRegion(composed, dst.Min, composed, src); err != nil {
			return nil, err
		}
		touched = append(touched, dst)
	}

	frameBounds := image.Rectangle{Max: diff.FrameSize}
	r.vb.Reset(len(diff.Dirty))
	for _, d := range diff.Dirty {
		d = d.Intersect(frameBounds)
		if d.Empty() {
			continue
		}
		dst := geometry.RotateRect(d, diff.Rotation, diff.FrameSize).Add(diff.Offset)
		if dst.Intersect(bounds).Empty() {
			continue
		}
		r.vb.Append(gfx.Quad{Src: d, Dst: dst, Rotation: diff.Rotation})
		touched = append(touched, dst.Intersect(bounds))
	}
	if err := device.DrawQuads(composed, frame, &r.vb); err != nil {
		return nil, err
	}
	return touched, nil
}

// clipMove clips a move so that both its source and destination lie in bounds
func clipMove(src, dst, bounds image.Rectangle) (image.Rectangle, image.Rectangle, bool) {
	delta := dst.Min.Sub(src.Min)
	dst = dst.Intersect(bounds).Intersect(bounds.Add(delta))
	if dst.Empty() {
		return image.Rectangle{}, image.Rectangle{}, false
	}
	return dst.Sub(delta), dst, true
}

// DefaultTileSize is the tile edge used to diff frames of backends that do
// not report dirty rectangles themselves
const DefaultTileSize = 32

// DetectDirtyTiles compares prev and cur in tiles and returns the changed
// areas, merging horizontally adjacent tiles. A nil prev or a size change
// marks the whole frame dirty.
func DetectDirtyTiles(prev, cur *image.RGBA, tile int) []image.Rectangle {
	if cur == nil {
		return nil
	}
	if prev == nil || prev.Rect != cur.Rect {
		return []image.Rectangle{cur.Rect}
	}
	if tile <= 0 {
		tile = DefaultTileSize
	}

	var dirty []image.Rectangle
	b := cur.Rect
	for ty := b.Min.Y; ty < b.Max.Y; ty += tile {
		rowEnd := min(ty+tile, b.Max.Y)
		run := image.Rectangle{}
		for tx := b.Min.X; tx < b.Max.X; tx += tile {
			t := image.Rect(tx, ty, min(tx+tile, b.Max.X), rowEnd)
			if tileEqual(prev, cur, t) {
				if !run.Empty() {
					dirty = append(dirty, run)
					run = image.Rectangle{}
				}
				continue
			}
			if run.Empty() {
				run = t
			} else {
				run.Max.X = t.Max.X
			}
		}
		if !run.Empty() {
			dirty = append(dirty, run)
		}
	}
	return dirty
}

func tileEqual(a, b *image.RGBA, t image.Rectangle) bool {
	for y := t.Min.Y; y < t.Max.Y; y++ {
		ia := a.PixOffset(t.Min.X, y)
		ib := b.PixOffset(t.Min.X, y)
		n := t.Dx() * 4
		if !bytes.Equal(a.Pix[ia:ia+n], b.Pix[ib:ib+n]) {
			return false
		}
	}
	return true
}
