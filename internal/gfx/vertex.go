package gfx

import (
	"image"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// Quad maps Src, in source surface space, onto Dst in the target surface.
// Rotation is applied while copying.
type Quad struct {
	Src      image.Rectangle
	Dst      image.Rectangle
	Rotation geometry.Rotation
}

// VertexBuffer batches quads for a single DrawQuads call. Its backing store
// grows to the largest batch seen and is reused between frames.
type VertexBuffer struct {
	quads  []Quad
	allocs int
}

// Reset empties the buffer, reserving room for n quads
func (vb *VertexBuffer) Reset(n int) {
	if cap(vb.quads) < n {
		vb.quads = make([]Quad, 0, n)
		vb.allocs++
		return
	}
	vb.quads = vb.quads[:0]
}

// Append adds a quad to the batch
func (vb *VertexBuffer) Append(q Quad) {
	vb.quads = append(vb.quads, q)
}

// Len returns the number of queued quads
func (vb *VertexBuffer) Len() int {
	return len(vb.quads)
}

// Quads returns the queued quads
func (vb *VertexBuffer) Quads() []Quad {
	return vb.quads
}

// Allocations returns how many times the backing store had to grow
func (vb *VertexBuffer) Allocations() int {
	return vb.allocs
}
