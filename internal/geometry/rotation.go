package geometry

import "image"

// Rotation is the clockwise rotation of a display output relative to the
// frames its duplication primitive delivers.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// RotatedSize returns the size of a w×h frame after rotation
func RotatedSize(size image.Point, rot Rotation) image.Point {
	if rot == Rotate90 || rot == Rotate270 {
		return image.Pt(size.Y, size.X)
	}
	return size
}

// RotateRect maps r from frame space, a size.X×size.Y frame, into output
// space after rotating the frame clockwise by rot.
func RotateRect(r image.Rectangle, rot Rotation, size image.Point) image.Rectangle {
	w, h := size.X, size.Y
	switch rot {
	case Rotate90:
		return image.Rect(h-r.Max.Y, r.Min.X, h-r.Min.Y, r.Max.X)
	case Rotate180:
		return image.Rect(w-r.Max.X, h-r.Max.Y, w-r.Min.X, h-r.Min.Y)
	case Rotate270:
		return image.Rect(r.Min.Y, w-r.Max.X, r.Max.Y, w-r.Min.X)
	default:
		return r
	}
}

// RotatePoint maps pixel p of a size.X×size.Y frame into output space
func RotatePoint(p image.Point, rot Rotation, size image.Point) image.Point {
	w, h := size.X, size.Y
	switch rot {
	case Rotate90:
		return image.Pt(h-1-p.Y, p.X)
	case Rotate180:
		return image.Pt(w-1-p.X, h-1-p.Y)
	case Rotate270:
		return image.Pt(p.Y, w-1-p.X)
	default:
		return p
	}
}

// InverseRotatePoint maps output-space pixel p back into frame space
func InverseRotatePoint(p image.Point, rot Rotation, size image.Point) image.Point {
	w, h := size.X, size.Y
	switch rot {
	case Rotate90:
		return image.Pt(p.Y, h-1-p.X)
	case Rotate180:
		return image.Pt(w-1-p.X, h-1-p.Y)
	case Rotate270:
		return image.Pt(w-1-p.Y, p.X)
	default:
		return p
	}
}
