// Package geometry places source content inside destination rectangles.
//
// Everything here is a pure function of its arguments so the compositor,
// the capture sources and the recorder agree on where pixels land.
package geometry

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// Anchor is the corner (or center) content is pinned to when it does not
// fill its destination rectangle.
type Anchor int

const (
	AnchorCenter Anchor = iota
	AnchorTopLeft
	AnchorTopRight
	AnchorBottomLeft
	AnchorBottomRight
)

var anchorNames = map[Anchor]string{
	AnchorCenter:      "center",
	AnchorTopLeft:     "top_left",
	AnchorTopRight:    "top_right",
	AnchorBottomLeft:  "bottom_left",
	AnchorBottomRight: "bottom_right",
}

func (a Anchor) String() string {
	if name, ok := anchorNames[a]; ok {
		return name
	}
	return fmt.Sprintf("anchor(%d)", int(a))
}

// MarshalText implements encoding.TextMarshaler
func (a Anchor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Anchor) UnmarshalText(text []byte) error {
	v, err := ParseAnchor(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAnchor accepts names like "top_left", "TopLeft" or "top-left"
func ParseAnchor(s string) (Anchor, error) {
	key := normalizeName(s)
	if key == "" {
		return AnchorCenter, nil
	}
	for a, name := range anchorNames {
		if normalizeName(name) == key {
			return a, nil
		}
	}
	return AnchorCenter, fmt.Errorf("unknown anchor %q", s)
}

// StretchMode controls how content is resized into a destination rectangle.
type StretchMode int

const (
	// StretchUniform scales preserving aspect ratio so the content fits
	StretchUniform StretchMode = iota
	// StretchNone keeps the native size, clipped to the destination
	StretchNone
	// StretchFill scales both axes independently to the destination
	StretchFill
	// StretchUniformToFill scales preserving aspect ratio so the content
	// covers the destination, then crops the overflow
	StretchUniformToFill
)

var stretchNames = map[StretchMode]string{
	StretchUniform:       "uniform",
	StretchNone:          "none",
	StretchFill:          "fill",
	StretchUniformToFill: "uniform_to_fill",
}

func (s StretchMode) String() string {
	if name, ok := stretchNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stretch(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s StretchMode) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *StretchMode) UnmarshalText(text []byte) error {
	v, err := ParseStretchMode(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStretchMode accepts names like "uniform_to_fill" or "UniformToFill"
func ParseStretchMode(s string) (StretchMode, error) {
	key := normalizeName(s)
	if key == "" {
		return StretchUniform, nil
	}
	for m, name := range stretchNames {
		if normalizeName(name) == key {
			return m, nil
		}
	}
	return StretchUniform, fmt.Errorf("unknown stretch mode %q", s)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

// MakeEven rounds v down to the nearest even value. Encoders working on
// chroma-subsampled formats reject odd dimensions.
func MakeEven(v int) int {
	if v%2 != 0 {
		return v - 1
	}
	return v
}

// EvenSize rounds both dimensions of p down to even values
func EvenSize(p image.Point) image.Point {
	return image.Pt(MakeEven(p.X), MakeEven(p.Y))
}

// MakeRectEven keeps the origin of r and rounds its size down to even values
func MakeRectEven(r image.Rectangle) image.Rectangle {
	return image.Rectangle{Min: r.Min, Max: r.Min.Add(EvenSize(r.Size()))}
}

// IsValidRect reports whether r has a positive area and a non-negative origin
func IsValidRect(r image.Rectangle) bool {
	return r.Min.X >= 0 && r.Min.Y >= 0 && r.Dx() > 0 && r.Dy() > 0
}

// ContentSize returns the size src occupies inside a dst-sized rectangle
// under the given stretch mode. The result never exceeds dst.
func ContentSize(src, dst image.Point, stretch StretchMode) image.Point {
	if src.X <= 0 || src.Y <= 0 || dst.X <= 0 || dst.Y <= 0 {
		return image.Point{}
	}

	switch stretch {
	case StretchNone:
		return image.Pt(min(src.X, dst.X), min(src.Y, dst.Y))
	case StretchFill, StretchUniformToFill:
		return dst
	default:
		scale := math.Min(float64(dst.X)/float64(src.X), float64(dst.Y)/float64(src.Y))
		w := int(math.Round(float64(src.X) * scale))
		h := int(math.Round(float64(src.Y) * scale))
		return image.Pt(clamp(w, 1, dst.X), clamp(h, 1, dst.Y))
	}
}

// ScaledSize is the size src is scaled to before any crop. It only differs
// from ContentSize for StretchUniformToFill, where it overflows dst.
func ScaledSize(src, dst image.Point, stretch StretchMode) image.Point {
	if stretch != StretchUniformToFill || src.X <= 0 || src.Y <= 0 {
		return ContentSize(src, dst, stretch)
	}
	scale := math.Max(float64(dst.X)/float64(src.X), float64(dst.Y)/float64(src.Y))
	w := int(math.Round(float64(src.X) * scale))
	h := int(math.Round(float64(src.Y) * scale))
	return image.Pt(max(w, dst.X), max(h, dst.Y))
}

// ContentOffset returns where content of the given size is placed inside a
// dst-sized rectangle. The offset is clamped to [0, dst-content].
func ContentOffset(anchor Anchor, dst, content image.Point) image.Point {
	extraX := max(0, dst.X-content.X)
	extraY := max(0, dst.Y-content.Y)

	switch anchor {
	case AnchorTopLeft:
		return image.Point{}
	case AnchorTopRight:
		return image.Pt(extraX, 0)
	case AnchorBottomLeft:
		return image.Pt(0, extraY)
	case AnchorBottomRight:
		return image.Pt(extraX, extraY)
	default:
		return image.Pt(extraX/2, extraY/2)
	}
}

// Place returns the rectangle, in the coordinate space of dest, that
// content of size native occupies once stretched and anchored.
func Place(native image.Point, dest image.Rectangle, anchor Anchor, stretch StretchMode) image.Rectangle {
	content := ContentSize(native, dest.Size(), stretch)
	offset := ContentOffset(anchor, dest.Size(), content)
	origin := dest.Min.Add(offset)
	return image.Rectangle{Min: origin, Max: origin.Add(content)}
}

// AdjustRects resolves the input rectangle read from a capture of size
// captureSize and the output frame size written to the encoder.
//
// A valid sourceRect replaces the full capture area and, unless frameSize
// is set, also defines the output size. Both results are even sized.
func AdjustRects(captureSize image.Point, sourceRect image.Rectangle, frameSize image.Point) (image.Rectangle, image.Point) {
	input := image.Rectangle{Max: EvenSize(captureSize)}
	output := EvenSize(captureSize)

	if IsValidRect(sourceRect) {
		input = sourceRect
		output = EvenSize(sourceRect.Size())
	}
	input = MakeRectEven(input)

	if frameSize.X > 0 && frameSize.Y > 0 {
		output = EvenSize(frameSize)
	}
	return input, output
}

// CompleteAspect fills in a missing dimension of want from the aspect
// ratio of src. If both are zero, src is returned unchanged.
func CompleteAspect(src, want image.Point) image.Point {
	switch {
	case want.X > 0 && want.Y > 0:
		return want
	case want.X > 0 && src.X > 0:
		return image.Pt(want.X, max(1, int(math.Round(float64(src.Y)*float64(want.X)/float64(src.X)))))
	case want.Y > 0 && src.Y > 0:
		return image.Pt(max(1, int(math.Round(float64(src.X)*float64(want.Y)/float64(src.Y)))), want.Y)
	default:
		return src
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
