package geom

import "fmt"

// Point2i is an integer pixel coordinate.
type Point2i struct {
	X, Y int
}

// Bounds2i is a half-open pixel rectangle [Min, Max).
type Bounds2i struct {
	Min, Max Point2i
}

// NewBounds2i returns the rectangle [x0,x1) x [y0,y1).
func NewBounds2i(x0, y0, x1, y1 int) Bounds2i {
	return Bounds2i{Min: Point2i{X: x0, Y: y0}, Max: Point2i{X: x1, Y: y1}}
}

// Width returns the number of columns, or 0 for an empty rectangle.
func (b Bounds2i) Width() int { return max(0, b.Max.X-b.Min.X) }

// Height returns the number of rows, or 0 for an empty rectangle.
func (b Bounds2i) Height() int { return max(0, b.Max.Y-b.Min.Y) }

// Area returns the number of pixels.
func (b Bounds2i) Area() int { return b.Width() * b.Height() }

// Empty reports whether the rectangle holds no pixels.
func (b Bounds2i) Empty() bool { return b.Area() == 0 }

// Intersect returns the overlap of b and o.
func (b Bounds2i) Intersect(o Bounds2i) Bounds2i {
	return Bounds2i{
		Min: Point2i{X: max(b.Min.X, o.Min.X), Y: max(b.Min.Y, o.Min.Y)},
		Max: Point2i{X: min(b.Max.X, o.Max.X), Y: min(b.Max.Y, o.Max.Y)},
	}
}

// Contains reports whether p lies inside b.
func (b Bounds2i) Contains(p Point2i) bool {
	return p.X >= b.Min.X && p.X < b.Max.X && p.Y >= b.Min.Y && p.Y < b.Max.Y
}

func (b Bounds2i) String() string {
	return fmt.Sprintf("[%d,%d)-[%d,%d)", b.Min.X, b.Min.Y, b.Max.X, b.Max.Y)
}
