// Package grid rasterizes optimized trajectory nodes into a 2D occupancy
// grid.
package grid

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/spatial"
)

// CellUnknown marks a cell no ray has touched.
const CellUnknown = int8(-1)

// maxGridDim caps grid edge length; a larger map indicates bad input
// geometry rather than a real floor plan.
const maxGridDim = 16384

// Options controls rasterization.
type Options struct {
	// Resolution is the cell edge length in meters.
	Resolution float64 `json:"resolution"`
	// PaddingCells is added around the data bounds.
	PaddingCells int `json:"padding_cells"`
}

// DefaultOptions returns the rasterization defaults.
func DefaultOptions() Options {
	return Options{Resolution: 0.05, PaddingCells: 4}
}

// Grid is a 2D occupancy grid. Cells hold occupied probability 0..100, or
// CellUnknown. Origin is the pose of the cell (0,0) corner in the global map
// frame.
type Grid struct {
	Width      int
	Height     int
	Resolution float64
	Origin     spatial.Pose
	Cells      []int8
}

// At returns the cell value at (x, y), row-major from the origin corner.
func (g *Grid) At(x, y int) int8 {
	return g.Cells[y*g.Width+x]
}

// Image renders the grid as a gray image: free cells light, occupied cells
// dark, unknown cells a mid gray.
func (g *Grid) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.At(x, y)
			var gray uint8
			if v == CellUnknown {
				gray = 205
			} else {
				gray = uint8(255 - int(v)*255/100)
			}
			img.SetGray(x, y, color.Gray{Y: gray})
		}
	}
	return img
}

// Builder rasterizes trajectory nodes into a grid. An empty node set yields
// a nil grid and no error.
type Builder interface {
	Rasterize(ctx context.Context, nodes []engine.TrajectoryNode, opts Options) (*Grid, error)
}

type rayCastBuilder struct{}

// NewBuilder returns the default ray-casting builder. Every range return
// marks a hit at its endpoint and a miss along the ray from the node origin,
// and each cell's value is the hit fraction of the rays that touched it.
func NewBuilder() Builder {
	return &rayCastBuilder{}
}

func (b *rayCastBuilder) Rasterize(ctx context.Context, nodes []engine.TrajectoryNode, opts Options) (*Grid, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	if opts.Resolution <= 0 {
		return nil, errors.Errorf("invalid grid resolution %f", opts.Resolution)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	expand := func(pt r3.Vector) {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}
	for _, node := range nodes {
		expand(node.GlobalPose.Point())
		for _, pt := range node.RangeData {
			expand(pt)
		}
	}

	pad := float64(opts.PaddingCells) * opts.Resolution
	minX -= pad
	minY -= pad
	maxX += pad
	maxY += pad

	width := int(math.Ceil((maxX-minX)/opts.Resolution)) + 1
	height := int(math.Ceil((maxY-minY)/opts.Resolution)) + 1
	if width > maxGridDim || height > maxGridDim {
		return nil, errors.Errorf("grid of %dx%d cells exceeds maximum dimension %d", width, height, maxGridDim)
	}

	hits := make([]int, width*height)
	visits := make([]int, width*height)
	toCell := func(pt r3.Vector) (int, int) {
		return int(math.Floor((pt.X - minX) / opts.Resolution)),
			int(math.Floor((pt.Y - minY) / opts.Resolution))
	}

	for _, node := range nodes {
		ox, oy := toCell(node.GlobalPose.Point())
		for _, pt := range node.RangeData {
			hx, hy := toCell(pt)
			traceRay(ox, oy, hx, hy, func(x, y int) {
				visits[y*width+x]++
			})
			hits[hy*width+hx]++
			visits[hy*width+hx]++
		}
	}

	cells := make([]int8, width*height)
	for i := range cells {
		if visits[i] == 0 {
			cells[i] = CellUnknown
			continue
		}
		cells[i] = int8(math.Round(100 * float64(hits[i]) / float64(visits[i])))
	}

	return &Grid{
		Width:      width,
		Height:     height,
		Resolution: opts.Resolution,
		Origin:     spatial.NewPoseFromPoint(r3.Vector{X: minX, Y: minY}),
		Cells:      cells,
	}, nil
}

// traceRay visits the cells strictly between (x0, y0) and (x1, y1) with
// Bresenham's line algorithm.
func traceRay(x0, y0, x1, y1 int, visit func(x, y int)) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	x, y := x0, y0
	for {
		if x == x1 && y == y1 {
			return
		}
		if x != x0 || y != y0 {
			visit(x, y)
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
