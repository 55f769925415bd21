package vision

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"deskagent/pkg/types"
)

var (
	// ErrCellNotFound means the index or point is outside the current partition.
	ErrCellNotFound = errors.New("grid cell not found")
	// ErrStaleGrid means the caller resolved against a capture that has been replaced.
	ErrStaleGrid = errors.New("grid belongs to a previous capture")
)

// Cell is one rectangular region of the screen. Bounds are half-open:
// [X, X+Width) by [Y, Y+Height).
type Cell struct {
	Index   int `json:"index"`
	X       int `json:"x"`
	Y       int `json:"y"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	CenterX int `json:"center_x"`
	CenterY int `json:"center_y"`
}

// Contains reports whether the point lies inside the cell.
func (c Cell) Contains(x, y int) bool {
	return x >= c.X && x < c.X+c.Width && y >= c.Y && y < c.Y+c.Height
}

// Center returns the cell's center point.
func (c Cell) Center() types.Point {
	return types.Point{X: c.CenterX, Y: c.CenterY}
}

// Grid is the row-major partition of a screen. Cell indices start at 1.
type Grid struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Cells  []Cell `json:"cells"`
}

// Dimensions picks a row and column count close to target cells that keeps the
// screen aspect ratio, then grows both until there are at least floor cells.
// The floor is capped at one cell per pixel.
func Dimensions(width, height, target, floor int) (rows, cols int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	aspect := float64(width) / float64(height)
	rows = int(math.Sqrt(float64(target) / aspect))
	cols = int(float64(rows) * aspect)
	rows = clamp(rows, 1, height)
	cols = clamp(cols, 1, width)

	if floor > width*height {
		floor = width * height
	}
	for rows*cols < floor {
		if rows < height {
			rows++
		}
		if cols < width {
			cols++
		}
	}
	return rows, cols
}

// Partition builds the grid for a width x height screen. Cell edges are placed
// at col*width/cols so the cells tile the screen without gaps or overlap.
func Partition(width, height, target, floor int) Grid {
	rows, cols := Dimensions(width, height, target, floor)
	g := Grid{Width: width, Height: height, Rows: rows, Cols: cols}
	if rows == 0 || cols == 0 {
		return g
	}
	g.Cells = make([]Cell, 0, rows*cols)
	for r := 0; r < rows; r++ {
		y0, y1 := r*height/rows, (r+1)*height/rows
		for c := 0; c < cols; c++ {
			x0, x1 := c*width/cols, (c+1)*width/cols
			g.Cells = append(g.Cells, Cell{
				Index:   r*cols + c + 1,
				X:       x0,
				Y:       y0,
				Width:   x1 - x0,
				Height:  y1 - y0,
				CenterX: x0 + (x1-x0)/2,
				CenterY: y0 + (y1-y0)/2,
			})
		}
	}
	return g
}

// Len returns the number of cells.
func (g Grid) Len() int { return len(g.Cells) }

// CellSize returns the nominal cell size.
func (g Grid) CellSize() (int, int) {
	if g.Cols == 0 || g.Rows == 0 {
		return 0, 0
	}
	return g.Width / g.Cols, g.Height / g.Rows
}

// Cell returns the cell with the given 1-based index.
func (g Grid) Cell(index int) (Cell, error) {
	if index < 1 || index > len(g.Cells) {
		return Cell{}, fmt.Errorf("cell %d: %w", index, ErrCellNotFound)
	}
	return g.Cells[index-1], nil
}

// Resolve translates a cell index into the pixel coordinates of its center.
func (g Grid) Resolve(index int) (types.Point, error) {
	cell, err := g.Cell(index)
	if err != nil {
		return types.Point{}, err
	}
	return cell.Center(), nil
}

// CellAt returns the cell containing the point.
func (g Grid) CellAt(x, y int) (Cell, error) {
	if len(g.Cells) == 0 || x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return Cell{}, fmt.Errorf("point (%d, %d): %w", x, y, ErrCellNotFound)
	}
	col := sort.Search(g.Cols, func(c int) bool { return (c+1)*g.Width/g.Cols > x })
	row := sort.Search(g.Rows, func(r int) bool { return (r+1)*g.Height/g.Rows > y })
	return g.Cells[row*g.Cols+col], nil
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
