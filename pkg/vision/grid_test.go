package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition_TilesScreen(t *testing.T) {
	sizes := [][2]int{
		{1920, 1080}, {1366, 768}, {2560, 1440}, {1280, 1024},
		{3840, 2160}, {800, 600}, {1080, 1920}, {1001, 333}, {37, 29},
	}
	for _, size := range sizes {
		w, h := size[0], size[1]
		g := Partition(w, h, 1000, 500)

		require.GreaterOrEqual(t, g.Rows*g.Cols, 500, "%dx%d", w, h)
		require.Len(t, g.Cells, g.Rows*g.Cols)

		covered := make([]int, w*h)
		area := 0
		for i, c := range g.Cells {
			assert.Equal(t, i+1, c.Index, "indices are contiguous from 1")
			area += c.Width * c.Height
			for y := c.Y; y < c.Y+c.Height; y++ {
				for x := c.X; x < c.X+c.Width; x++ {
					covered[y*w+x]++
				}
			}
		}
		assert.Equal(t, w*h, area, "%dx%d area", w, h)
		for i, n := range covered {
			if n != 1 {
				t.Fatalf("%dx%d: pixel (%d, %d) covered %d times", w, h, i%w, i/w, n)
			}
		}
	}
}

func TestDimensions_PreservesAspect(t *testing.T) {
	rows, cols := Dimensions(1920, 1080, 1000, 500)
	assert.GreaterOrEqual(t, rows*cols, 500)
	ratio := float64(cols) / float64(rows)
	assert.InDelta(t, 1920.0/1080.0, ratio, 0.1)
}

func TestDimensions_FloorRaisesSmallTarget(t *testing.T) {
	rows, cols := Dimensions(1920, 1080, 10, 500)
	assert.GreaterOrEqual(t, rows*cols, 500)
}

func TestDimensions_TinyScreen(t *testing.T) {
	rows, cols := Dimensions(10, 10, 1000, 500)
	assert.Equal(t, 10, rows)
	assert.Equal(t, 10, cols)

	rows, cols = Dimensions(0, 10, 1000, 500)
	assert.Zero(t, rows)
	assert.Zero(t, cols)
}

func TestGrid_Resolve(t *testing.T) {
	g := Partition(1000, 500, 50, 50)

	first, err := g.Cell(1)
	require.NoError(t, err)
	p, err := g.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, first.Center(), p)
	assert.True(t, first.Contains(p.X, p.Y))

	_, err = g.Resolve(0)
	assert.ErrorIs(t, err, ErrCellNotFound)
	_, err = g.Resolve(g.Len() + 1)
	assert.ErrorIs(t, err, ErrCellNotFound)
}

func TestGrid_CellAtHalfOpen(t *testing.T) {
	g := Partition(1000, 500, 50, 50)
	c, err := g.Cell(1)
	require.NoError(t, err)

	at, err := g.CellAt(c.X, c.Y)
	require.NoError(t, err)
	assert.Equal(t, 1, at.Index, "lower edge belongs to the cell")

	next, err := g.CellAt(c.X+c.Width, c.Y)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Index, "upper edge belongs to the next cell")

	below, err := g.CellAt(c.X, c.Y+c.Height)
	require.NoError(t, err)
	assert.Equal(t, 1+g.Cols, below.Index)

	_, err = g.CellAt(1000, 0)
	assert.ErrorIs(t, err, ErrCellNotFound)
	_, err = g.CellAt(-1, 0)
	assert.ErrorIs(t, err, ErrCellNotFound)
}

func TestGrid_CellAtMatchesScan(t *testing.T) {
	g := Partition(1366, 768, 1000, 500)
	for _, p := range [][2]int{{0, 0}, {1365, 767}, {683, 384}, {45, 700}, {1000, 3}} {
		got, err := g.CellAt(p[0], p[1])
		require.NoError(t, err)
		var want Cell
		for _, c := range g.Cells {
			if c.Contains(p[0], p[1]) {
				want = c
				break
			}
		}
		assert.Equal(t, want, got)
	}
}
