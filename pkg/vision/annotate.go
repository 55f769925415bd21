package vision

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"deskagent/pkg/types"
)

var (
	gridLineColor   = color.RGBA{255, 255, 255, 255}
	labelColor      = color.RGBA{255, 255, 0, 255}
	cursorCellColor = color.RGBA{0, 255, 0, 255}
	cursorDotColor  = color.RGBA{255, 0, 0, 255}
)

// AnnotateGrid renders the partition over img: cell boundaries, cell numbers,
// the cursor cell outline and a cursor dot.
func AnnotateGrid(img image.Image, g Grid, cursor types.Point) *image.RGBA {
	out := toRGBA(img)
	origin := out.Bounds().Min

	for _, cell := range g.Cells {
		x0, y0 := origin.X+cell.X, origin.Y+cell.Y
		x1, y1 := x0+cell.Width-1, y0+cell.Height-1
		drawRect(out, x0, y0, x1, y1, gridLineColor)
	}

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: out, Src: image.NewUniform(labelColor), Face: face}
	for _, cell := range g.Cells {
		label := strconv.Itoa(cell.Index)
		width := d.MeasureString(label).Round()
		d.Dot = fixed.P(origin.X+cell.CenterX-width/2, origin.Y+cell.CenterY+face.Ascent/2)
		d.DrawString(label)
	}

	if cell, err := g.CellAt(cursor.X, cursor.Y); err == nil {
		x0, y0 := origin.X+cell.X, origin.Y+cell.Y
		x1, y1 := x0+cell.Width-1, y0+cell.Height-1
		drawRect(out, x0, y0, x1, y1, cursorCellColor)
		drawRect(out, x0+1, y0+1, x1-1, y1-1, cursorCellColor)

		d.Src = image.NewUniform(cursorCellColor)
		d.Dot = fixed.P(origin.X+10, origin.Y+g.Height-20)
		d.DrawString("Cursor in cell: " + strconv.Itoa(cell.Index))
	}
	drawDot(out, origin.X+cursor.X, origin.Y+cursor.Y, 10, cursorDotColor)
	return out
}

// ModelImage scales the capture to height pixels, keeping the aspect ratio,
// and marks the cursor with a red dot.
func ModelImage(e *Entry, height int) *image.RGBA {
	if e == nil || e.Image == nil {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	src := e.Image
	b := src.Bounds()
	scale := 1.0
	if height > 0 && b.Dy() > 0 && b.Dy() != height {
		scale = float64(height) / float64(b.Dy())
		src = resize.Resize(0, uint(height), src, resize.Lanczos3)
	}
	out := toRGBA(src)
	o := out.Bounds().Min
	x := o.X + int(math.Round(float64(e.Cursor.X)*scale))
	y := o.Y + int(math.Round(float64(e.Cursor.Y)*scale))
	drawDot(out, x, y, 5, cursorDotColor)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)
	return out
}

func drawRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	drawLine(img, x0, y0, x1, y0, c)
	drawLine(img, x1, y0, x1, y1, c)
	drawLine(img, x1, y1, x0, y1, c)
	drawLine(img, x0, y1, x0, y0, c)
}

// drawLine draws a line between two points using Bresenham's algorithm
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx := abs(x2 - x1)
	dy := abs(y2 - y1)
	sx := 1
	if x1 > x2 {
		sx = -1
	}
	sy := 1
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy

	for {
		setPixelSafe(img, x1, y1, c)
		if x1 == x2 && y1 == y2 {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func drawDot(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixelSafe(img, cx+dx, cy+dy, c)
			}
		}
	}
}

func setPixelSafe(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
