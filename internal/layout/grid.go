// Package layout assigns screen cells to concurrently running browser windows.
package layout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kbinani/screenshot"
)

// ErrFull means every cell of the grid is taken.
var ErrFull = errors.New("layout: no free cell")

// Screen is the display area windows are tiled on.
type Screen struct {
	X, Y          int
	Width, Height int
}

// FallbackScreen is used when no display can be queried, as on headless hosts.
var FallbackScreen = Screen{Width: 1920, Height: 1080}

// DetectScreen returns the second active display when more than one exists,
// otherwise the first one.
func DetectScreen() Screen {
	return detectScreen(screenshot.NumActiveDisplays, screenshotBounds)
}

func screenshotBounds(i int) Screen {
	b := screenshot.GetDisplayBounds(i)
	return Screen{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()}
}

func detectScreen(count func() int, bounds func(int) Screen) (s Screen) {
	defer func() {
		// Some platforms panic instead of reporting zero displays.
		if recover() != nil {
			s = FallbackScreen
		}
	}()
	n := count()
	if n <= 0 {
		return FallbackScreen
	}
	idx := 0
	if n > 1 {
		idx = 1
	}
	s = bounds(idx)
	if s.Width <= 0 || s.Height <= 0 {
		return FallbackScreen
	}
	return s
}

// Dimensions returns the grid shape for n profiles with at most max running
// at once: one row when only one window can ever be open, otherwise two, and
// as many columns as needed for min(n, max) windows.
func Dimensions(n, max int) (rows, cols int) {
	if n < 1 {
		n = 1
	}
	if max < 1 {
		max = 1
	}
	rows = 2
	if max == 1 || n == 1 {
		rows = 1
	}
	visible := n
	if max < visible {
		visible = max
	}
	cols = (visible + rows - 1) / rows
	return rows, cols
}

// Cell is a position in the grid.
type Cell struct {
	Row, Col int
}

func (c Cell) String() string { return fmt.Sprintf("(%d,%d)", c.Row, c.Col) }

// Rect is a window rectangle in screen coordinates.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Grid is a thread-safe matrix of profile names. A profile occupies at most
// one cell.
type Grid struct {
	screen Screen
	rows   int
	cols   int

	mu       sync.Mutex
	cells    [][]string
	released chan struct{}
}

// NewGrid creates an empty rows x cols grid over screen.
func NewGrid(rows, cols int, screen Screen) *Grid {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	if screen.Width <= 0 || screen.Height <= 0 {
		screen = FallbackScreen
	}
	cells := make([][]string, rows)
	for r := range cells {
		cells[r] = make([]string, cols)
	}
	return &Grid{
		screen:   screen,
		rows:     rows,
		cols:     cols,
		cells:    cells,
		released: make(chan struct{}),
	}
}

// ForProfiles sizes a grid with Dimensions.
func ForProfiles(n, max int, screen Screen) *Grid {
	rows, cols := Dimensions(n, max)
	return NewGrid(rows, cols, screen)
}

// Rows returns the number of rows.
func (g *Grid) Rows() int { return g.rows }

// Cols returns the number of columns.
func (g *Grid) Cols() int { return g.cols }

// Acquire places profile in the first free cell in row-major order. A profile
// that already holds a cell gets that cell back.
func (g *Grid) Acquire(profile string) (Cell, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.find(profile); ok {
		return c, nil
	}
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			if g.cells[r][c] == "" {
				g.cells[r][c] = profile
				return Cell{Row: r, Col: c}, nil
			}
		}
	}
	return Cell{}, ErrFull
}

// Release frees the cell held by profile and wakes everyone waiting on
// Released. It reports whether a cell was freed.
func (g *Grid) Release(profile string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.find(profile)
	if !ok {
		return false
	}
	g.cells[c.Row][c.Col] = ""
	close(g.released)
	g.released = make(chan struct{})
	return true
}

// Released returns a channel closed the next time any cell is released.
func (g *Grid) Released() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// CellOf returns the cell held by profile.
func (g *Grid) CellOf(profile string) (Cell, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.find(profile)
}

// Occupied returns the number of taken cells.
func (g *Grid) Occupied() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, row := range g.cells {
		for _, name := range row {
			if name != "" {
				n++
			}
		}
	}
	return n
}

func (g *Grid) find(profile string) (Cell, bool) {
	for r, row := range g.cells {
		for c, name := range row {
			if name == profile {
				return Cell{Row: r, Col: c}, true
			}
		}
	}
	return Cell{}, false
}

// Bounds returns the window rectangle of cell. The screen is tiled without
// overlap into equal cells.
func (g *Grid) Bounds(c Cell) Rect {
	w := g.screen.Width / g.cols
	h := g.screen.Height / g.rows
	return Rect{
		X:      g.screen.X + c.Col*w,
		Y:      g.screen.Y + c.Row*h,
		Width:  w,
		Height: h,
	}
}

// ScaleFactor is the device scale factor for windows in this grid. Two rows
// of windows render at half scale so the pages stay usable.
func (g *Grid) ScaleFactor() float64 {
	if g.rows == 1 {
		return 1
	}
	return 0.5
}
