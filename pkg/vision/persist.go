package vision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File names written on every sensing cycle.
const (
	FullscreenFile = "fullscreen.jpg"
	GridFile       = "grid.jpg"
	GridInfoFile   = "grid_info.txt"
)

// Persister writes the rendered screenshots and the grid summary to Dir.
type Persister struct {
	Dir         string
	ModelHeight int
	encoder     *Encoder
	mu          sync.Mutex
}

// NewPersister creates a persister that writes into dir.
func NewPersister(dir string, modelHeight int, encoder *Encoder) *Persister {
	if encoder == nil {
		encoder = NewEncoder(0)
	}
	return &Persister{Dir: dir, ModelHeight: modelHeight, encoder: encoder}
}

// Path returns the location of one of the persisted files.
func (p *Persister) Path(name string) string {
	return filepath.Join(p.Dir, name)
}

// Persist overwrites the plain screenshot, the grid-annotated screenshot and
// grid_info.txt for entry e.
func (p *Persister) Persist(e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	plain, err := p.encoder.ModelJPEG(e, p.ModelHeight)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p.Path(FullscreenFile), plain); err != nil {
		return err
	}

	grid, err := p.encoder.GridJPEG(e)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p.Path(GridFile), grid); err != nil {
		return err
	}

	return writeFileAtomic(p.Path(GridInfoFile), []byte(Summary(e)))
}

// Summary is the plain-text description of a capture's grid.
func Summary(e *Entry) string {
	var b strings.Builder
	cw, ch := e.Grid.CellSize()
	fmt.Fprintf(&b, "Screen dimensions: %dx%d\n", e.Grid.Width, e.Grid.Height)
	fmt.Fprintf(&b, "Grid: %d rows x %d columns\n", e.Grid.Rows, e.Grid.Cols)
	fmt.Fprintf(&b, "Cell size: %dx%d pixels\n", cw, ch)
	fmt.Fprintf(&b, "Total cells: %d\n", e.Grid.Len())
	if cell, err := e.CursorCell(); err == nil {
		fmt.Fprintf(&b, "Cursor position: (%d, %d) in cell %d\n", e.Cursor.X, e.Cursor.Y, cell.Index)
	} else {
		fmt.Fprintf(&b, "Cursor position: (%d, %d)\n", e.Cursor.X, e.Cursor.Y)
	}
	return b.String()
}

// writeFileAtomic replaces path so readers never see a half-written file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
